// Package notify implements the engine's in-process publish/subscribe
// bus: producers publish typed events under a topic name, subscribers
// register per-topic handlers and get synchronous callbacks on the
// engine goroutine, in subscription order, before Publish returns.
package notify

import "sync"

// Topic names the events producers publish and subscribers register for.
type Topic string

const (
	TopicFilelistAdded       Topic = "filelist-added"
	TopicQueueDirectoryAdded Topic = "queue-directory-added"
	TopicQueueDirRemoved     Topic = "queue-directory-removed"
	TopicQueueTargetRemoved  Topic = "queue-target-removed"
	TopicTTHAvailable        Topic = "tth-available"
	TopicDidRemoveShare      Topic = "did-remove-share"
	TopicShareScanFinished   Topic = "share-scan-finished"
	TopicHashingComplete     Topic = "hashing-complete"
	TopicExternalIPDetected  Topic = "external-ip-detected"

	TopicUserLogin      Topic = "user-login"
	TopicUserLogout     Topic = "user-logout"
	TopicUserUpdate     Topic = "user-update"
	TopicHubName        Topic = "hubname"
	TopicStatusMessage  Topic = "status-message"
	TopicPublicMessage  Topic = "public-message"
	TopicPrivateMessage Topic = "private-message"
	TopicSearchResponse Topic = "search-response"
	TopicHubDisconnected Topic = "hub-disconnected"
	TopicNeedPassword   Topic = "need-password"
	TopicHubRedirect    Topic = "hub-redirect"
	TopicConnectionClosed Topic = "connection-closed"
	TopicConnectToMe      Topic = "connect-to-me"
	TopicSearchRequest    Topic = "search-request"
)

// Handler receives one event payload published to a topic.
type Handler func(event interface{})

// Bus is a synchronous, single-process topic bus. The zero value is
// not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]Handler)}
}

// Subscribe registers h to run on every future Publish to topic,
// after every handler already subscribed to that topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish invokes every subscriber of topic, in subscription order,
// synchronously, before returning. Handlers run with the bus unlocked
// so they may themselves call Subscribe or Publish.
func (b *Bus) Publish(topic Topic, event interface{}) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount reports how many handlers are registered for topic,
// mainly for tests asserting on bus wiring.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
