package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe(TopicTTHAvailable, func(event interface{}) { order = append(order, 1) })
	b.Subscribe(TopicTTHAvailable, func(event interface{}) { order = append(order, 2) })
	b.Subscribe(TopicTTHAvailable, func(event interface{}) { order = append(order, 3) })

	b.Publish(TopicTTHAvailable, nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishOnlyReachesItsTopic(t *testing.T) {
	b := New()
	var gotA, gotB bool
	b.Subscribe(TopicFilelistAdded, func(event interface{}) { gotA = true })
	b.Subscribe(TopicHashingComplete, func(event interface{}) { gotB = true })

	b.Publish(TopicFilelistAdded, nil)
	assert.True(t, gotA)
	assert.False(t, gotB)
}

func TestPublishPassesEventPayload(t *testing.T) {
	b := New()
	var got interface{}
	b.Subscribe(TopicExternalIPDetected, func(event interface{}) { got = event })
	b.Publish(TopicExternalIPDetected, "192.0.34.166")
	assert.Equal(t, "192.0.34.166", got)
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.SubscriberCount(TopicDidRemoveShare))
	b.Subscribe(TopicDidRemoveShare, func(interface{}) {})
	b.Subscribe(TopicDidRemoveShare, func(interface{}) {})
	assert.Equal(t, 2, b.SubscriberCount(TopicDidRemoveShare))
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(TopicQueueDirectoryAdded, func(event interface{}) {
		b.Subscribe(TopicQueueDirectoryAdded, func(interface{}) { called = true })
	})
	b.Publish(TopicQueueDirectoryAdded, nil)
	assert.False(t, called, "handler added mid-publish shouldn't run in the same Publish call")
	b.Publish(TopicQueueDirectoryAdded, nil)
	assert.True(t, called)
}
