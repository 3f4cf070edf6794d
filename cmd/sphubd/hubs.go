package main

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/controlbus"
	"github.com/rufuscoder/shakespeer/internal/engine"
	"github.com/rufuscoder/shakespeer/internal/hubsession"
	"github.com/rufuscoder/shakespeer/internal/legacyenc"
	"github.com/rufuscoder/shakespeer/internal/nmdc"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/queue"
	"github.com/rufuscoder/shakespeer/internal/search"
	"github.com/rufuscoder/shakespeer/internal/splog"
)

// broadcaster fans formatted control-bus lines out to every front-end
// currently attached to the unix socket, mirroring how sphashd's
// dispatcher holds the one conn it talks to.
type broadcaster struct {
	mu    sync.Mutex
	conns map[net.Conn]bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{conns: make(map[net.Conn]bool)}
}

func (b *broadcaster) attach(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = true
}

func (b *broadcaster) detach(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

func (b *broadcaster) send(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Write(controlbus.FrameLine(line))
	}
}

// hubManager owns the one piece of state registerControlHandlers needs
// that the engine arena itself doesn't: the live net.Conn backing each
// connected hubsession.Session, so inbound control commands can write
// to the wire and so hub-sourced notify events can be rendered out to
// the front-end.
type hubManager struct {
	mu    sync.Mutex
	eng   *engine.Engine
	out   *broadcaster
	nick  string
	conns map[engine.HubId]net.Conn

	search *search.Engine
}

func newHubManager(eng *engine.Engine, out *broadcaster, nick string) *hubManager {
	var se *search.Engine
	if eng.Share != nil {
		se = search.NewEngine(eng.Share, eng.Bloom)
	}
	return &hubManager{
		eng:    eng,
		out:    out,
		nick:   nick,
		conns:  make(map[engine.HubId]net.Conn),
		search: se,
	}
}

// connectHub dials address, logs in as nick (or the manager's default
// nick when empty), registers the resulting session with the engine
// arena, and starts the goroutine pumping wire lines through it.
func (m *hubManager) connectHub(address, nick string) error {
	if nick == "" {
		nick = m.nick
	}
	if _, ok := m.eng.HubByAddress(address); ok {
		return errors.Errorf("sphubd: already connected to %s", address)
	}
	conn, err := net.DialTimeout("tcp", address, 15*time.Second)
	if err != nil {
		return errors.Wrapf(err, "sphubd: dial %s", address)
	}

	hubBus := notify.New()
	session := hubsession.New(address, nick, legacyenc.Windows1252, hubBus)
	hub, err := m.eng.AddHub(address, session)
	if err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	m.conns[hub.ID] = conn
	m.mu.Unlock()

	m.wireSessionEvents(address, hubBus)
	go m.pump(hub.ID, address, conn, session)
	return nil
}

// pump reads wire lines off conn, feeds them to session, and writes
// back whatever OutLines it produces, until the connection closes or
// the session reaches a terminal state.
func (m *hubManager) pump(id engine.HubId, address string, conn net.Conn, session *hubsession.Session) {
	defer m.disconnect(id, address, "")
	lr := nmdc.NewLineReader(conn)
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return
		}
		out, feedErr := session.Feed([]byte(line), time.Now())
		writeOutLines(conn, session.Codec, out)
		if feedErr != nil {
			splog.Debugf(address, "hubsession: %v", feedErr)
			return
		}
	}
}

// writeOutLines sends every OutLine to conn, framed with the NMDC '|'
// terminator: Raw lines go out byte for byte, everything else is
// re-encoded through the session's legacy codec first.
func writeOutLines(conn net.Conn, codec legacyenc.Codec, lines []hubsession.OutLine) {
	for _, ol := range lines {
		if ol.Raw {
			conn.Write(nmdc.FrameLine(ol.Text))
			continue
		}
		payload := legacyenc.FromUTF8Escaped(ol.Text, codec)
		payload = append(payload, '|')
		conn.Write(payload)
	}
}

func (m *hubManager) disconnect(id engine.HubId, address, reason string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
	m.eng.RemoveHub(id)
	m.out.send(controlbus.HubDisconnected(address, reason))
}

// wireSessionEvents bridges one hub's notify.Bus to the control-bus
// broadcaster, translating the events hubsession.Session publishes
// into the fixed outbound command table (§4.K).
func (m *hubManager) wireSessionEvents(address string, bus *notify.Bus) {
	bus.Subscribe(notify.TopicUserLogin, func(e interface{}) {
		m.out.send(controlbus.UserLogin(address, e.(string)))
	})
	bus.Subscribe(notify.TopicUserLogout, func(e interface{}) {
		m.out.send(controlbus.UserLogout(address, e.(string)))
	})
	bus.Subscribe(notify.TopicUserUpdate, func(e interface{}) {
		m.out.send(controlbus.UserUpdate(address, e.(hubsession.User)))
	})
	bus.Subscribe(notify.TopicHubName, func(e interface{}) {
		m.out.send(controlbus.HubName(address, e.(string)))
	})
	bus.Subscribe(notify.TopicStatusMessage, func(e interface{}) {
		m.out.send(controlbus.StatusMessage(address, e.(string)))
	})
	bus.Subscribe(notify.TopicPublicMessage, func(e interface{}) {
		nick, text := parsePublicChatLine(e.(string))
		m.out.send(controlbus.PublicMessage(address, nick, text))
	})
	bus.Subscribe(notify.TopicPrivateMessage, func(e interface{}) {
		nick, text := parsePrivateChatLine(e.(string))
		m.out.send(controlbus.PrivateMessage(address, nick, text))
	})
	bus.Subscribe(notify.TopicNeedPassword, func(e interface{}) {
		m.out.send(controlbus.NeedPassword(address))
	})
	bus.Subscribe(notify.TopicHubRedirect, func(e interface{}) {
		m.out.send(controlbus.HubRedirect(address, e.(string)))
	})
	bus.Subscribe(notify.TopicSearchResponse, func(e interface{}) {
		m.out.send(controlbus.SearchResponse(address, e.(string)))
	})
	bus.Subscribe(notify.TopicSearchRequest, func(e interface{}) {
		m.answerSearchRequest(address, e.(hubsession.SearchRequestEvent))
	})
}

// answerSearchRequest runs an inbound $Search against our own share
// (internal/search's engine and bloom pre-filter) and, for every hit,
// writes a $SR back over the hub connection that carried the request.
func (m *hubManager) answerSearchRequest(address string, req hubsession.SearchRequestEvent) {
	if m.search == nil {
		return
	}
	restriction, err := search.ParseRestriction(req.Restriction)
	if err != nil {
		splog.Debugf(address, "search: %v", err)
		return
	}
	hub, ok := m.eng.HubByAddress(address)
	if !ok {
		return
	}
	m.mu.Lock()
	conn, ok := m.conns[hub.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	matches := m.search.Answer(restriction)
	searchReq := search.Request{From: req.From}
	for _, f := range matches {
		sr := search.FormatSR(hub.Session.MyNick, f, 1, 1, hub.Session.HubName, hub.Session.MyIP, m.eng.Port, searchReq)
		conn.Write(nmdc.FrameLine(sr))
	}
}

// writeLine encodes line through codec and writes it, '|'-terminated,
// to conn.
func writeLine(conn net.Conn, codec legacyenc.Codec, line string) error {
	payload := legacyenc.FromUTF8Escaped(line, codec)
	payload = append(payload, nmdc.Terminator)
	_, err := conn.Write(payload)
	return err
}

// sendChat writes a public chat line to the given hub.
func (m *hubManager) sendChat(address, text string) error {
	hub, conn, err := m.connFor(address)
	if err != nil {
		return err
	}
	line := "<" + hub.Session.MyNick + "> " + text
	return writeLine(conn, hub.Session.Codec, line)
}

// sendPrivate writes a private ($To:) message to the given hub, aimed
// at targetNick.
func (m *hubManager) sendPrivate(address, targetNick, text string) error {
	hub, conn, err := m.connFor(address)
	if err != nil {
		return err
	}
	line := "$To: " + targetNick + " From: " + hub.Session.MyNick + " $<" + hub.Session.MyNick + "> " + text
	return writeLine(conn, hub.Session.Codec, line)
}

// issueSearch issues a $Search on the given hub: passively (routed back
// through the hub by nick) unless the session has negotiated active mode.
func (m *hubManager) issueSearch(address, restriction string) error {
	hub, conn, err := m.connFor(address)
	if err != nil {
		return err
	}
	who := "Hub:" + hub.Session.MyNick
	if hub.Session.Active && hub.Session.MyHostPort != "" {
		who = hub.Session.MyHostPort
	}
	line := "$Search " + who + " " + restriction
	return writeLine(conn, hub.Session.Codec, line)
}

func (m *hubManager) connFor(address string) (*engine.Hub, net.Conn, error) {
	hub, ok := m.eng.HubByAddress(address)
	if !ok {
		return nil, nil, errors.Errorf("sphubd: no hub connected at %s", address)
	}
	m.mu.Lock()
	conn, ok := m.conns[hub.ID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, errors.Errorf("sphubd: no connection for hub %s", address)
	}
	return hub, conn, nil
}

// download enqueues a single file under nick for the transfer layer to
// pick up; it does not itself dial the peer.
func (m *hubManager) download(nick, sourcePath string, size int64, targetPath, tth string, priority queue.Priority) error {
	_, err := m.eng.Queue.AddFile(nick, sourcePath, size, targetPath, tth, priority, 0)
	return err
}

// parsePublicChatLine splits a bare "<nick> message" chat line.
func parsePublicChatLine(line string) (nick, text string) {
	if !strings.HasPrefix(line, "<") {
		return "", line
	}
	end := strings.Index(line, "> ")
	if end < 0 {
		return "", line
	}
	return line[1:end], line[end+2:]
}

// parsePrivateChatLine splits a "$To: target From: nick $<nick> message" line.
func parsePrivateChatLine(line string) (nick, text string) {
	idx := strings.Index(line, " $<")
	if idx < 0 {
		return "", line
	}
	rest := line[idx+3:]
	end := strings.Index(rest, "> ")
	if end < 0 {
		return "", rest
	}
	return rest[:end], rest[end+2:]
}

func parsePriority(s string) queue.Priority {
	n, err := strconv.Atoi(s)
	if err != nil {
		return queue.PriorityNormal
	}
	return queue.Priority(n)
}
