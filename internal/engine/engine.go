// Package engine holds the process-wide mutable state that the
// original implementation kept as a handful of global singletons
// (global_share, global_tth_store, global_working_directory,
// global_port, the hub list): one explicit Engine context, so tests
// can instantiate several engines in the same process.
//
// Cyclic relationships the source expressed with raw pointers and
// intrusive list links (hub<->user<->connection) are expressed here as
// arena storage keyed by stable, UUID-backed IDs; a back-reference is
// an ID lookup against the owning arena, never a pointer.
package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/bloom"
	"github.com/rufuscoder/shakespeer/internal/controlbus"
	"github.com/rufuscoder/shakespeer/internal/extip"
	"github.com/rufuscoder/shakespeer/internal/hubsession"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/peerconn"
	"github.com/rufuscoder/shakespeer/internal/queue"
	"github.com/rufuscoder/shakespeer/internal/share"
	"github.com/rufuscoder/shakespeer/internal/transferstats"
	"github.com/rufuscoder/shakespeer/internal/tthstore"
)

// ErrorKind classifies an EngineError for the propagation policy.
type ErrorKind int

const (
	KindNetworkIO ErrorKind = iota
	KindProtocolParse
	KindEncodingLossy
	KindHandshakeTimeout
	KindAuthBadPass
	KindHubClosed
	KindHubRedirected
	KindFileNotAvailable
	KindSlotDenied
	KindHashMismatch
	KindTTHStoreIO
	KindTTHCorrupt
	KindQueueConstraint
	KindDnsFailure
	KindIPDetectFailure
	KindCodecFailure
	KindFatal
)

var kindNames = [...]string{
	"NetworkIO", "ProtocolParse", "EncodingLossy", "HandshakeTimeout",
	"AuthBadPass", "HubClosed", "HubRedirected", "FileNotAvailable",
	"SlotDenied", "HashMismatch", "TTHStoreIO", "TTHCorrupt",
	"QueueConstraint", "DnsFailure", "IPDetectFailure", "CodecFailure", "Fatal",
}

func (k ErrorKind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// EngineError pairs a propagation-policy Kind with the underlying error.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

// New wraps err under kind.
func New(kind ErrorKind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsFatal reports whether this error's kind requires the engine to
// emit server-died and exit rather than recover locally.
func (e *EngineError) IsFatal() bool { return e.Kind == KindFatal }

// HubId, UserId, ConnectionId and TargetId are arena keys. They are
// opaque outside this package beyond equality and string conversion.
type (
	HubId        string
	UserId       string
	ConnectionId string
	TargetId     string
)

func newHubId() HubId               { return HubId(uuid.New().String()) }
func newConnectionId() ConnectionId { return ConnectionId(uuid.New().String()) }

// Hub is one arena-owned hub connection: the engine owns Hubs, a Hub
// owns its Session's user table.
type Hub struct {
	ID      HubId
	Address string
	Session *hubsession.Session
}

// Connection is one arena-owned peer connection.
type Connection struct {
	ID    ConnectionId
	HubID HubId // empty if not associated with a particular hub
	Conn  *peerconn.Conn
}

// Engine is the explicit replacement for the source's global
// singletons: every hub, every peer connection, the share index, the
// TTH store, the download queue, the bloom filter and the external-IP
// prober are reached through this context, never a package-level var.
type Engine struct {
	mu sync.Mutex

	WorkingDirectory string
	Port             int

	Share    *share.Index
	TTHStore *tthstore.Store
	Bloom    *bloom.Filter
	Queue    *queue.Queue
	ExtIP    *extip.Prober
	Bus      *notify.Bus
	Control  *controlbus.Bus

	hubs          map[HubId]*Hub
	hubsByAddress map[string]HubId
	connections   map[ConnectionId]*Connection

	shuttingDown bool
}

// New returns an Engine over already-constructed leaf components.
// Any of store/flt/q/prober may be nil for tests that only exercise
// the hub/connection arena.
func New(workingDirectory string, bus *notify.Bus, store *tthstore.Store, flt *bloom.Filter, q *queue.Queue, prober *extip.Prober) *Engine {
	var idx *share.Index
	if store != nil && flt != nil {
		idx = share.NewIndex(store, flt, bus)
	}
	return &Engine{
		WorkingDirectory: workingDirectory,
		Share:            idx,
		TTHStore:         store,
		Bloom:            flt,
		Queue:            q,
		ExtIP:            prober,
		Bus:              bus,
		Control:          controlbus.New(),
		hubs:             make(map[HubId]*Hub),
		hubsByAddress:    make(map[string]HubId),
		connections:      make(map[ConnectionId]*Connection),
	}
}

// ErrDuplicateHub is returned by AddHub for an address already connected.
var ErrDuplicateHub = errors.New("engine: hub address already connected")

// AddHub registers a new hub session under a freshly minted HubId.
func (e *Engine) AddHub(address string, session *hubsession.Session) (*Hub, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.hubsByAddress[address]; exists {
		return nil, ErrDuplicateHub
	}
	h := &Hub{ID: newHubId(), Address: address, Session: session}
	e.hubs[h.ID] = h
	e.hubsByAddress[address] = h.ID
	return h, nil
}

// Hub looks up a hub by ID.
func (e *Engine) Hub(id HubId) (*Hub, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hubs[id]
	return h, ok
}

// HubByAddress looks up a hub by its dialed address.
func (e *Engine) HubByAddress(address string) (*Hub, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.hubsByAddress[address]
	if !ok {
		return nil, false
	}
	return e.hubs[id], true
}

// RemoveHub drops a hub and every connection still associated with it.
func (e *Engine) RemoveHub(id HubId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hubs[id]
	if !ok {
		return
	}
	delete(e.hubsByAddress, h.Address)
	delete(e.hubs, id)
	for cid, c := range e.connections {
		if c.HubID == id {
			delete(e.connections, cid)
		}
	}
}

// Hubs returns a snapshot of every registered hub.
func (e *Engine) Hubs() []*Hub {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Hub, 0, len(e.hubs))
	for _, h := range e.hubs {
		out = append(out, h)
	}
	return out
}

// AddConnection registers a peer connection, optionally associated
// with a hub (empty HubId for a connection outside any hub's scope).
func (e *Engine) AddConnection(hubID HubId, conn *peerconn.Conn) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &Connection{ID: newConnectionId(), HubID: hubID, Conn: conn}
	e.connections[c.ID] = c
	return c
}

// Connection looks up a peer connection by ID.
func (e *Engine) Connection(id ConnectionId) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.connections[id]
	return c, ok
}

// RemoveConnection drops a peer connection from the arena.
func (e *Engine) RemoveConnection(id ConnectionId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connections, id)
}

// Connections returns a snapshot of every registered peer connection.
func (e *Engine) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		out = append(out, c)
	}
	return out
}

// ShuttingDown reports whether a Fatal error has already been reported.
func (e *Engine) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// Report translates an EngineError into the control-bus line the
// propagation policy calls for: Fatal becomes server-died and marks
// the engine for exit; everything else becomes a status-message
// against the hub it happened on. Kind-specific recovery (closing a
// peer on SlotDenied, redirecting on HubRedirected, asking for a
// password on AuthBadPass) happens in the owning state machine
// (hubsession, peerconn) at the point the error occurs, not here.
func (e *Engine) Report(hubAddress string, eerr *EngineError) string {
	if eerr.IsFatal() {
		e.mu.Lock()
		e.shuttingDown = true
		e.mu.Unlock()
		return controlbus.ServerDied(eerr.Error())
	}
	return controlbus.StatusMessage(hubAddress, eerr.Error())
}
