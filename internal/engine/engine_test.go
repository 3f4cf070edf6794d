package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/hubsession"
	"github.com/rufuscoder/shakespeer/internal/legacyenc"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/peerconn"
)

func newTestEngine() *Engine {
	return New("/tmp/sp-test", notify.New(), nil, nil, nil, nil)
}

func TestAddHubRejectsDuplicateAddress(t *testing.T) {
	e := newTestEngine()
	session := hubsession.New("hub.example.com:411", "alice", legacyenc.UTF8, nil)
	_, err := e.AddHub("hub.example.com:411", session)
	require.NoError(t, err)
	_, err = e.AddHub("hub.example.com:411", session)
	assert.ErrorIs(t, err, ErrDuplicateHub)
}

func TestHubByAddressFindsRegisteredHub(t *testing.T) {
	e := newTestEngine()
	session := hubsession.New("hub.example.com:411", "alice", legacyenc.UTF8, nil)
	h, err := e.AddHub("hub.example.com:411", session)
	require.NoError(t, err)

	got, ok := e.HubByAddress("hub.example.com:411")
	require.True(t, ok)
	assert.Equal(t, h.ID, got.ID)

	got2, ok := e.Hub(h.ID)
	require.True(t, ok)
	assert.Equal(t, h.Address, got2.Address)
}

func TestRemoveHubDropsItsConnections(t *testing.T) {
	e := newTestEngine()
	session := hubsession.New("hub.example.com:411", "alice", legacyenc.UTF8, nil)
	h, err := e.AddHub("hub.example.com:411", session)
	require.NoError(t, err)

	conn := peerconn.New("alice", nil)
	c := e.AddConnection(h.ID, conn)

	e.RemoveHub(h.ID)
	_, ok := e.Hub(h.ID)
	assert.False(t, ok)
	_, ok = e.Connection(c.ID)
	assert.False(t, ok)
}

func TestConnectionArenaAddLookupRemove(t *testing.T) {
	e := newTestEngine()
	conn := peerconn.New("alice", nil)
	c := e.AddConnection("", conn)

	got, ok := e.Connection(c.ID)
	require.True(t, ok)
	assert.Same(t, conn, got.Conn)

	e.RemoveConnection(c.ID)
	_, ok = e.Connection(c.ID)
	assert.False(t, ok)
}

func TestReportFatalProducesServerDiedAndMarksShuttingDown(t *testing.T) {
	e := newTestEngine()
	line := e.Report("", New(KindFatal, assertErr("hasher process lost")))
	assert.Equal(t, "server-died Fatal:$hasher$process$lost", line)
	assert.True(t, e.ShuttingDown())
}

func TestReportNonFatalProducesStatusMessage(t *testing.T) {
	e := newTestEngine()
	line := e.Report("hub.example.com:411", New(KindNetworkIO, assertErr("connection reset")))
	assert.Equal(t, "status-message hub.example.com:411 NetworkIO:$connection$reset", line)
	assert.False(t, e.ShuttingDown())
}

func TestErrorKindStringNames(t *testing.T) {
	assert.Equal(t, "SlotDenied", KindSlotDenied.String())
	assert.Equal(t, "Fatal", KindFatal.String())
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(s string) error { return simpleErr(s) }
