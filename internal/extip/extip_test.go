package extip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/notify"
)

func TestParseIPFindsDottedQuad(t *testing.T) {
	ip, err := ParseIP("foo<external-ip>192.0.34.166</external-ip>bar")
	require.NoError(t, err)
	assert.Equal(t, "192.0.34.166", ip)
}

func TestParseIPReturnsErrNoMatch(t *testing.T) {
	_, err := ParseIP("no ip address here")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestIsPrivateBoundaries(t *testing.T) {
	assert.True(t, IsPrivate("192.168.0.1"))
	assert.False(t, IsPrivate("192.167.0.1"))
	assert.False(t, IsPrivate("172.15.255.255"))
	assert.True(t, IsPrivate("172.16.0.0"))
	assert.True(t, IsPrivate("172.31.255.255"))
	assert.False(t, IsPrivate("172.32.0.0"))
	assert.True(t, IsPrivate("10.0.0.1"))
	assert.False(t, IsPrivate("8.8.8.8"))
}

func TestSameSubnetRequiresMatchingPrivateBlock(t *testing.T) {
	assert.True(t, SameSubnet("192.168.1.5", "192.168.1.9"))
	assert.False(t, SameSubnet("192.168.1.5", "10.0.0.1"))
	assert.False(t, SameSubnet("192.168.1.5", "8.8.8.8"))
}

func probeServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(t *testing.T, srv *httptest.Server) Host {
	t.Helper()
	return Host{Addr: strings.TrimPrefix(srv.URL, "http://"), URI: "/ip"}
}

func TestProbeReturnsIPFromFirstHost(t *testing.T) {
	srv := probeServer(t, "your ip is 1.2.3.4 today")
	p := New([]Host{hostOf(t, srv)}, nil)
	ip, err := p.Probe(context.Background(), time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip)
}

func TestProbeAdvancesToNextHostOnFailure(t *testing.T) {
	bad := probeServer(t, "no ip here")
	good := probeServer(t, "ip: 9.9.9.9")
	p := New([]Host{hostOf(t, bad), hostOf(t, good)}, nil)
	ip, err := p.Probe(context.Background(), time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", ip)
	assert.Equal(t, 1, p.current)
}

func TestProbeFailsAndSchedulesRetryWhenAllHostsFail(t *testing.T) {
	bad := probeServer(t, "nothing")
	p := New([]Host{hostOf(t, bad)}, nil)
	now := time.Now()
	_, err := p.Probe(context.Background(), now, "")
	assert.ErrorIs(t, err, ErrCycleExhausted)

	_, err = p.Probe(context.Background(), now.Add(time.Second), "")
	assert.ErrorIs(t, err, ErrCycleExhausted)
}

func TestProbeUsesCacheWithinTTL(t *testing.T) {
	srv := probeServer(t, "1.2.3.4")
	p := New([]Host{hostOf(t, srv)}, nil)
	now := time.Now()
	ip, err := p.Probe(context.Background(), now, "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip)

	srv.Close() // if a second HTTP round trip happened this would fail
	ip2, err := p.Probe(context.Background(), now.Add(time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip2)
}

func TestProbeExtendsCacheWhenExternalEqualsLocal(t *testing.T) {
	srv := probeServer(t, "10.0.0.5")
	p := New([]Host{hostOf(t, srv)}, nil)
	now := time.Now()
	ip, err := p.Probe(context.Background(), now, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)
	assert.Equal(t, cacheTTLSameAsLocal, p.cacheTTL)
}

func TestProbeStaticIPOverridesDetection(t *testing.T) {
	p := New(nil, nil)
	p.StaticIP = "5.5.5.5"
	ip, err := p.Probe(context.Background(), time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, "5.5.5.5", ip)
}

func TestProbePublishesExternalIPDetected(t *testing.T) {
	bus := notify.New()
	var got interface{}
	bus.Subscribe(notify.TopicExternalIPDetected, func(e interface{}) { got = e })
	srv := probeServer(t, "1.2.3.4")
	p := New([]Host{hostOf(t, srv)}, bus)
	_, err := p.Probe(context.Background(), time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", got)
}
