// Package extip implements the external-IP probe: a rotating list of
// HTTP hosts queried to discover the address peers see us at, with
// RFC 1918 short-circuiting and cache-TTL/backoff bookkeeping left to
// the caller's clock rather than a background goroutine.
package extip

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/notify"
)

// ErrNoMatch is returned when a probe host's response body carries no
// dotted-quad address.
var ErrNoMatch = errors.New("extip: no ip address in response")

// ErrCycleExhausted is returned by Probe when every host in the list
// has been tried and failed.
var ErrCycleExhausted = errors.New("extip: every probe host failed")

var dottedQuad = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)

// Host is one probe endpoint: a DNS name (or address) plus the URI to
// GET on it.
type Host struct {
	Addr string // "host:port", port defaults applied by caller
	URI  string
}

const (
	cacheTTLNormal   = 10 * time.Minute
	cacheTTLSameAsLocal = 24 * time.Hour
	retryAfterCycle  = 30 * time.Second
)

// Prober rotates through Hosts, remembering the last index tried so a
// repeated failure resumes where it left off rather than restarting
// from host zero.
type Prober struct {
	Hosts  []Host
	Client *http.Client

	StaticIP string // manual override; Probe short-circuits to this if set

	current     int
	cachedIP    string
	cachedAt    time.Time
	cacheTTL    time.Duration
	nextAttempt time.Time
	bus         *notify.Bus
}

// New returns a Prober over hosts, publishing external-ip-detected
// events on bus (bus may be nil).
func New(hosts []Host, bus *notify.Bus) *Prober {
	return &Prober{
		Hosts:    hosts,
		Client:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL: cacheTTLNormal,
		bus:      bus,
	}
}

// Cached returns the last detected IP and whether it is still within
// its TTL as of now.
func (p *Prober) Cached(now time.Time) (string, bool) {
	if p.StaticIP != "" {
		return p.StaticIP, true
	}
	if p.cachedIP == "" {
		return "", false
	}
	return p.cachedIP, now.Sub(p.cachedAt) < p.cacheTTL
}

// Probe runs the host cycle against localIP for the equal-to-local
// cache-extension rule, updating the cache and publishing
// external-ip-detected on success. Callers that already know they and
// a peer share a private subnet (via SameSubnet) should skip calling
// Probe at all rather than spend a round trip confirming it.
func (p *Prober) Probe(ctx context.Context, now time.Time, localIP string) (string, error) {
	if p.StaticIP != "" {
		return p.StaticIP, nil
	}
	if !p.nextAttempt.IsZero() && now.Before(p.nextAttempt) {
		return "", ErrCycleExhausted
	}
	if ip, fresh := p.Cached(now); fresh {
		return ip, nil
	}

	ip, err := p.cycle(ctx)
	if err != nil {
		p.nextAttempt = now.Add(retryAfterCycle)
		return "", err
	}
	p.nextAttempt = time.Time{}

	ttl := cacheTTLNormal
	if ip == localIP {
		ttl = cacheTTLSameAsLocal
	}
	p.cache(ip, now, ttl)
	return ip, nil
}

func (p *Prober) cache(ip string, now time.Time, ttl time.Duration) {
	p.cachedIP = ip
	p.cachedAt = now
	p.cacheTTL = ttl
	if p.bus != nil {
		p.bus.Publish(notify.TopicExternalIPDetected, ip)
	}
}

// cycle tries every host starting from the prober's remembered
// position, advancing on any failure, and fails only once the whole
// ring has been walked.
func (p *Prober) cycle(ctx context.Context) (string, error) {
	if len(p.Hosts) == 0 {
		return "", ErrCycleExhausted
	}
	for i := 0; i < len(p.Hosts); i++ {
		idx := (p.current + i) % len(p.Hosts)
		ip, err := p.probeOne(ctx, p.Hosts[idx])
		if err == nil {
			p.current = idx
			return ip, nil
		}
	}
	p.current = (p.current + 1) % len(p.Hosts)
	return "", ErrCycleExhausted
}

func (p *Prober) probeOne(ctx context.Context, h Host) (string, error) {
	var resolver net.Resolver
	host := h.Addr
	if hostOnly, _, err := net.SplitHostPort(h.Addr); err == nil {
		host = hostOnly
	}
	if _, err := resolver.LookupHost(ctx, host); err != nil {
		return "", errors.Wrapf(err, "extip: resolve %s", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+h.Addr+h.URI, nil)
	if err != nil {
		return "", err
	}
	req.Close = true
	req.Header.Set("Connection", "close")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "extip: GET %s%s", h.Addr, h.URI)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	return ParseIP(string(body))
}

// ParseIP returns the first dotted-quad substring in body.
func ParseIP(body string) (string, error) {
	m := dottedQuad.FindString(body)
	if m == "" {
		return "", ErrNoMatch
	}
	return m, nil
}

// IsPrivate reports whether ip falls in one of the RFC 1918 private
// ranges (10/8, 172.16/12, 192.168/16).
func IsPrivate(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	v4 := addr.To4()
	if v4 == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.net.Contains(v4) {
			return true
		}
	}
	return false
}

var privateBlocks = mustParseCIDRs([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
})

type cidrBlock struct{ net *net.IPNet }

func mustParseCIDRs(cidrs []string) []cidrBlock {
	out := make([]cidrBlock, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, cidrBlock{net: n})
	}
	return out
}

// SameSubnet reports whether a and b fall in the same RFC 1918 block,
// meaning a connection between them needs no external-IP probing or
// NAT assumption at all.
func SameSubnet(a, b string) bool {
	aAddr, bAddr := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if aAddr == nil || bAddr == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.net.Contains(aAddr) && block.net.Contains(bAddr) {
			return true
		}
	}
	return false
}
