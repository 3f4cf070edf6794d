// Package peerconn implements the peer-to-peer connection state
// machine: the MyNick/Lock/Direction/Key handshake, slot accounting
// for incoming upload requests, and the small command set a
// transfer uses once the handshake completes. A Conn is driven
// synchronously by feeding it inbound lines; it never owns a
// goroutine or a socket itself.
package peerconn

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/nmdc"
	"github.com/rufuscoder/shakespeer/internal/splog"
)

// State is one step of the handshake/transfer FSM.
type State int

const (
	StateInit State = iota
	StateMyNick
	StateLock
	StateDirection
	StateKey
	StateReady
	StateRequest
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateMyNick:
		return "MyNick"
	case StateLock:
		return "Lock"
	case StateDirection:
		return "Direction"
	case StateKey:
		return "Key"
	case StateReady:
		return "Ready"
	case StateRequest:
		return "Request"
	case StateBusy:
		return "Busy"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Direction is which side of the connection uploads.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionUpload
	DirectionDownload
)

// Feature is an extended-protocol capability advertised via $Supports.
type Feature string

const (
	FeatureMiniSlots Feature = "MiniSlots"
	FeatureXmlBZList Feature = "XmlBZList"
	FeatureADCGet    Feature = "ADCGet"
	FeatureTTHL      Feature = "TTHL"
	FeatureTTHF      Feature = "TTHF"
)

// SlotKind names which slot category was granted to an upload request.
type SlotKind int

const (
	SlotNone SlotKind = iota
	SlotNormal
	SlotMini
	SlotExtra
	SlotFree
)

// SlotPolicy is consulted before honoring a peer's upload request.
// The hub session implements this; peerconn only calls it.
type SlotPolicy interface {
	RequestSlot(nick string, fileSize int64, peerWantsMiniSlot bool) (SlotKind, bool)
	ReleaseSlot(nick string, kind SlotKind)
}

// ErrHandshakeTimeout is returned by CheckTimeout once the handshake
// deadline has passed without a $Key.
var ErrHandshakeTimeout = errors.New("peerconn: handshake timed out")

// ErrChallengeTie is returned when both sides' $Direction challenges
// are equal: neither side can legitimately win the upload direction.
var ErrChallengeTie = errors.New("peerconn: direction challenge tie")

// Request describes a parsed upload request awaiting a slot decision.
type Request struct {
	Kind   RequestKind
	Path   string
	Offset int64
	Length int64
	TTH    string
}

// RequestKind names which upload command produced a Request.
type RequestKind int

const (
	RequestGet RequestKind = iota
	RequestUGetBlock
	RequestADCGetFile
	RequestADCGetTTHL
	RequestGetListLen
)

// Conn is one peer connection's handshake and transfer state.
type Conn struct {
	State State

	MyNick     string
	PeerNick   string
	myLock     string
	peerLock   string
	Extended   bool
	mySupports map[Feature]bool
	peerSupports map[Feature]bool

	myChallenge   uint32
	peerChallenge uint32
	Direction     Direction

	policy       SlotPolicy
	grantedSlot  SlotKind
	pendingReq   *Request

	deadline time.Time
}

// New returns a Conn for myNick, ready to start the handshake with
// Start. If policy is nil, upload requests are always denied.
func New(myNick string, policy SlotPolicy) *Conn {
	return &Conn{
		State:        StateInit,
		MyNick:       myNick,
		mySupports:   map[Feature]bool{FeatureMiniSlots: true, FeatureXmlBZList: true, FeatureADCGet: true, FeatureTTHL: true, FeatureTTHF: true},
		peerSupports: map[Feature]bool{},
		policy:       policy,
	}
}

// Start begins the handshake: a monotonic deadline is armed and the
// outbound $MyNick/$Lock lines are returned for the caller to send.
func (c *Conn) Start(now time.Time, timeout time.Duration) []string {
	c.deadline = now.Add(timeout)
	c.myLock = randomLock()
	c.State = StateMyNick
	return []string{
		fmt.Sprintf("$MyNick %s", c.MyNick),
		fmt.Sprintf("$Lock %s Pk=shakespeer", c.myLock),
	}
}

// CheckTimeout returns ErrHandshakeTimeout if now is past the
// handshake deadline and the peer's $Key has not been received
// (the connection is in a state before Ready).
func (c *Conn) CheckTimeout(now time.Time) error {
	if c.State >= StateReady || c.State == StateClosed {
		return nil
	}
	if !c.deadline.IsZero() && now.After(c.deadline) {
		c.State = StateClosed
		return ErrHandshakeTimeout
	}
	return nil
}

// Feed processes one inbound line and returns any outbound lines to
// send in response.
func (c *Conn) Feed(line string, now time.Time) ([]string, error) {
	name, rest := nmdc.CommandName(line)
	switch name {
	case "$MyNick":
		return c.handleMyNick(rest)
	case "$Lock":
		return c.handleLock(rest)
	case "$Supports":
		return c.handleSupports(rest)
	case "$Direction":
		return c.handleDirection(rest)
	case "$Key":
		return c.handleKey(rest)
	case "$Get":
		return c.handleGet(rest)
	case "$UGetBlock":
		return c.handleUGetBlock(rest)
	case "$ADCGET":
		return c.handleADCGet(rest)
	case "$GetListLen":
		return c.handleGetListLen()
	case "$FileLength", "$Sending", "$ADCSND":
		// Download-path replies are consumed by the engine's transfer
		// reader, not by the FSM itself; nothing to do here.
		return nil, nil
	case "$MaxedOut":
		c.State = StateClosed
		return nil, errors.New("peerconn: peer is maxed out")
	default:
		splog.Debugf(c.PeerNick, "peerconn: unhandled command %q", name)
		return nil, nil
	}
}

func (c *Conn) handleMyNick(rest string) ([]string, error) {
	c.PeerNick = strings.TrimSpace(rest)
	if c.State == StateInit {
		c.State = StateMyNick
	}
	return nil, nil
}

func (c *Conn) handleLock(rest string) ([]string, error) {
	fields := strings.SplitN(rest, " ", 2)
	c.peerLock = fields[0]
	if nmdc.IsExtendedLock(c.peerLock) {
		c.Extended = true
	}
	c.State = StateLock
	var out []string
	if c.Extended {
		names := make([]string, 0, len(c.mySupports))
		for f := range c.mySupports {
			names = append(names, string(f))
		}
		out = append(out, "$Supports "+strings.Join(names, " "))
	}
	c.myChallenge = rand.Uint32()
	c.State = StateDirection
	out = append(out, fmt.Sprintf("$Direction Download %d", c.myChallenge))
	return out, nil
}

func (c *Conn) handleSupports(rest string) ([]string, error) {
	for _, f := range strings.Fields(rest) {
		c.peerSupports[Feature(f)] = true
	}
	return nil, nil
}

func (c *Conn) handleDirection(rest string) ([]string, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return nil, errors.Errorf("peerconn: malformed $Direction %q", rest)
	}
	challenge, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "peerconn: bad $Direction challenge %q", rest)
	}
	c.peerChallenge = uint32(challenge)

	switch {
	case c.peerChallenge == c.myChallenge:
		c.State = StateClosed
		return nil, ErrChallengeTie
	case c.peerChallenge > c.myChallenge:
		// Peer wins the download direction regardless of what it
		// announced; the higher challenge always becomes downloader.
		c.Direction = DirectionUpload
	default:
		c.Direction = DirectionDownload
	}
	c.State = StateKey
	key := nmdc.Lock2Key(c.peerLock)
	return []string{"$Key " + key}, nil
}

func (c *Conn) handleKey(rest string) ([]string, error) {
	c.State = StateReady
	return nil, nil
}

func (c *Conn) handleGet(rest string) ([]string, error) {
	if c.Direction != DirectionUpload {
		return nil, errors.New("peerconn: $Get received on non-upload side")
	}
	idx := strings.LastIndexByte(rest, '$')
	if idx < 0 {
		return nil, errors.Errorf("peerconn: malformed $Get %q", rest)
	}
	offset, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "peerconn: bad $Get offset %q", rest)
	}
	c.pendingReq = &Request{Kind: RequestGet, Path: rest[:idx], Offset: offset - 1}
	c.State = StateRequest
	return nil, nil
}

func (c *Conn) handleUGetBlock(rest string) ([]string, error) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) != 3 {
		return nil, errors.Errorf("peerconn: malformed $UGetBlock %q", rest)
	}
	offset, err1 := strconv.ParseInt(fields[0], 10, 64)
	length, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.Errorf("peerconn: bad $UGetBlock numbers %q", rest)
	}
	c.pendingReq = &Request{Kind: RequestUGetBlock, Path: fields[2], Offset: offset, Length: length}
	c.State = StateRequest
	return nil, nil
}

func (c *Conn) handleADCGet(rest string) ([]string, error) {
	fields := strings.Fields(rest)
	if len(fields) < 4 {
		return nil, errors.Errorf("peerconn: malformed $ADCGET %q", rest)
	}
	kindWord, path := fields[0], fields[1]
	offset, err1 := strconv.ParseInt(fields[2], 10, 64)
	length, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.Errorf("peerconn: bad $ADCGET numbers %q", rest)
	}
	if kindWord == "tthl" {
		tth := strings.TrimPrefix(path, "TTH/")
		c.pendingReq = &Request{Kind: RequestADCGetTTHL, TTH: tth}
	} else {
		c.pendingReq = &Request{Kind: RequestADCGetFile, Path: path, Offset: offset, Length: length}
	}
	c.State = StateRequest
	return nil, nil
}

func (c *Conn) handleGetListLen() ([]string, error) {
	c.pendingReq = &Request{Kind: RequestGetListLen}
	c.State = StateRequest
	return nil, nil
}

// PendingRequest returns the most recently parsed upload request, if
// the FSM is sitting in StateRequest.
func (c *Conn) PendingRequest() (*Request, bool) {
	if c.State != StateRequest || c.pendingReq == nil {
		return nil, false
	}
	return c.pendingReq, true
}

// Grant asks the slot policy for a slot covering the pending request
// and returns the reply line(s) to send: the success header for the
// request kind, or "$MaxedOut" on denial, after which the connection
// must be closed.
func (c *Conn) Grant(fileSize int64) ([]string, error) {
	req, ok := c.PendingRequest()
	if !ok {
		return nil, errors.New("peerconn: no pending request to grant a slot for")
	}
	if req.Kind == RequestADCGetTTHL || req.Kind == RequestGetListLen {
		c.State = StateReady
		c.pendingReq = nil
		return c.replyFor(req, fileSize), nil
	}
	if c.policy == nil {
		c.State = StateClosed
		return []string{"$MaxedOut"}, nil
	}
	wantsMini := c.peerSupports[FeatureMiniSlots] && fileSize <= 64*1024
	kind, ok := c.policy.RequestSlot(c.PeerNick, fileSize, wantsMini)
	if !ok {
		c.State = StateClosed
		return []string{"$MaxedOut"}, nil
	}
	c.grantedSlot = kind
	c.State = StateBusy
	return c.replyFor(req, fileSize), nil
}

func (c *Conn) replyFor(req *Request, fileSize int64) []string {
	switch req.Kind {
	case RequestGet:
		return []string{fmt.Sprintf("$FileLength %d", fileSize)}
	case RequestUGetBlock:
		return []string{fmt.Sprintf("$Sending %d", req.Length)}
	case RequestADCGetFile:
		return []string{fmt.Sprintf("$ADCSND file %s %d %d", req.Path, req.Offset, req.Length)}
	case RequestADCGetTTHL:
		return []string{"$ADCSND tthl"}
	case RequestGetListLen:
		return []string{"$ListLen 42"}
	default:
		return nil
	}
}

// FinishTransfer releases any slot held for the current request and
// returns the connection to Ready for the next command.
func (c *Conn) FinishTransfer() {
	if c.grantedSlot != SlotNone && c.policy != nil {
		c.policy.ReleaseSlot(c.PeerNick, c.grantedSlot)
	}
	c.grantedSlot = SlotNone
	c.pendingReq = nil
	c.State = StateReady
}

// ResolveDoubleConnection decides which of two connections for the
// same nick survives, per the handshake's double-connection rule: if
// both would upload, the newer one loses; if both would download, the
// higher challenge wins the download (and the other flips to upload).
func ResolveDoubleConnection(existing, incoming *Conn) (keepIncoming bool) {
	if existing.Direction == DirectionUpload && incoming.Direction == DirectionUpload {
		return false
	}
	if existing.Direction == DirectionDownload && incoming.Direction == DirectionDownload {
		return incoming.myChallenge > existing.myChallenge
	}
	return true
}

func randomLock() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 24)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return "EXTENDEDPROTOCOL_" + string(b)
}
