// Package hubsession implements the hub connection state machine:
// Connecting -> Lock -> Nick -> {Hello | GetPass -> Pass} -> LoggedIn,
// the full inbound command dispatch table, the user list it
// maintains from $MyINFO/$OpList/$Quit, and the idle/ping timer. The
// legacy-encoding boundary lives here: Feed takes raw bytes off the
// wire and decodes them; OutLine results carry whether they must be
// sent as-is or re-encoded before going out.
package hubsession

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/legacyenc"
	"github.com/rufuscoder/shakespeer/internal/nmdc"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/splog"
)

// State is one step of the login FSM.
type State int

const (
	StateConnecting State = iota
	StateLock
	StateNick
	StateGetPass
	StateLoggedIn
	StateClosed
)

// TerminalError names a hub-initiated close with a specific, known cause.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return "hubsession: " + e.Reason }

var (
	ErrForceMove      = &TerminalError{Reason: "ForceMove"}
	ErrValidateDenied = &TerminalError{Reason: "ValidateDenide"}
	ErrBadPassword    = &TerminalError{Reason: "BadPass"}
	ErrHubTimeout     = &TerminalError{Reason: "HubTimeout"}
)

// User is one hub member as known from $MyINFO/$OpList/$UserIP.
type User struct {
	Nick        string
	Description string
	Tag         string
	Speed       string
	Email       string
	ShareSize   int64
	Operator    bool
	Passive     bool // derived from the M:P tag field
	IP          string
}

// parseTag pulls the "<...>" tag out of a $MyINFO description and
// reports whether it carries "M:P" (passive mode), e.g.
// "<++ V:0.668,M:P,H:1/0/0,S:2>".
func parseTag(desc string) (tag string, passive bool) {
	start := strings.IndexByte(desc, '<')
	end := strings.LastIndexByte(desc, '>')
	if start < 0 || end <= start {
		return "", false
	}
	tag = desc[start : end+1]
	passive = strings.Contains(tag, "M:P")
	return tag, passive
}

// UserCommand is one entry of the hub's $UserCommand menu.
type UserCommand struct {
	Kind    int
	Context int
	Title   string
	Command string
}

// OutLine is one outbound line and whether it must be sent verbatim
// (true: $Key, $Lock, and other binary-sensitive payloads) or passed
// through the session's legacy encoder first.
type OutLine struct {
	Text string
	Raw  bool
}

func raw(s string) OutLine     { return OutLine{Text: s, Raw: true} }
func encoded(s string) OutLine { return OutLine{Text: s} }

// Session is one hub connection's login state, user list, and
// feature flags, driven synchronously by Feed.
type Session struct {
	State State

	HubAddress  string
	MyNick      string
	password    string
	Codec       legacyenc.Codec
	HubName     string
	MyHostPort  string
	Active      bool
	RedirectFollow bool

	// AllowHubOverride decides who wins when both a hub-reported
	// $UserIP/$UserIP2 and a statically configured external IP are
	// present: the hub wins unless this is explicitly set false. See
	// DESIGN.md's Open Question decisions.
	AllowHubOverride bool
	// StaticIP is the user-configured override candidate; empty means
	// none was configured.
	StaticIP string
	// MyIP is the advertised IP actually in effect after the policy
	// above is applied.
	MyIP string

	users map[string]*User

	supportsNoGetINFO bool
	supportsNoHello   bool
	supportsUserIP    bool
	supportsUserIP2   bool
	amOperator        bool

	defaultUserCommands  []UserCommand
	receivedUserCommands []UserCommand

	IdleTimeout  time.Duration
	lastInbound  time.Time

	bus *notify.Bus

	revConnectBounced map[string]bool
}

// New returns a Session ready to connect to a hub at address as nick,
// publishing login-relevant events on bus.
func New(address, nick string, codec legacyenc.Codec, bus *notify.Bus) *Session {
	return &Session{
		State:             StateConnecting,
		HubAddress:        address,
		MyNick:            nick,
		Codec:             codec,
		AllowHubOverride:  true,
		IdleTimeout:       60 * time.Second,
		users:             make(map[string]*User),
		bus:               bus,
		revConnectBounced: make(map[string]bool),
	}
}

// SetDefaultUserCommands seeds the menu "clear" restores.
func (s *Session) SetDefaultUserCommands(cmds []UserCommand) {
	s.defaultUserCommands = cmds
}

// SetPassword records the hub password to send on $GetPass.
func (s *Session) SetPassword(password string) {
	s.password = password
}

// Users returns a snapshot of every known hub member.
func (s *Session) Users() map[string]User {
	out := make(map[string]User, len(s.users))
	for k, v := range s.users {
		out[k] = *v
	}
	return out
}

// Feed decodes one raw inbound frame from the hub's legacy encoding
// and dispatches it, returning any outbound lines to send.
func (s *Session) Feed(rawLine []byte, now time.Time) ([]OutLine, error) {
	s.lastInbound = now
	line := legacyenc.ToUTF8Lossy(rawLine, s.Codec)
	name, rest := nmdc.CommandName(line)
	switch name {
	case "$Lock":
		return s.handleLock(rest)
	case "$Hello":
		return s.handleHello(rest)
	case "$MyINFO":
		return s.handleMyINFO(rest), nil
	case "$OpList":
		return s.handleOpList(rest), nil
	case "$NickList":
		return s.handleNickList(rest), nil
	case "$HubName":
		s.HubName = rest
		s.publish(notify.TopicHubName, rest)
		return nil, nil
	case "$ForceMove":
		return s.handleForceMove(rest)
	case "$ConnectToMe":
		return s.handleConnectToMe(rest)
	case "$RevConnectToMe":
		return s.handleRevConnectToMe(rest)
	case "$Search":
		return s.handleSearch(rest)
	case "$SR":
		s.publish(notify.TopicSearchResponse, rest)
		return nil, nil
	case "$To:":
		return s.handlePrivateMessage(line)
	case "$GetPass":
		return s.handleGetPass()
	case "$ValidateDenide":
		s.State = StateClosed
		return nil, ErrValidateDenied
	case "$BadPass":
		s.State = StateClosed
		return nil, ErrBadPassword
	case "$UserCommand":
		s.handleUserCommand(rest)
		return nil, nil
	case "$Supports":
		s.handleSupports(rest)
		return nil, nil
	case "$UserIP", "$UserIP2":
		return s.handleUserIP(rest), nil
	case "$Quit":
		s.handleQuit(rest)
		return nil, nil
	default:
		if strings.HasPrefix(line, "<") {
			return s.handlePublicMessage(line)
		}
		splog.Debugf(s.HubAddress, "hubsession: unhandled command %q", name)
		return nil, nil
	}
}

func (s *Session) publish(topic notify.Topic, event interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

func (s *Session) handleLock(rest string) ([]OutLine, error) {
	lock := strings.SplitN(rest, " ", 2)[0]
	s.State = StateLock
	out := []OutLine{raw("$Key " + nmdc.Lock2Key(lock))}
	if nmdc.IsExtendedLock(lock) {
		out = append(out, encoded("$Supports UserCommand NoGetINFO NoHello UserIP2 TTHSearch"))
	}
	s.State = StateNick
	out = append(out, encoded("$ValidateNick "+s.MyNick))
	return out, nil
}

func (s *Session) handleHello(rest string) ([]OutLine, error) {
	nick := strings.TrimSpace(rest)
	if nick != s.MyNick {
		return nil, nil
	}
	s.State = StateLoggedIn
	s.publish(notify.TopicUserLogin, nick)
	return []OutLine{
		encoded("$Version 1,0091"),
		encoded("$GetNickList"),
		encoded(s.myInfoLine()),
	}, nil
}

func (s *Session) myInfoLine() string {
	return fmt.Sprintf("$MyINFO $ALL %s <shakespeer>$ $0.005$$0$", s.MyNick)
}

// handleMyINFO parses "$ALL <nick> <desc>$ <flag>$<speed>$<email>$<size>$",
// where rest still carries its leading "$ALL" (CommandName only split
// off the leading "$MyINFO" token on its first space).
func (s *Session) handleMyINFO(rest string) []OutLine {
	fields := nmdc.SplitFields(rest)
	// fields[0] == "" (text before the leading '$'), fields[1] == "ALL <nick> <desc>"
	if len(fields) < 2 {
		return nil
	}
	head := strings.SplitN(fields[1], " ", 2)
	if len(head) < 2 {
		return nil
	}
	nickDesc := strings.SplitN(head[1], " ", 2)
	nick := nickDesc[0]
	desc := ""
	if len(nickDesc) == 2 {
		desc = nickDesc[1]
	}
	speed, email, size := "", "", int64(0)
	if len(fields) > 3 {
		speed = fields[3]
	}
	if len(fields) > 4 {
		email = fields[4]
	}
	if len(fields) > 5 {
		size, _ = strconv.ParseInt(fields[5], 10, 64)
	}
	u, ok := s.users[nick]
	if !ok {
		u = &User{Nick: nick}
		s.users[nick] = u
	}
	tag, passive := parseTag(desc)
	u.Description = desc
	u.Tag = tag
	u.Passive = passive
	u.Speed = speed
	u.Email = email
	u.ShareSize = size
	s.publish(notify.TopicUserUpdate, *u)
	return nil
}

func (s *Session) handleOpList(rest string) []OutLine {
	for _, nick := range strings.Split(strings.TrimSuffix(rest, "$$"), "$$") {
		if nick == "" {
			continue
		}
		u, ok := s.users[nick]
		if !ok {
			u = &User{Nick: nick}
			s.users[nick] = u
		}
		u.Operator = true
		if nick == s.MyNick {
			s.amOperator = true
		}
	}
	return nil
}

func (s *Session) handleNickList(rest string) []OutLine {
	if s.supportsNoGetINFO {
		return nil
	}
	var out []OutLine
	for _, nick := range strings.Split(strings.TrimSuffix(rest, "$$"), "$$") {
		if nick == "" {
			continue
		}
		out = append(out, encoded(fmt.Sprintf("$GetINFO %s %s", nick, s.MyNick)))
	}
	return out
}

func (s *Session) handleForceMove(rest string) ([]OutLine, error) {
	if !s.RedirectFollow {
		s.State = StateClosed
		return nil, ErrForceMove
	}
	s.publish(notify.TopicHubRedirect, rest)
	s.State = StateClosed
	return nil, nil
}

func (s *Session) handleConnectToMe(rest string) ([]OutLine, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return nil, errors.Errorf("hubsession: malformed $ConnectToMe %q", rest)
	}
	s.publish(notify.TopicConnectToMe, fields[1])
	return nil, nil
}

func (s *Session) handleRevConnectToMe(rest string) ([]OutLine, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return nil, errors.Errorf("hubsession: malformed $RevConnectToMe %q", rest)
	}
	peer := fields[0]
	if s.Active {
		return []OutLine{encoded(fmt.Sprintf("$ConnectToMe %s %s", peer, s.MyHostPort))}, nil
	}
	if s.revConnectBounced[peer] {
		return nil, nil
	}
	s.revConnectBounced[peer] = true
	return []OutLine{encoded(fmt.Sprintf("$RevConnectToMe %s %s", s.MyNick, peer))}, nil
}

func (s *Session) handleSearch(rest string) ([]OutLine, error) {
	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return nil, errors.Errorf("hubsession: malformed $Search %q", rest)
	}
	s.publish(notify.TopicSearchRequest, SearchRequestEvent{From: fields[0], Restriction: fields[1]})
	return nil, nil
}

// SearchRequestEvent is published on notify.TopicSearchRequest for the
// search engine to parse and answer.
type SearchRequestEvent struct {
	From        string
	Restriction string
}

func (s *Session) handlePrivateMessage(line string) ([]OutLine, error) {
	s.publish(notify.TopicPrivateMessage, line)
	return nil, nil
}

func (s *Session) handlePublicMessage(line string) ([]OutLine, error) {
	s.publish(notify.TopicPublicMessage, line)
	return nil, nil
}

func (s *Session) handleGetPass() ([]OutLine, error) {
	s.State = StateGetPass
	if s.password == "" {
		s.publish(notify.TopicNeedPassword, s.HubAddress)
		return nil, nil
	}
	s.State = StateLoggedIn
	return []OutLine{encoded("$MyPass " + s.password)}, nil
}

func (s *Session) handleUserCommand(rest string) {
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 2 {
		return
	}
	kind, _ := strconv.Atoi(fields[0])
	ctx, _ := strconv.Atoi(fields[1])
	if kind == 255 { // Clear
		s.receivedUserCommands = append([]UserCommand(nil), s.defaultUserCommands...)
		return
	}
	title, cmd := "", ""
	if len(fields) == 3 {
		parts := strings.SplitN(fields[2], "$", 2)
		title = parts[0]
		if len(parts) == 2 {
			cmd = parts[1]
		}
	}
	s.receivedUserCommands = append(s.receivedUserCommands, UserCommand{Kind: kind, Context: ctx, Title: title, Command: cmd})
}

// UserCommands returns the received menu. The defaults are not merged
// in; they replace the received entries only when a "clear" arrives.
func (s *Session) UserCommands() []UserCommand {
	return append([]UserCommand(nil), s.receivedUserCommands...)
}

func (s *Session) handleSupports(rest string) {
	for _, f := range strings.Fields(rest) {
		switch f {
		case "NoGetINFO":
			s.supportsNoGetINFO = true
		case "NoHello":
			s.supportsNoHello = true
		case "UserIP":
			s.supportsUserIP = true
		case "UserIP2":
			s.supportsUserIP2 = true
		}
	}
}

// handleUserIP applies $UserIP/$UserIP2's hub-reported address for
// our own nick per the policy spec.md §9 documents: the hub's report
// wins over a statically configured StaticIP unless AllowHubOverride
// is false, in which case the static override is retained.
func (s *Session) handleUserIP(rest string) []OutLine {
	for _, entry := range strings.Split(rest, "$$") {
		fields := strings.SplitN(entry, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if u, ok := s.users[fields[0]]; ok {
			u.IP = fields[1]
		}
		if fields[0] == s.MyNick {
			if s.AllowHubOverride || s.StaticIP == "" {
				s.MyIP = fields[1]
			} else {
				s.MyIP = s.StaticIP
			}
			s.publish(notify.TopicStatusMessage, "advertised IP updated: "+s.MyIP)
		}
	}
	return nil
}

func (s *Session) handleQuit(rest string) {
	nick := strings.TrimSpace(rest)
	delete(s.users, nick)
	s.publish(notify.TopicUserLogout, nick)
}

// CheckIdle returns a keepalive line if the idle timeout has elapsed
// since the last inbound frame, or ErrHubTimeout if a prior keepalive
// already failed to reset it (callers pass alreadyPinged=true when the
// previous check sent a keepalive, so a second expiry without any
// inbound frame is what signals failure).
func (s *Session) CheckIdle(now time.Time, alreadyPinged bool) (OutLine, bool, error) {
	if s.State != StateLoggedIn {
		return OutLine{}, false, nil
	}
	if now.Sub(s.lastInbound) < s.IdleTimeout {
		return OutLine{}, false, nil
	}
	if alreadyPinged {
		s.State = StateClosed
		return OutLine{}, false, ErrHubTimeout
	}
	return encoded("|"), true, nil
}
