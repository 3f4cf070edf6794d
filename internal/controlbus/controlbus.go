// Package controlbus implements the line-oriented command stream
// between the engine and a front-end: one newline-terminated command
// per line, space-delimited arguments, with embedded spaces in an
// argument escaped per the legacy NMDC convention of overloading '$'.
package controlbus

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Terminator is the control-bus line terminator.
const Terminator = '\n'

// OutboundCommand names a command the engine sends to a front-end.
type OutboundCommand string

const (
	CmdUserLogin        OutboundCommand = "user-login"
	CmdUserLogout       OutboundCommand = "user-logout"
	CmdUserUpdate       OutboundCommand = "user-update"
	CmdHubName          OutboundCommand = "hubname"
	CmdStatusMessage    OutboundCommand = "status-message"
	CmdPublicMessage    OutboundCommand = "public-message"
	CmdPrivateMessage   OutboundCommand = "private-message"
	CmdSearchResponse   OutboundCommand = "search-response"
	CmdTransferStats    OutboundCommand = "transfer-stats"
	CmdDownloadStarting OutboundCommand = "download-starting"
	CmdDownloadFinished OutboundCommand = "download-finished"
	CmdQueueAdd         OutboundCommand = "queue-add"
	CmdQueueRemove      OutboundCommand = "queue-remove"
	CmdShareStats       OutboundCommand = "share-stats"
	CmdHubDisconnected  OutboundCommand = "hub-disconnected"
	CmdNeedPassword     OutboundCommand = "need-password"
	CmdHubRedirect      OutboundCommand = "hub-redirect"
	CmdConnectionClosed OutboundCommand = "connection-closed"
	CmdServerDied       OutboundCommand = "server-died"
	CmdInitCompletion   OutboundCommand = "init-completion"
)

// InboundCommand names a command a front-end sends to the engine.
type InboundCommand string

const (
	CmdConnectHub     InboundCommand = "connect-hub"
	CmdDisconnectHub  InboundCommand = "disconnect-hub"
	CmdSendChat       InboundCommand = "send-chat"
	CmdSendPrivate    InboundCommand = "send-private"
	CmdSearch         InboundCommand = "search"
	CmdDownload       InboundCommand = "download"
	CmdCancelDownload InboundCommand = "cancel-download"
	CmdSetPriority    InboundCommand = "set-priority"
	CmdAddShare       InboundCommand = "add-share"
	CmdRemoveShare    InboundCommand = "remove-share"
	CmdRescanShare    InboundCommand = "rescan-share"
	CmdSetPassword    InboundCommand = "set-password"
	CmdSetPort        InboundCommand = "set-port"
	CmdSetNick        InboundCommand = "set-nick"
	CmdShutdown       InboundCommand = "shutdown"
)

var knownInbound = map[InboundCommand]bool{
	CmdConnectHub: true, CmdDisconnectHub: true, CmdSendChat: true,
	CmdSendPrivate: true, CmdSearch: true, CmdDownload: true,
	CmdCancelDownload: true, CmdSetPriority: true, CmdAddShare: true,
	CmdRemoveShare: true, CmdRescanShare: true, CmdSetPassword: true,
	CmdSetPort: true, CmdSetNick: true, CmdShutdown: true,
}

// ErrUnknownCommand is returned for an inbound line naming a command
// outside the fixed inbound table.
var ErrUnknownCommand = errors.New("controlbus: unknown command")

// LineReader reads newline-terminated control-bus frames, buffering
// partial frames across reads.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r for frame-at-a-time reads.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadLine blocks for the next complete frame and returns it without
// the trailing terminator.
func (lr *LineReader) ReadLine() (string, error) {
	line, err := lr.r.ReadString(Terminator)
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, io.ErrUnexpectedEOF
		}
		return "", err
	}
	return line[:len(line)-1], nil
}

// FrameLine appends the terminator used to send a command.
func FrameLine(s string) []byte {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, Terminator)
	return buf
}

// EscapeArg replaces '$' with "$$" and ' ' with '$' so the argument
// survives the bus's space-delimited framing.
func EscapeArg(s string) string {
	s = strings.ReplaceAll(s, "$", "$$")
	return strings.ReplaceAll(s, " ", "$")
}

// UnescapeArg reverses EscapeArg.
func UnescapeArg(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			if i+1 < len(s) && s[i+1] == '$' {
				b.WriteByte('$')
				i++
				continue
			}
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Message is one parsed or about-to-be-formatted control line.
type Message struct {
	Name string
	Args []string
}

// Format renders name and args (each escaped) into one space-joined line.
func Format(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, EscapeArg(a))
	}
	return strings.Join(parts, " ")
}

// Parse splits a raw line into a command name and its unescaped arguments.
func Parse(line string) Message {
	fields := strings.Split(line, " ")
	msg := Message{Name: fields[0]}
	for _, f := range fields[1:] {
		msg.Args = append(msg.Args, UnescapeArg(f))
	}
	return msg
}

// Handler processes one inbound command's arguments.
type Handler func(args []string) error

// Bus dispatches inbound lines to registered handlers, rejecting any
// command name outside the fixed inbound table.
type Bus struct {
	handlers map[InboundCommand]Handler
}

// New returns an empty inbound dispatch Bus.
func New() *Bus {
	return &Bus{handlers: make(map[InboundCommand]Handler)}
}

// On registers h to run when cmd arrives. Registering twice for the
// same command replaces the previous handler.
func (b *Bus) On(cmd InboundCommand, h Handler) {
	b.handlers[cmd] = h
}

// Feed parses one raw line and dispatches it to its handler.
// ErrUnknownCommand is returned for a command name outside the fixed
// inbound table, even if nothing is registered to handle it.
func (b *Bus) Feed(line string) error {
	msg := Parse(line)
	cmd := InboundCommand(msg.Name)
	if !knownInbound[cmd] {
		return errors.Wrapf(ErrUnknownCommand, "%q", msg.Name)
	}
	h, ok := b.handlers[cmd]
	if !ok {
		return nil
	}
	return h(msg.Args)
}
