package controlbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/hubsession"
	"github.com/rufuscoder/shakespeer/internal/queue"
	"github.com/rufuscoder/shakespeer/internal/share"
)

func TestEscapeArgRoundTrips(t *testing.T) {
	cases := []string{"hello world", "a$b", "a$$b", "no spaces", "trailing$"}
	for _, c := range cases {
		assert.Equal(t, c, UnescapeArg(EscapeArg(c)), "round trip of %q", c)
	}
}

func TestFormatEscapesEmbeddedSpaces(t *testing.T) {
	line := Format(string(CmdStatusMessage), "hub.example.com:411", "connection lost")
	assert.Equal(t, "status-message hub.example.com:411 connection$lost", line)
}

func TestParseUnescapesArgs(t *testing.T) {
	msg := Parse("status-message hub.example.com:411 connection$lost")
	assert.Equal(t, "status-message", msg.Name)
	require.Len(t, msg.Args, 2)
	assert.Equal(t, "connection lost", msg.Args[1])
}

func TestLineReaderReadsFramedLines(t *testing.T) {
	r := NewLineReader(strings.NewReader("search-response hub x\ndownload t 5 true\n"))
	line1, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "search-response hub x", line1)

	line2, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "download t 5 true", line2)
}

func TestBusFeedDispatchesKnownCommand(t *testing.T) {
	b := New()
	var got []string
	b.On(CmdSendChat, func(args []string) error {
		got = args
		return nil
	})
	err := b.Feed("send-chat hub.example.com:411 hello$there")
	require.NoError(t, err)
	assert.Equal(t, []string{"hub.example.com:411", "hello there"}, got)
}

func TestBusFeedRejectsUnknownCommand(t *testing.T) {
	b := New()
	err := b.Feed("not-a-real-command foo")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestBusFeedWithNoHandlerIsANoop(t *testing.T) {
	b := New()
	err := b.Feed("shutdown")
	assert.NoError(t, err)
}

func TestUserLoginFormatsHubAndNick(t *testing.T) {
	line := UserLogin("hub.example.com:411", "alice")
	assert.Equal(t, "user-login hub.example.com:411 alice", line)
}

func TestUserUpdateFormatsAllFields(t *testing.T) {
	u := hubsession.User{Nick: "bob", Description: "a desc", Speed: "56k", Email: "bob@x.com", ShareSize: 100}
	line := UserUpdate("hub.example.com:411", u)
	msg := Parse(line)
	assert.Equal(t, []string{"hub.example.com:411", "bob", "a desc", "56k", "bob@x.com", "100"}, msg.Args)
}

func TestQueueAddFormatsTargetFields(t *testing.T) {
	target := queue.Target{ID: 7, Nick: "carl", TargetPath: "/tmp/out.iso", Size: 12345}
	line := QueueAdd(target)
	msg := Parse(line)
	assert.Equal(t, []string{"7", "carl", "/tmp/out.iso", "12345"}, msg.Args)
}

func TestShareStatsFormatsCounters(t *testing.T) {
	s := share.Stats{TotalBytes: 100, HashedBytes: 50, TotalCount: 4, HashedCount: 2}
	line := ShareStats(s)
	msg := Parse(line)
	assert.Equal(t, []string{"100", "50", "4", "2"}, msg.Args)
}

func TestInitCompletionHasNoArgs(t *testing.T) {
	assert.Equal(t, "init-completion", InitCompletion())
}
