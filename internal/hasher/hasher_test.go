package hasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/tigertree"
)

func TestTickHashesSmallFileInOneChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	bus := notify.New()
	var got TTHAvailableEvent
	var fired bool
	bus.Subscribe(notify.TopicTTHAvailable, func(e interface{}) {
		got = e.(TTHAvailableEvent)
		fired = true
	})

	w := NewWorker(bus)
	w.Enqueue(42, path)

	ctx := context.Background()
	for !fired {
		did, err := w.Tick(ctx)
		require.NoError(t, err)
		require.True(t, did)
	}

	assert.Equal(t, uint64(42), got.Inode)
	assert.NotEmpty(t, got.TTH)
	assert.Len(t, got.Leaves, tigertree.Size)
}

func TestTickSpansMultipleChunksForLargeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := make([]byte, 10)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	bus := notify.New()
	var got TTHAvailableEvent
	bus.Subscribe(notify.TopicTTHAvailable, func(e interface{}) { got = e.(TTHAvailableEvent) })

	w := NewWorker(bus)
	w.SetChunkSize(3) // forces several ticks for a 10-byte file
	w.Enqueue(1, path)

	ctx := context.Background()
	ticks := 0
	for w.Pending() > 0 {
		_, err := w.Tick(ctx)
		require.NoError(t, err)
		ticks++
		require.Less(t, ticks, 100, "runaway tick loop")
	}
	assert.Greater(t, ticks, 1)
	assert.NotEmpty(t, got.TTH)
}

func TestTickOnMissingFilePublishesFailure(t *testing.T) {
	bus := notify.New()
	var got TTHAvailableEvent
	var fired bool
	bus.Subscribe(notify.TopicTTHAvailable, func(e interface{}) {
		got = e.(TTHAvailableEvent)
		fired = true
	})

	w := NewWorker(bus)
	w.Enqueue(7, "/does/not/exist")
	_, err := w.Tick(context.Background())
	assert.Error(t, err)
	assert.True(t, fired)
	assert.Equal(t, uint64(7), got.Inode)
	assert.Empty(t, got.TTH)
	assert.Nil(t, got.Leaves)
}

func TestDecodeLeavesInvertsEncoding(t *testing.T) {
	raw := make([]byte, tigertree.Size*2)
	for i := range raw {
		raw[i] = byte(i)
	}
	leaves := DecodeLeaves(raw)
	require.Len(t, leaves, 2)
	assert.Equal(t, raw[:tigertree.Size], leaves[0][:])
}

func TestPendingCountsQueuedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w := NewWorker(nil)
	assert.Equal(t, 0, w.Pending())
	w.Enqueue(1, path)
	assert.Equal(t, 1, w.Pending())
}
