package share

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bloomlib "github.com/rufuscoder/shakespeer/internal/bloom"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/tthstore"
)

func newTestIndex(t *testing.T) (*Index, *notify.Bus) {
	t.Helper()
	store, err := tthstore.Open(filepath.Join(t.TempDir(), "tth2.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := notify.New()
	return NewIndex(store, bloomlib.NewFilter(64), bus), bus
}

func TestAddMountpointRejectsDuplicateVirtualRoot(t *testing.T) {
	idx, _ := newTestIndex(t)
	dir := t.TempDir()
	_, err := idx.AddMountpoint(dir, "music")
	require.NoError(t, err)
	_, err = idx.AddMountpoint(dir, "music")
	assert.Error(t, err)
}

func TestRescanPartitionsFilesAndTracksStats(t *testing.T) {
	idx, _ := newTestIndex(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "song.mp3"), []byte("abc"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "doc.txt"), []byte("hello"), 0o644))

	_, err := idx.AddMountpoint(dir, "music")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("music"))

	stats := idx.Stats()
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 0, stats.HashedCount)

	f, ok := idx.LookupByLocalPath(filepath.Join(dir, "song.mp3"))
	require.True(t, ok)
	assert.Equal(t, KindAudio, f.Kind)
	assert.Empty(t, f.TTH)
}

func TestRescanRecognizesAlreadyHashedInode(t *testing.T) {
	idx, _ := newTestIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("movie-bytes"), 0o644))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	inode, ok := inodeOf(fi)
	require.True(t, ok)

	require.NoError(t, idx.store.PutTTH("SOMETTH", []byte{1, 2, 3}))
	require.NoError(t, idx.store.PutInode(inode, fi.ModTime().Unix(), "SOMETTH"))

	_, err = idx.AddMountpoint(dir, "movies")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("movies"))

	stats := idx.Stats()
	assert.Equal(t, 1, stats.HashedCount)
	assert.Equal(t, 0, stats.DupCount)

	f, ok := idx.LookupByInode(inode)
	require.True(t, ok)
	assert.Equal(t, "SOMETTH", f.TTH)
}

func TestRescanCountsDuplicateInodeAsDup(t *testing.T) {
	idx, _ := newTestIndex(t)
	dir := t.TempDir()
	original := filepath.Join(dir, "original.bin")
	require.NoError(t, os.WriteFile(original, []byte("payload"), 0o644))
	linked := filepath.Join(dir, "hardlink.bin")
	if err := os.Link(original, linked); err != nil {
		t.Skipf("hardlinks unsupported on this filesystem: %v", err)
	}
	fi, err := os.Stat(original)
	require.NoError(t, err)
	inode, ok := inodeOf(fi)
	require.True(t, ok)
	require.NoError(t, idx.store.PutTTH("DUPTTH", []byte{1}))
	require.NoError(t, idx.store.PutInode(inode, fi.ModTime().Unix(), "DUPTTH"))

	_, err = idx.AddMountpoint(dir, "stuff")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("stuff"))

	stats := idx.Stats()
	assert.Equal(t, 1, stats.DupCount)
	assert.Equal(t, 1, stats.TotalCount)
}

func TestRemoveMountpointClearsAllItsFiles(t *testing.T) {
	idx, bus := newTestIndex(t)
	var removedTopic interface{}
	bus.Subscribe(notify.TopicDidRemoveShare, func(e interface{}) { removedTopic = e })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	_, err := idx.AddMountpoint(dir, "docs")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("docs"))
	require.Equal(t, 1, idx.Stats().TotalCount)

	require.NoError(t, idx.RemoveMountpoint("docs"))
	assert.Equal(t, 0, idx.Stats().TotalCount)
	assert.Equal(t, "docs", removedTopic)

	_, ok := idx.LookupByLocalPath(filepath.Join(dir, "a.txt"))
	assert.False(t, ok)
}

func TestTTHAvailableMovesFileToHashedTree(t *testing.T) {
	idx, bus := newTestIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("clip-bytes"), 0o644))
	_, err := idx.AddMountpoint(dir, "videos")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("videos"))

	f, ok := idx.LookupByLocalPath(path)
	require.True(t, ok)
	require.Empty(t, f.TTH)

	var hashingCompleteFired bool
	bus.Subscribe(notify.TopicHashingComplete, func(interface{}) { hashingCompleteFired = true })

	bus.Publish(notify.TopicTTHAvailable, TTHAvailableEvent{
		Inode: f.Inode, TTH: "FRESHTTH", Leaves: []byte{9, 9}, Path: path,
	})

	got, ok := idx.LookupByLocalPath(path)
	require.True(t, ok)
	assert.Equal(t, "FRESHTTH", got.TTH)
	assert.True(t, hashingCompleteFired)

	leaves, err := idx.store.LoadLeafData("FRESHTTH")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, leaves)
}

func TestTTHAvailableWithNoHashDropsFile(t *testing.T) {
	idx, bus := newTestIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := idx.AddMountpoint(dir, "root")
	require.NoError(t, err)
	require.NoError(t, idx.Rescan("root"))

	f, ok := idx.LookupByLocalPath(path)
	require.True(t, ok)

	bus.Publish(notify.TopicTTHAvailable, TTHAvailableEvent{Inode: f.Inode, TTH: "", Path: path})

	_, ok = idx.LookupByLocalPath(path)
	assert.False(t, ok)
}
