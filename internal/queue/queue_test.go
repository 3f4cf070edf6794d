package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/filelist"
	"github.com/rufuscoder/shakespeer/internal/notify"
)

func openTestQueue(t *testing.T) (*Queue, *notify.Bus) {
	t.Helper()
	bus := notify.New()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, bus
}

func TestNextSourceForPrefersFilelistOverFiles(t *testing.T) {
	q, _ := openTestQueue(t)
	_, err := q.AddFile("alice", `share\a.txt`, 10, "/tmp/a.txt", "TTHA", PriorityHighest, 0)
	require.NoError(t, err)
	_, err = q.AddFilelist("alice", false)
	require.NoError(t, err)

	next, ok := q.NextSourceFor("alice")
	require.True(t, ok)
	assert.True(t, next.IsFilelist)
}

func TestNextSourceForBreaksTiesByInsertionOrder(t *testing.T) {
	q, _ := openTestQueue(t)
	first, err := q.AddFile("bob", `share\first.bin`, 1, "/tmp/first.bin", "TTH1", PriorityNormal, 0)
	require.NoError(t, err)
	_, err = q.AddFile("bob", `share\second.bin`, 1, "/tmp/second.bin", "TTH2", PriorityNormal, 0)
	require.NoError(t, err)

	next, ok := q.NextSourceFor("bob")
	require.True(t, ok)
	assert.Equal(t, first.ID, next.ID)
}

func TestNextSourceForSkipsPausedAndInProgress(t *testing.T) {
	q, _ := openTestQueue(t)
	paused, err := q.AddFile("carl", `share\p.bin`, 1, "/tmp/p.bin", "TTHP", PriorityPaused, 0)
	require.NoError(t, err)
	running, err := q.AddFile("carl", `share\r.bin`, 1, "/tmp/r.bin", "TTHR", PriorityNormal, 0)
	require.NoError(t, err)
	require.NoError(t, q.SetStatus(running.ID, StatusInProgress))
	runnable, err := q.AddFile("carl", `share\q.bin`, 1, "/tmp/q.bin", "TTHQ", PriorityLow, 0)
	require.NoError(t, err)

	next, ok := q.NextSourceFor("carl")
	require.True(t, ok)
	assert.Equal(t, runnable.ID, next.ID)
	assert.NotEqual(t, paused.ID, next.ID)
}

func TestAddDirectoryQueuesFilelistAutomatch(t *testing.T) {
	q, _ := openTestQueue(t)
	_, err := q.AddDirectory("dave", `share\pics`, "/tmp/pics")
	require.NoError(t, err)

	next, ok := q.NextSourceFor("dave")
	require.True(t, ok)
	assert.True(t, next.IsFilelist)
	assert.True(t, next.Automatch)
}

func TestFilelistArrivalResolvesDirectoryIntoFiles(t *testing.T) {
	q, bus := openTestQueue(t)
	dir, err := q.AddDirectory("erin", `top\pics`, "/tmp/pics")
	require.NoError(t, err)

	root := &filelist.Node{IsDir: true, Children: []*filelist.Node{
		{Name: "top", IsDir: true, Children: []*filelist.Node{
			{Name: "pics", IsDir: true, Children: []*filelist.Node{
				{Name: "a.jpg", Size: 100, TTH: "TTHA"},
				{Name: "sub", IsDir: true, Children: []*filelist.Node{
					{Name: "b.jpg", Size: 200, TTH: "TTHB"},
				}},
			}},
		}},
	}}

	bus.Publish(notify.TopicFilelistAdded, FilelistAddedEvent{Nick: "erin", Root: root})

	got, ok := q.Directory(dir.ID)
	require.True(t, ok)
	assert.True(t, got.Resolved)
	assert.Equal(t, 2, got.NFilesTotal)
	assert.Equal(t, 2, got.NLeft)

	err = q.RemoveFilelist("erin")
	require.NoError(t, err)
	next, ok := q.NextSourceFor("erin")
	require.True(t, ok)
	assert.Equal(t, dir.ID, next.ParentDirectoryID)
}

func TestRemovingLastDirectoryTargetFiresDirRemoved(t *testing.T) {
	q, bus := openTestQueue(t)
	dir, err := q.AddDirectory("finn", `pics`, "/tmp/pics")
	require.NoError(t, err)

	root := &filelist.Node{IsDir: true, Children: []*filelist.Node{
		{Name: "pics", IsDir: true, Children: []*filelist.Node{
			{Name: "only.jpg", Size: 50, TTH: "TTHONLY"},
		}},
	}}
	bus.Publish(notify.TopicFilelistAdded, FilelistAddedEvent{Nick: "finn", Root: root})
	require.NoError(t, q.RemoveFilelist("finn"))

	var removedID interface{}
	bus.Subscribe(notify.TopicQueueDirRemoved, func(e interface{}) { removedID = e })

	target, ok := q.NextSourceFor("finn")
	require.True(t, ok)
	require.NotEqual(t, uint64(0), target.ParentDirectoryID)
	require.NoError(t, q.RemoveTarget(target.ID))

	assert.Equal(t, dir.ID, removedID)
	_, ok = q.Directory(dir.ID)
	assert.False(t, ok)
}

func TestQueueReopensFromPersistedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	bus := notify.New()
	q, err := Open(path, bus)
	require.NoError(t, err)
	added, err := q.AddFile("gail", `share\keep.bin`, 42, "/tmp/keep.bin", "TTHKEEP", PriorityHigh, 0)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(path, notify.New())
	require.NoError(t, err)
	defer reopened.Close()

	next, ok := reopened.NextSourceFor("gail")
	require.True(t, ok)
	assert.Equal(t, added.ID, next.ID)
	assert.EqualValues(t, 42, next.Size)
}

func TestSetPriorityAndSetSizePersist(t *testing.T) {
	q, _ := openTestQueue(t)
	target, err := q.AddFile("hank", `share\x.bin`, 1, "/tmp/x.bin", "TTHX", PriorityLow, 0)
	require.NoError(t, err)

	require.NoError(t, q.SetPriority(target.ID, PriorityHighest))
	require.NoError(t, q.SetSize(target.ID, 999))

	next, ok := q.NextSourceFor("hank")
	require.True(t, ok)
	assert.Equal(t, PriorityHighest, next.Priority)
	assert.EqualValues(t, 999, next.Size)
}
