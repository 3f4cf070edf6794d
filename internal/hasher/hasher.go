// Package hasher is the cooperative TTH-computation worker: a queue of
// absolute paths, read in bounded chunks across scheduler ticks, each
// producing a tigertree.Tree that is finished into a root TTH and leaf
// set and published on the notify bus.
package hasher

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/splog"
	"github.com/rufuscoder/shakespeer/internal/tigertree"
)

// DefaultChunkSize is how many bytes Tick reads per call.
const DefaultChunkSize = 4 * 1024 * 1024

// job is one queued file's in-progress hashing state.
type job struct {
	inode uint64
	path  string
	f     *os.File
	tree  *tigertree.Tree
	done  int64
	size  int64
}

// Worker is the hasher's cooperative state: a FIFO queue of paths and
// the currently open job, if any.
type Worker struct {
	queue     []pendingFile
	current   *job
	chunkSize int64
	delay     time.Duration // sleep after each non-final chunk
	limiter   *rate.Limiter // optional, set by SetThrottle
	bus       *notify.Bus
}

type pendingFile struct {
	inode uint64
	path  string
}

// NewWorker returns an idle Worker publishing tth-available on bus.
func NewWorker(bus *notify.Bus) *Worker {
	return &Worker{chunkSize: DefaultChunkSize, bus: bus}
}

// SetChunkSize overrides the default per-tick read size.
func (w *Worker) SetChunkSize(n int64) {
	if n > 0 {
		w.chunkSize = n
	}
}

// SetDelay sets how long Tick sleeps after a non-final chunk, to cap
// CPU use for low-priority hashing.
func (w *Worker) SetDelay(d time.Duration) {
	w.delay = d
}

// SetThrottle installs a byte-rate limiter consulted before each read.
func (w *Worker) SetThrottle(limiter *rate.Limiter) {
	w.limiter = limiter
}

// Enqueue appends a file to the hashing queue.
func (w *Worker) Enqueue(inode uint64, path string) {
	w.queue = append(w.queue, pendingFile{inode: inode, path: path})
}

// Pending returns the number of files queued, including the in-flight one.
func (w *Worker) Pending() int {
	n := len(w.queue)
	if w.current != nil {
		n++
	}
	return n
}

// Tick runs one scheduler step: opens the next queued file if none is
// in flight, reads up to one chunk, and either finishes the file
// (publishing tth-available) or leaves it open for the next Tick.
// Returns true if it did any work.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if w.current == nil {
		if len(w.queue) == 0 {
			return false, nil
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		if err := w.openJob(next); err != nil {
			w.publish(next.inode, "", nil, next.path)
			return true, err
		}
	}
	return true, w.readChunk(ctx)
}

func (w *Worker) openJob(pf pendingFile) error {
	f, err := os.Open(pf.path)
	if err != nil {
		return errors.Wrapf(err, "hasher: open %s", pf.path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "hasher: stat %s", pf.path)
	}
	leafSize := tigertree.LeafSize(info.Size())
	w.current = &job{
		inode: pf.inode,
		path:  pf.path,
		f:     f,
		tree:  tigertree.NewTree(leafSize),
		size:  info.Size(),
	}
	return nil
}

func (w *Worker) readChunk(ctx context.Context) error {
	j := w.current
	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, int(w.chunkSize)); err != nil {
			return err
		}
	}
	buf := make([]byte, w.chunkSize)
	n, readErr := io.ReadFull(j.f, buf)
	if n > 0 {
		if _, err := j.tree.Write(buf[:n]); err != nil {
			w.failJob(err)
			return err
		}
		j.done += int64(n)
	}
	final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF || j.done >= j.size
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		w.failJob(readErr)
		return readErr
	}
	if final {
		w.finishJob()
		return nil
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	return nil
}

func (w *Worker) finishJob() {
	j := w.current
	j.f.Close()
	root := j.tree.Root()
	tth := tigertree.EncodeTTH(root)
	leaves := encodeLeaves(j.tree.Leaves())
	splog.Debugf(j.path, "hashed: %s (%d bytes)", tth, j.done)
	w.publish(j.inode, tth, leaves, j.path)
	w.current = nil
}

func (w *Worker) failJob(err error) {
	j := w.current
	splog.Errorf(j.path, "hashing failed: %v", err)
	j.f.Close()
	w.publish(j.inode, "", nil, j.path)
	w.current = nil
}

func (w *Worker) publish(inode uint64, tth string, leaves []byte, path string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(notify.TopicTTHAvailable, TTHAvailableEvent{
		Inode: inode, TTH: tth, Leaves: leaves, Path: path,
	})
}

// TTHAvailableEvent mirrors share.TTHAvailableEvent's shape so the two
// packages need not import one another; the engine wires them by field.
type TTHAvailableEvent struct {
	Inode  uint64
	TTH    string
	Leaves []byte
	Path   string
}

// encodeLeaves packs a tree's leaf hashes into the TTH store's
// Base64-on-the-wire leaf byte stream.
func encodeLeaves(leaves [][tigertree.Size]byte) []byte {
	raw := make([]byte, 0, len(leaves)*tigertree.Size)
	for _, l := range leaves {
		raw = append(raw, l[:]...)
	}
	return raw
}

// DecodeLeaves is the inverse of encodeLeaves, mainly for tests and
// for $ADCGET tthl serving.
func DecodeLeaves(raw []byte) [][tigertree.Size]byte {
	var out [][tigertree.Size]byte
	for i := 0; i+tigertree.Size <= len(raw); i += tigertree.Size {
		var leaf [tigertree.Size]byte
		copy(leaf[:], raw[i:i+tigertree.Size])
		out = append(out, leaf)
	}
	return out
}
