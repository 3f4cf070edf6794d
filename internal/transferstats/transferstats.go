// Package transferstats accounts for in-progress uploads and
// downloads: total bytes moved, per-target progress and rate, and the
// set of targets currently active, backing the control bus's
// transfer-stats line and the engine's overall byte counters.
package transferstats

import (
	"io"
	"sync"
	"time"
)

// active is one transfer in progress, keyed by its queue target ID.
type active struct {
	label      string
	bytesDone  int64
	bytesTotal int64
	started    time.Time
}

// Tracker accounts bytes moved across every active transfer plus
// lifetime totals, guarded by a single lock.
type Tracker struct {
	mu sync.RWMutex

	bytesTotal    int64
	errors        int64
	transfersDone int64
	transferring  map[string]*active
	start         time.Time
}

// NewTracker returns an empty Tracker with its clock started now.
func NewTracker() *Tracker {
	return &Tracker{
		transferring: make(map[string]*active),
		start:        time.Now(),
	}
}

// Start begins accounting a transfer under targetID.
func (t *Tracker) Start(targetID, label string, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferring[targetID] = &active{label: label, bytesTotal: totalBytes, started: time.Now()}
}

// Progress records n more bytes moved for targetID and the lifetime total.
func (t *Tracker) Progress(targetID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTotal += n
	if a, ok := t.transferring[targetID]; ok {
		a.bytesDone += n
	}
}

// Error records one failed transfer or check.
func (t *Tracker) Error() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors++
}

// Finish stops accounting targetID, counting it as done regardless of
// success so the lifetime transfer count always advances.
func (t *Tracker) Finish(targetID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.transferring, targetID)
	t.transfersDone++
	if !ok {
		t.errors++
	}
}

// Snapshot returns targetID's current progress and its average rate
// since Start, or ok=false if nothing is tracking that target.
func (t *Tracker) Snapshot(targetID string) (bytesDone, bytesTotal int64, bytesPerSec float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, found := t.transferring[targetID]
	if !found {
		return 0, 0, 0, false
	}
	elapsed := time.Since(a.started).Seconds()
	if elapsed > 0 {
		bytesPerSec = float64(a.bytesDone) / elapsed
	}
	return a.bytesDone, a.bytesTotal, bytesPerSec, true
}

// ActiveTargets returns the target IDs currently transferring.
func (t *Tracker) ActiveTargets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.transferring))
	for id := range t.transferring {
		out = append(out, id)
	}
	return out
}

// TotalBytes returns the lifetime byte count across every transfer.
func (t *Tracker) TotalBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesTotal
}

// Errors returns the lifetime error count.
func (t *Tracker) Errors() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errors
}

// TransfersDone returns how many transfers have finished (success or not).
func (t *Tracker) TransfersDone() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.transfersDone
}

// AccountingReader wraps a peer connection's body reader, feeding
// every byte read into a Tracker for one target.
type AccountingReader struct {
	in       io.ReadCloser
	targetID string
	tracker  *Tracker
}

// NewAccountingReader wraps in so reads against it are accounted
// under targetID in tracker.
func NewAccountingReader(in io.ReadCloser, targetID string, tracker *Tracker) *AccountingReader {
	return &AccountingReader{in: in, targetID: targetID, tracker: tracker}
}

// Read implements io.Reader, accounting every byte successfully read.
func (r *AccountingReader) Read(p []byte) (int, error) {
	n, err := r.in.Read(p)
	if n > 0 {
		r.tracker.Progress(r.targetID, int64(n))
	}
	return n, err
}

// Close closes the wrapped reader.
func (r *AccountingReader) Close() error {
	return r.in.Close()
}

var _ io.ReadCloser = &AccountingReader{}
