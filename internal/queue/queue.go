// Package queue implements the persistent download queue: targets
// (one wanted file from one nick), directory placeholders that
// resolve into targets once the matching filelist arrives, and
// priority-ordered source selection per nick. Every mutation is
// written through to a bbolt-backed store so the queue rebuilds from
// disk on restart rather than from in-memory state.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/rufuscoder/shakespeer/internal/filelist"
	"github.com/rufuscoder/shakespeer/internal/notify"
)

var (
	targetsBucket     = []byte("targets")
	directoriesBucket = []byte("directories")
	metaBucket        = []byte("meta")
	nextIDKey         = []byte("next-id")
)

// ErrNotFound is returned when a target or directory ID is unknown.
var ErrNotFound = errors.New("queue: not found")

// Priority orders runnable targets for the same nick; higher values win.
type Priority int

const (
	PriorityPaused Priority = iota
	PriorityLowest
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Status is a target's current lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusInProgress
)

// Target is one wanted file from one nick: either a regular file, a
// directory-resolved leaf (ParentDirectoryID set), or a nick's filelist.
type Target struct {
	ID                uint64
	Nick              string
	SourcePath        string
	Size              int64
	TargetPath        string
	TTH               string
	Priority          Priority
	Status            Status
	IsFilelist        bool
	Automatch         bool
	ParentDirectoryID uint64
	seq               uint64
}

// Directory is a queued directory download: a placeholder that
// resolves into per-file targets once the nick's filelist is known.
type Directory struct {
	ID          uint64
	Nick        string
	SourceDir   string
	TargetDir   string
	NFilesTotal int
	NLeft       int
	Resolved    bool
}

// Queue is the open, replayed download queue.
type Queue struct {
	mu          sync.Mutex
	db          *bolt.DB
	bus         *notify.Bus
	targets     map[uint64]*Target
	directories map[uint64]*Directory
	nextID      uint64
	seqCounter  uint64
}

// Open opens (creating if absent) the bbolt-backed queue store at
// path and rebuilds the in-memory indices from it.
func Open(path string, bus *notify.Bus) (*Queue, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "queue: open %s", path)
	}
	q := &Queue{
		db:          db,
		bus:         bus,
		targets:     make(map[uint64]*Target),
		directories: make(map[uint64]*Directory),
	}
	if err := q.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if bus != nil {
		bus.Subscribe(notify.TopicFilelistAdded, q.handleFilelistAdded)
	}
	return q, nil
}

// Close closes the backing store.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) load() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		tb, err := tx.CreateBucketIfNotExists(targetsBucket)
		if err != nil {
			return err
		}
		db2, err := tx.CreateBucketIfNotExists(directoriesBucket)
		if err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		var seq uint64
		if err := tb.ForEach(func(k, v []byte) error {
			var t Target
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrap(err, "queue: decode target")
			}
			q.targets[t.ID] = &t
			seq++
			t.seq = seq
			if t.ID >= q.nextID {
				q.nextID = t.ID + 1
			}
			return nil
		}); err != nil {
			return err
		}
		if err := db2.ForEach(func(k, v []byte) error {
			var d Directory
			if err := json.Unmarshal(v, &d); err != nil {
				return errors.Wrap(err, "queue: decode directory")
			}
			q.directories[d.ID] = &d
			if d.ID >= q.nextID {
				q.nextID = d.ID + 1
			}
			return nil
		}); err != nil {
			return err
		}
		q.seqCounter = seq
		if raw := mb.Get(nextIDKey); raw != nil && len(raw) == 8 {
			if stored := binary.BigEndian.Uint64(raw); stored > q.nextID {
				q.nextID = stored
			}
		}
		return nil
	})
}

func (q *Queue) allocID() uint64 {
	if q.nextID == 0 {
		q.nextID = 1 // 0 means "no directory" in ParentDirectoryID
	}
	id := q.nextID
	q.nextID++
	return id
}

func (q *Queue) persistTarget(t *Target) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(targetsBucket).Put(idKey(t.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(nextIDKey, idKey(q.nextID))
	})
}

func (q *Queue) deleteTargetRecord(id uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(targetsBucket).Delete(idKey(id))
	})
}

func (q *Queue) persistDirectory(d *Directory) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := tx.Bucket(directoriesBucket).Put(idKey(d.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(nextIDKey, idKey(q.nextID))
	})
}

func (q *Queue) deleteDirectoryRecord(id uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(directoriesBucket).Delete(idKey(id))
	})
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// AddFile queues a single file from nick.
func (q *Queue) AddFile(nick, sourcePath string, size int64, targetPath, tth string, priority Priority, parentDirectoryID uint64) (*Target, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seqCounter++
	t := &Target{
		ID:                q.allocID(),
		Nick:              nick,
		SourcePath:        sourcePath,
		Size:              size,
		TargetPath:        targetPath,
		TTH:               tth,
		Priority:          priority,
		ParentDirectoryID: parentDirectoryID,
		seq:               q.seqCounter,
	}
	if err := q.persistTarget(t); err != nil {
		return nil, err
	}
	q.targets[t.ID] = t
	return t, nil
}

// AddFilelist queues a nick's filelist. automatch marks it as added on
// behalf of directory resolution rather than user request.
func (q *Queue) AddFilelist(nick string, automatch bool) (*Target, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.targets {
		if t.Nick == nick && t.IsFilelist {
			return t, nil
		}
	}
	q.seqCounter++
	t := &Target{
		ID:         q.allocID(),
		Nick:       nick,
		IsFilelist: true,
		Automatch:  automatch,
		Priority:   PriorityHighest,
		seq:        q.seqCounter,
	}
	if err := q.persistTarget(t); err != nil {
		return nil, err
	}
	q.targets[t.ID] = t
	return t, nil
}

// AddDirectory records a directory placeholder and ensures the nick's
// filelist is queued so resolution can proceed once it arrives.
func (q *Queue) AddDirectory(nick, sourceDir, targetDir string) (*Directory, error) {
	q.mu.Lock()
	d := &Directory{
		ID:        q.allocID(),
		Nick:      nick,
		SourceDir: sourceDir,
		TargetDir: targetDir,
	}
	if err := q.persistDirectory(d); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.directories[d.ID] = d
	q.mu.Unlock()

	if _, err := q.AddFilelist(nick, true); err != nil {
		return nil, err
	}
	if q.bus != nil {
		q.bus.Publish(notify.TopicQueueDirectoryAdded, d.ID)
	}
	return d, nil
}

// RemoveTarget removes one target outright.
func (q *Queue) RemoveTarget(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.targets[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "target %d", id)
	}
	if err := q.deleteTargetRecord(id); err != nil {
		return err
	}
	delete(q.targets, id)
	if t.ParentDirectoryID != 0 {
		q.decrementDirectoryLocked(t.ParentDirectoryID)
	}
	if q.bus != nil {
		q.bus.Publish(notify.TopicQueueTargetRemoved, id)
	}
	return nil
}

// RemoveSource removes the target matching nick and sourcePath, if any.
func (q *Queue) RemoveSource(nick, sourcePath string) error {
	q.mu.Lock()
	var found uint64
	for id, t := range q.targets {
		if t.Nick == nick && t.SourcePath == sourcePath && !t.IsFilelist {
			found = id
			break
		}
	}
	q.mu.Unlock()
	if found == 0 {
		return errors.Wrapf(ErrNotFound, "source %s from %s", sourcePath, nick)
	}
	return q.RemoveTarget(found)
}

// RemoveFilelist removes nick's filelist target.
func (q *Queue) RemoveFilelist(nick string) error {
	q.mu.Lock()
	var found uint64
	for id, t := range q.targets {
		if t.Nick == nick && t.IsFilelist {
			found = id
			break
		}
	}
	q.mu.Unlock()
	if found == 0 {
		return errors.Wrapf(ErrNotFound, "filelist for %s", nick)
	}
	return q.RemoveTarget(found)
}

// RemoveDirectory removes a directory and every target it spawned.
func (q *Queue) RemoveDirectory(id uint64) error {
	q.mu.Lock()
	if _, ok := q.directories[id]; !ok {
		q.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "directory %d", id)
	}
	var children []uint64
	for tid, t := range q.targets {
		if t.ParentDirectoryID == id {
			children = append(children, tid)
		}
	}
	q.mu.Unlock()

	for _, tid := range children {
		if err := q.RemoveTarget(tid); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.deleteDirectoryRecord(id); err != nil {
		return err
	}
	delete(q.directories, id)
	if q.bus != nil {
		q.bus.Publish(notify.TopicQueueDirRemoved, id)
	}
	return nil
}

// decrementDirectoryLocked updates nleft for a directory whose target
// was just removed, firing a directory-removed notification when the
// last target is gone. Caller must hold q.mu.
func (q *Queue) decrementDirectoryLocked(dirID uint64) {
	d, ok := q.directories[dirID]
	if !ok {
		return
	}
	d.NLeft--
	if d.NLeft <= 0 {
		_ = q.deleteDirectoryRecord(dirID)
		delete(q.directories, dirID)
		if q.bus != nil {
			q.bus.Publish(notify.TopicQueueDirRemoved, dirID)
		}
		return
	}
	_ = q.persistDirectory(d)
}

// SetPriority changes a target's priority.
func (q *Queue) SetPriority(id uint64, p Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.targets[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "target %d", id)
	}
	t.Priority = p
	return q.persistTarget(t)
}

// SetStatus changes a target's status.
func (q *Queue) SetStatus(id uint64, s Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.targets[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "target %d", id)
	}
	t.Status = s
	return q.persistTarget(t)
}

// SetSize records a target's resolved size (learned from a $FileLength
// or search result after the target was queued with an unknown size).
func (q *Queue) SetSize(id uint64, size int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.targets[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "target %d", id)
	}
	t.Size = size
	return q.persistTarget(t)
}

// NextSourceFor returns the highest-priority runnable target for nick:
// not paused, not already in progress, filelists outrank everything
// else, ties broken by insertion order.
func (q *Queue) NextSourceFor(nick string) (*Target, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Target
	for _, t := range q.targets {
		if t.Nick != nick {
			continue
		}
		if t.Priority == PriorityPaused || t.Status == StatusInProgress {
			continue
		}
		if best == nil || ranksAbove(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

func ranksAbove(a, b *Target) bool {
	if a.IsFilelist != b.IsFilelist {
		return a.IsFilelist
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Directory returns a copy of the directory record for id.
func (q *Queue) Directory(id uint64) (Directory, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.directories[id]
	if !ok {
		return Directory{}, false
	}
	return *d, true
}

// handleFilelistAdded resolves every unresolved directory belonging to
// the nick whose filelist just arrived.
func (q *Queue) handleFilelistAdded(event interface{}) {
	ev, ok := event.(FilelistAddedEvent)
	if !ok {
		return
	}
	q.mu.Lock()
	var pending []*Directory
	for _, d := range q.directories {
		if d.Nick == ev.Nick && !d.Resolved {
			pending = append(pending, d)
		}
	}
	q.mu.Unlock()
	for _, d := range pending {
		_ = q.resolveDirectory(d, ev.Root)
	}
}

// FilelistAddedEvent is published on notify.TopicFilelistAdded once a
// nick's filelist has been fetched and parsed.
type FilelistAddedEvent struct {
	Nick string
	Root *filelist.Node
}

// resolveDirectory walks the subtree of root matching d.SourceDir and
// emits one AddFile per leaf, recursing into leftover subdirectories.
func (q *Queue) resolveDirectory(d *Directory, root *filelist.Node) error {
	sub := findSubtree(root, d.SourceDir)
	if sub == nil {
		return errors.Errorf("queue: directory %s not found in filelist", d.SourceDir)
	}
	var total int
	walkLeaves(sub, func(relPath string, leaf *filelist.Node) {
		total++
		_, _ = q.AddFile(d.Nick, d.SourceDir+`\`+relPath, leaf.Size,
			d.TargetDir+`/`+relPath, leaf.TTH, PriorityNormal, d.ID)
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	d.NFilesTotal = total
	d.NLeft = total
	d.Resolved = true
	return q.persistDirectory(d)
}

func findSubtree(root *filelist.Node, sourceDir string) *filelist.Node {
	if sourceDir == "" {
		return root
	}
	parts := splitPath(sourceDir)
	cur := root
	for _, part := range parts {
		var next *filelist.Node
		for _, c := range cur.Children {
			if c.Name == part && c.IsDir {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		parts = append(parts, p[start:])
	}
	return parts
}

func walkLeaves(n *filelist.Node, visit func(relPath string, leaf *filelist.Node)) {
	walkLeavesPrefixed("", n, visit)
}

func walkLeavesPrefixed(prefix string, n *filelist.Node, visit func(relPath string, leaf *filelist.Node)) {
	for _, c := range n.Children {
		path := c.Name
		if prefix != "" {
			path = prefix + `\` + c.Name
		}
		if c.IsDir {
			walkLeavesPrefixed(path, c, visit)
			continue
		}
		visit(path, c)
	}
}
