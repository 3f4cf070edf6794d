// Package share implements the share index: mount points, the
// hashed/unhashed file trees, the inode table used for dedup, and the
// bridge between a filesystem scan, the TTH store and the filename
// bloom filter.
package share

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/bloom"
	"github.com/rufuscoder/shakespeer/internal/notify"
	"github.com/rufuscoder/shakespeer/internal/splog"
	"github.com/rufuscoder/shakespeer/internal/tthstore"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("share: not found")

// ErrUnknownMount is returned when a virtual root has no mountpoint.
var ErrUnknownMount = errors.New("share: unknown mountpoint")

// Kind classifies a shared file by extension, mirroring the front
// end's filter categories.
type Kind int

const (
	KindAny Kind = iota
	KindAudio
	KindCompressed
	KindDocument
	KindExecutable
	KindImage
	KindMovie
	KindDirectory
)

var extKinds = map[string]Kind{
	".mp3": KindAudio, ".flac": KindAudio, ".ogg": KindAudio, ".wav": KindAudio,
	".zip": KindCompressed, ".rar": KindCompressed, ".7z": KindCompressed, ".gz": KindCompressed,
	".txt": KindDocument, ".pdf": KindDocument, ".doc": KindDocument, ".nfo": KindDocument,
	".exe": KindExecutable, ".bin": KindExecutable, ".sh": KindExecutable,
	".jpg": KindImage, ".jpeg": KindImage, ".png": KindImage, ".gif": KindImage,
	".avi": KindMovie, ".mkv": KindMovie, ".mp4": KindMovie,
}

// KindOf classifies name by its extension.
func KindOf(name string) Kind {
	if k, ok := extKinds[strings.ToLower(filepath.Ext(name))]; ok {
		return k
	}
	return KindAny
}

// Mountpoint is one local root shared under a virtual name.
type Mountpoint struct {
	LocalRoot   string
	VirtualRoot string

	Scanning    bool
	Tombstoned  bool

	TotalBytes  int64
	HashedBytes int64
	DupBytes    int64
	TotalCount  int
	HashedCount int
	DupCount    int
}

// File is one file known to the share index, in either the hashed or
// the unhashed tree.
type File struct {
	Mount        *Mountpoint
	PathFragment string // below Mount.LocalRoot, using the OS separator
	Kind         Kind
	Size         int64
	Inode        uint64
	Mtime        int64
	TTH          string // empty until hashed
}

// LocalPath returns the file's absolute local path.
func (f *File) LocalPath() string {
	return filepath.Join(f.Mount.LocalRoot, f.PathFragment)
}

// VirtualPath returns the file's peer-visible path, '\'-separated.
func (f *File) VirtualPath() string {
	frag := strings.ReplaceAll(f.PathFragment, string(filepath.Separator), `\`)
	return f.Mount.VirtualRoot + `\` + frag
}

// Stats aggregates every mountpoint's counters.
type Stats struct {
	TotalBytes, HashedBytes, DupBytes          int64
	TotalCount, HashedCount, DupCount          int
}

// Index is the live share: mountpoints, the hashed/unhashed trees, the
// inode table, and the bloom filter and TTH store it keeps in sync.
type Index struct {
	mu sync.Mutex

	mounts map[string]*Mountpoint // by VirtualRoot

	hashed   map[string]*File // by virtual path
	unhashed map[string]*File // by virtual path
	byInode  map[uint64]*File
	byLocal  map[string]*File
	byTTH    map[string]*File

	store *tthstore.Store
	bloom *bloom.Filter
	bus   *notify.Bus
}

// NewIndex builds an Index over an already-open TTH store and bloom
// filter, wiring itself to the bus's tth-available topic.
func NewIndex(store *tthstore.Store, flt *bloom.Filter, bus *notify.Bus) *Index {
	idx := &Index{
		mounts:   make(map[string]*Mountpoint),
		hashed:   make(map[string]*File),
		unhashed: make(map[string]*File),
		byInode:  make(map[uint64]*File),
		byLocal:  make(map[string]*File),
		byTTH:    make(map[string]*File),
		store:    store,
		bloom:    flt,
		bus:      bus,
	}
	if bus != nil {
		bus.Subscribe(notify.TopicTTHAvailable, idx.handleTTHAvailable)
	}
	return idx
}

// AddMountpoint registers a local root under a virtual name. The
// caller should follow with Rescan to populate it.
func (idx *Index) AddMountpoint(localRoot, virtualRoot string) (*Mountpoint, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.mounts[virtualRoot]; exists {
		return nil, errors.Errorf("share: virtual root %q already mounted", virtualRoot)
	}
	m := &Mountpoint{LocalRoot: filepath.Clean(localRoot), VirtualRoot: virtualRoot}
	idx.mounts[virtualRoot] = m
	return m, nil
}

// RemoveMountpoint tombstones a mountpoint, removes every file it owns
// from all indices, and publishes did-remove-share.
func (idx *Index) RemoveMountpoint(virtualRoot string) error {
	idx.mu.Lock()
	m, ok := idx.mounts[virtualRoot]
	if !ok {
		idx.mu.Unlock()
		return ErrUnknownMount
	}
	m.Tombstoned = true
	for vp, f := range idx.hashed {
		if f.Mount == m {
			delete(idx.hashed, vp)
			delete(idx.byInode, f.Inode)
			delete(idx.byLocal, f.LocalPath())
			delete(idx.byTTH, f.TTH)
		}
	}
	for vp, f := range idx.unhashed {
		if f.Mount == m {
			delete(idx.unhashed, vp)
			delete(idx.byLocal, f.LocalPath())
		}
	}
	delete(idx.mounts, virtualRoot)
	idx.mu.Unlock()

	if idx.bus != nil {
		idx.bus.Publish(notify.TopicDidRemoveShare, virtualRoot)
	}
	return nil
}

// Rescan walks a mountpoint's local root depth-first. Regular files
// whose inode the TTH store already knows at a matching mtime go
// straight into the hashed tree; everything else lands unhashed for
// the hasher to pick up. A second sighting of an already-claimed
// active inode is counted as a duplicate and discarded.
func (idx *Index) Rescan(virtualRoot string) error {
	idx.mu.Lock()
	m, ok := idx.mounts[virtualRoot]
	if !ok {
		idx.mu.Unlock()
		return ErrUnknownMount
	}
	m.Scanning = true
	root := m.LocalRoot
	idx.mu.Unlock()

	defer func() {
		idx.mu.Lock()
		m.Scanning = false
		idx.mu.Unlock()
		if idx.bus != nil {
			idx.bus.Publish(notify.TopicShareScanFinished, virtualRoot)
		}
	}()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		idx.mu.Lock()
		tombstoned := m.Tombstoned
		idx.mu.Unlock()
		if tombstoned {
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			splog.Errorf(path, "stat during scan: %v", err)
			return nil
		}
		idx.observeFile(m, root, path, info)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "share: scan %s", root)
	}
	return nil
}

func (idx *Index) observeFile(m *Mountpoint, root, path string, info os.FileInfo) {
	inode, ok := inodeOf(info)
	if !ok {
		return
	}
	frag := strings.TrimPrefix(strings.TrimPrefix(path, root), string(filepath.Separator))

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, dup := idx.byInode[inode]; dup && existing.Mount == m {
		m.DupCount++
		m.DupBytes += info.Size()
		return
	}

	f := &File{
		Mount:        m,
		PathFragment: frag,
		Kind:         KindOf(path),
		Size:         info.Size(),
		Inode:        inode,
		Mtime:        info.ModTime().Unix(),
	}
	m.TotalCount++
	m.TotalBytes += f.Size
	idx.byLocal[f.LocalPath()] = f

	if rec, known := idx.store.LookupInode(inode); known && rec.Mtime == f.Mtime {
		f.TTH = rec.TTH
		idx.hashed[f.VirtualPath()] = f
		idx.byInode[inode] = f
		idx.byTTH[f.TTH] = f
		m.HashedCount++
		m.HashedBytes += f.Size
		idx.bloom.Add(filepath.Base(path))
		return
	}
	idx.unhashed[f.VirtualPath()] = f
}

// handleTTHAvailable is the tth-available subscriber: it moves a file
// from unhashed to hashed, or drops it on a read error (tth == "").
func (idx *Index) handleTTHAvailable(event interface{}) {
	ev, ok := event.(TTHAvailableEvent)
	if !ok {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var f *File
	for vp, cand := range idx.unhashed {
		if cand.Inode == ev.Inode {
			f = cand
			delete(idx.unhashed, vp)
			break
		}
	}
	if f == nil {
		return
	}
	if ev.TTH == "" {
		delete(idx.byLocal, f.LocalPath())
		f.Mount.TotalCount--
		f.Mount.TotalBytes -= f.Size
		return
	}
	f.TTH = ev.TTH
	idx.hashed[f.VirtualPath()] = f
	idx.byInode[ev.Inode] = f
	idx.byTTH[ev.TTH] = f
	f.Mount.HashedCount++
	f.Mount.HashedBytes += f.Size
	idx.bloom.Add(filepath.Base(f.PathFragment))

	_ = idx.store.PutTTH(ev.TTH, ev.Leaves)
	_ = idx.store.PutInode(ev.Inode, f.Mtime, ev.TTH)
	if idx.bus != nil {
		idx.bus.Publish(notify.TopicHashingComplete, f.VirtualPath())
	}
}

// TTHAvailableEvent is the payload of the tth-available topic.
type TTHAvailableEvent struct {
	Inode  uint64
	TTH    string // empty means "hashing failed, drop the file"
	Leaves []byte
	Path   string
}

// LookupByLocalPath finds a file (hashed or unhashed) by absolute
// local path.
func (idx *Index) LookupByLocalPath(path string) (*File, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.byLocal[filepath.Clean(path)]
	return f, ok
}

// LookupByInode finds a hashed file by its claimed inode.
func (idx *Index) LookupByInode(inode uint64) (*File, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.byInode[inode]
	return f, ok
}

// LookupByVirtualPath finds a file (hashed or unhashed) by the path a
// peer would see.
func (idx *Index) LookupByVirtualPath(virtual string) (*File, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if f, ok := idx.hashed[virtual]; ok {
		return f, true
	}
	f, ok := idx.unhashed[virtual]
	return f, ok
}

// LookupByTTH finds a hashed file by its content hash.
func (idx *Index) LookupByTTH(tth string) (*File, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, ok := idx.byTTH[tth]
	return f, ok
}

// AllHashed returns every hashed file, for the search engine's full scan.
func (idx *Index) AllHashed() []*File {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*File, 0, len(idx.hashed))
	for _, f := range idx.hashed {
		out = append(out, f)
	}
	return out
}

// LocalToVirtual translates an absolute local path into its virtual
// (peer-visible) form, if it falls under a known mountpoint.
func (idx *Index) LocalToVirtual(localPath string) (string, error) {
	if f, ok := idx.LookupByLocalPath(localPath); ok {
		return f.VirtualPath(), nil
	}
	return "", ErrNotFound
}

// NextUnhashed returns up to n files from the unhashed tree for the
// hasher to pick up next. Order is unspecified and may differ between
// calls on an unchanged index.
func (idx *Index) NextUnhashed(n int) []*File {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]*File, 0, n)
	for _, f := range idx.unhashed {
		if len(out) >= n {
			break
		}
		out = append(out, f)
	}
	return out
}

// Stats sums every mountpoint's counters.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var s Stats
	for _, m := range idx.mounts {
		s.TotalBytes += m.TotalBytes
		s.HashedBytes += m.HashedBytes
		s.DupBytes += m.DupBytes
		s.TotalCount += m.TotalCount
		s.HashedCount += m.HashedCount
		s.DupCount += m.DupCount
	}
	return s
}

// inodeOf extracts the platform inode number from a FileInfo. Returns
// false if the platform's Sys() value isn't the expected stat type.
func inodeOf(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Ino), true
}
