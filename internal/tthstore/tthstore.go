// Package tthstore implements the append-only TTH database
// (tth2.db): a text log mapping content hash -> leaf data and
// inode -> (mtime, TTH), replayed into memory at open and never
// rewritten in place.
package tthstore

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/splog"
)

// ErrStoreIO is wrapped into errors caused by the backing file being
// unreadable or unwritable.
var ErrStoreIO = errors.New("tthstore: backing file error")

// ErrCorrupt is wrapped into errors raised when a +T record doesn't
// match what the in-memory index expects of it.
var ErrCorrupt = errors.New("tthstore: corrupt record")

// Entry is one TTH's in-memory record: where its leaf data lives in
// the log and which inode currently claims it.
type Entry struct {
	TTH         string
	Offset      int64 // byte offset of the +T line in the log, -1 if none yet
	ActiveInode uint64

	leaves []byte // lazily populated by LoadLeafData
}

// InodeRecord is one inode's cached hashing result.
type InodeRecord struct {
	Inode uint64
	Mtime int64
	TTH   string
}

// Store is the open, replayed TTH database.
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File

	byTTH   map[string]*Entry
	byInode map[uint64]*InodeRecord

	nextOffset         int64
	needsNormalization bool
}

// Open replays the log at path (creating it if absent) and returns a
// ready Store. Lines of an unrecognized shape are tolerated and flag
// the store for future normalization.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrStoreIO, "open %s: %v", path, err)
	}
	s := &Store{
		path:    path,
		f:       f,
		byTTH:   make(map[string]*Entry),
		byInode: make(map[uint64]*InodeRecord),
	}
	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the backing log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *Store) replay() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	r := bufio.NewReader(s.f)
	var offset int64
	for {
		line, err := r.ReadString('\n')
		lineLen := int64(len(line))
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			s.applyLine(trimmed, offset)
		}
		offset += lineLen
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(ErrStoreIO, err.Error())
		}
	}
	s.nextOffset = offset
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(ErrStoreIO, err.Error())
	}
	return nil
}

func (s *Store) applyLine(line string, offset int64) {
	parts := strings.SplitN(line, ":", 3)
	switch {
	case strings.HasPrefix(line, "+T:"):
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			s.needsNormalization = true
			return
		}
		tth := fields[1]
		e := s.byTTH[tth]
		if e == nil {
			e = &Entry{TTH: tth}
			s.byTTH[tth] = e
		}
		e.Offset = offset
		e.leaves = nil
	case strings.HasPrefix(line, "+I:"):
		fields := strings.SplitN(line, ":", 4)
		if len(fields) != 4 {
			s.needsNormalization = true
			return
		}
		inode, err1 := strconv.ParseUint(fields[1], 16, 64)
		mtime, err2 := strconv.ParseInt(fields[2], 16, 64)
		tth := fields[3]
		if err1 != nil || err2 != nil {
			s.needsNormalization = true
			return
		}
		s.byInode[inode] = &InodeRecord{Inode: inode, Mtime: mtime, TTH: tth}
		e := s.byTTH[tth]
		if e == nil {
			e = &Entry{TTH: tth, Offset: -1}
			s.byTTH[tth] = e
		}
		e.ActiveInode = inode // last write in log order wins
	case strings.HasPrefix(line, "-T:"):
		if len(parts) < 2 {
			s.needsNormalization = true
			return
		}
		tth := strings.TrimPrefix(line, "-T:")
		delete(s.byTTH, tth)
		s.needsNormalization = true
	case strings.HasPrefix(line, "-I:"):
		hexInode := strings.TrimPrefix(line, "-I:")
		inode, err := strconv.ParseUint(hexInode, 16, 64)
		if err != nil {
			s.needsNormalization = true
			return
		}
		if rec, ok := s.byInode[inode]; ok {
			if e := s.byTTH[rec.TTH]; e != nil && e.ActiveInode == inode {
				e.ActiveInode = 0
			}
			delete(s.byInode, inode)
		}
		s.needsNormalization = true
	default:
		s.needsNormalization = true
	}
}

func (s *Store) appendLine(line string) (offset int64, err error) {
	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return 0, errors.Wrap(ErrStoreIO, err.Error())
	}
	offset = s.nextOffset
	n, err := s.f.WriteString(line + "\n")
	if err != nil {
		return 0, errors.Wrapf(ErrStoreIO, "append %s: %v", s.path, err)
	}
	s.nextOffset += int64(n)
	return offset, nil
}

// PutTTH records leaf data for tth, appending a +T line. leaves is the
// raw (un-encoded) leaf byte stream; it is stored Base64 on the wire
// of the log.
func (s *Store) PutTTH(tth string, leaves []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	encoded := base64.StdEncoding.EncodeToString(leaves)
	offset, err := s.appendLine(fmt.Sprintf("+T:%s:%s", tth, encoded))
	if err != nil {
		return err
	}
	s.byTTH[tth] = &Entry{TTH: tth, Offset: offset, leaves: leaves}
	return nil
}

// PutInode records that inode was last seen at mtime hashing to tth,
// and becomes that TTH's active inode.
func (s *Store) PutInode(inode uint64, mtime int64, tth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appendLine(fmt.Sprintf("+I:%x:%x:%s", inode, mtime, tth)); err != nil {
		return err
	}
	s.byInode[inode] = &InodeRecord{Inode: inode, Mtime: mtime, TTH: tth}
	e := s.byTTH[tth]
	if e == nil {
		e = &Entry{TTH: tth, Offset: -1}
		s.byTTH[tth] = e
	}
	e.ActiveInode = inode
	return nil
}

// RemoveTTH drops a TTH from the store.
func (s *Store) RemoveTTH(tth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appendLine("-T:" + tth); err != nil {
		return err
	}
	delete(s.byTTH, tth)
	return nil
}

// RemoveInode drops an inode's hashing record, clearing
// its TTH's active-inode claim if it was the holder.
func (s *Store) RemoveInode(inode uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.appendLine(fmt.Sprintf("-I:%x", inode)); err != nil {
		return err
	}
	if rec, ok := s.byInode[inode]; ok {
		if e := s.byTTH[rec.TTH]; e != nil && e.ActiveInode == inode {
			e.ActiveInode = 0
		}
		delete(s.byInode, inode)
	}
	return nil
}

// SetActiveInode reassigns which inode is the active claimant of tth,
// mutating only the in-memory entry. Used by the share index when the previous claimant is
// no longer shared.
func (s *Store) SetActiveInode(tth string, inode uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.byTTH[tth]; e != nil {
		e.ActiveInode = inode
	}
}

// LookupTTH returns the in-memory entry for tth, if any.
func (s *Store) LookupTTH(tth string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTTH[tth]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// LookupInode returns the cached hashing record for inode, if any.
func (s *Store) LookupInode(inode uint64) (InodeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byInode[inode]
	if !ok {
		return InodeRecord{}, false
	}
	return *rec, true
}

// NeedsNormalization reports whether replay tolerated an unrecognized
// line or applied a -T/-I record; compaction
// itself is a separate offline step.
func (s *Store) NeedsNormalization() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsNormalization
}

// LoadLeafData returns the decoded leaf bytes for tth, seeking to the
// recorded offset and decoding on first use. A recorded offset whose
// line doesn't actually start with "+T:<tth>:" is corruption.
func (s *Store) LoadLeafData(tth string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byTTH[tth]
	if !ok || e.Offset < 0 {
		return nil, errors.Wrapf(ErrCorrupt, "no leaf data recorded for %s", tth)
	}
	if e.leaves != nil {
		return e.leaves, nil
	}
	if _, err := s.f.Seek(e.Offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	line, err := bufio.NewReader(s.f).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(ErrStoreIO, err.Error())
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, ":", 3)
	if len(fields) != 3 || fields[0] != "+T" || fields[1] != tth {
		return nil, errors.Wrapf(ErrCorrupt, "offset %d does not hold +T:%s", e.Offset, tth)
	}
	leaves, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "leaf data for %s: %v", tth, err)
	}
	e.leaves = leaves
	splog.Debugf(tth, "loaded %d bytes of leaf data from offset %d", len(leaves), e.Offset)
	return leaves, nil
}
