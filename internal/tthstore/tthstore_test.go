package tthstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tth2.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestPutAndLookupTTH(t *testing.T) {
	s, _ := tempStore(t)
	defer s.Close()

	require.NoError(t, s.PutTTH("7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI", []byte{0, 0, 0, 0}))
	e, ok := s.LookupTTH("7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI")
	require.True(t, ok)
	assert.Equal(t, "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI", e.TTH)

	leaves, err := s.LoadLeafData("7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, leaves)
}

func TestPutInodeBecomesActiveClaimant(t *testing.T) {
	s, _ := tempStore(t)
	defer s.Close()

	const tth = "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI"
	require.NoError(t, s.PutTTH(tth, []byte{1}))
	require.NoError(t, s.PutInode(0x61529D00001A7B, 0x404E3394, tth))

	e, ok := s.LookupTTH(tth)
	require.True(t, ok)
	assert.Equal(t, uint64(0x61529D00001A7B), e.ActiveInode)

	rec, ok := s.LookupInode(0x61529D00001A7B)
	require.True(t, ok)
	assert.Equal(t, int64(0x404E3394), rec.Mtime)
	assert.Equal(t, tth, rec.TTH)
}

// TestReplayReconstructsState seeds a fresh log file directly (as if
// written by a prior process) and checks Open replays it faithfully —
// the deterministic seed/verify scenario for the TTH store.
func TestReplayReconstructsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tth2.db")
	const tth = "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI"
	seed := "+T:" + tth + ":AAAA\n" +
		"+I:61529d00001a7b:404e3394:" + tth + "\n"
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	e, ok := s.LookupTTH(tth)
	require.True(t, ok)
	assert.Equal(t, uint64(0x61529D00001A7B), e.ActiveInode)

	rec, ok := s.LookupInode(0x61529D00001A7B)
	require.True(t, ok)
	assert.Equal(t, tth, rec.TTH)
	assert.False(t, s.NeedsNormalization())
}

func TestLastInodeWriteWinsActiveClaim(t *testing.T) {
	s, _ := tempStore(t)
	defer s.Close()
	const tth = "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI"
	require.NoError(t, s.PutTTH(tth, []byte{1}))
	require.NoError(t, s.PutInode(1, 100, tth))
	require.NoError(t, s.PutInode(2, 200, tth))

	e, ok := s.LookupTTH(tth)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.ActiveInode)
}

func TestRemoveTTHAndInode(t *testing.T) {
	s, _ := tempStore(t)
	defer s.Close()
	const tth = "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI"
	require.NoError(t, s.PutTTH(tth, []byte{1}))
	require.NoError(t, s.PutInode(1, 100, tth))

	require.NoError(t, s.RemoveInode(1))
	_, ok := s.LookupInode(1)
	assert.False(t, ok)
	e, ok := s.LookupTTH(tth)
	require.True(t, ok)
	assert.Equal(t, uint64(0), e.ActiveInode)

	require.NoError(t, s.RemoveTTH(tth))
	_, ok = s.LookupTTH(tth)
	assert.False(t, ok)
}

func TestSetActiveInodeIsInMemoryOnly(t *testing.T) {
	s, path := tempStore(t)
	const tth = "7LSZUC3HXEND4AYW2KA2WRASRCRHN3GJSPHKVVI"
	require.NoError(t, s.PutTTH(tth, []byte{1}))
	require.NoError(t, s.PutInode(1, 100, tth))
	s.SetActiveInode(tth, 9)

	e, _ := s.LookupTTH(tth)
	assert.Equal(t, uint64(9), e.ActiveInode)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	e2, _ := s2.LookupTTH(tth)
	assert.Equal(t, uint64(1), e2.ActiveInode, "reopening replays the log, not the in-memory override")
}

func TestLoadLeafDataDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tth2.db")
	require.NoError(t, os.WriteFile(path, []byte("+T:AAAA:AAAA\n"), 0o644))
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	e, ok := s.LookupTTH("AAAA")
	require.True(t, ok)
	e.Offset = 999 // corrupt: points past the actual record
	s.byTTH["AAAA"] = &e

	_, err = s.LoadLeafData("AAAA")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenToleratesUnrecognizedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tth2.db")
	require.NoError(t, os.WriteFile(path, []byte("garbage line\n"), 0o644))
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.NeedsNormalization())
}
