package filelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufuscoder/shakespeer/internal/legacyenc"
)

const xmlSample = `<?xml version="1.0" encoding="utf-8"?>
<FileListing>
  <Directory Name="source">
    <Directory Name="directory">
      <File Name="filen" Size="26577" TTH="AAAATTHAAAA"/>
      <File Name="filen2" Size="1234567" TTH="BBBBTTHBBBB"/>
      <Directory Name="subdir">
        <File Name="filen3" Size="2345678" TTH="CCCCTTHCCCC"/>
      </Directory>
    </Directory>
  </Directory>
</FileListing>`

func TestParseXMLMaterializesTree(t *testing.T) {
	root, err := ParseXML(strings.NewReader(xmlSample))
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	source := root.Children[0]
	assert.Equal(t, "source", source.Name)
	assert.True(t, source.IsDir)
}

func TestWalkXMLCallbackVisitsEveryFile(t *testing.T) {
	var got []string
	err := WalkXML(strings.NewReader(xmlSample), func(path, tth string, size int64) error {
		got = append(got, path)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		`source\directory\filen`,
		`source\directory\filen2`,
		`source\directory\subdir\filen3`,
	}, got)
}

func TestWriteXMLThenParseXMLRoundTrips(t *testing.T) {
	root := &Node{IsDir: true, Children: []*Node{
		{Name: "a.txt", Size: 10, TTH: "TTHA"},
		{Name: "sub", IsDir: true, Children: []*Node{
			{Name: "b.txt", Size: 20, TTH: "TTHB"},
		}},
	}}
	var buf strings.Builder
	require.NoError(t, WriteXML(&buf, root))

	reparsed, err := ParseXML(strings.NewReader(buf.String()))
	require.NoError(t, err)

	var triples [][3]interface{}
	require.NoError(t, WalkXML(strings.NewReader(buf.String()), func(path, tth string, size int64) error {
		triples = append(triples, [3]interface{}{path, tth, size})
		return nil
	}))
	assert.Len(t, triples, 2)
	assert.NotNil(t, reparsed)
}

func TestParseLegacyBuildsDepthTree(t *testing.T) {
	listing := "source\n\tfilen|26577\n\tfilen2|1234567\n\tsubdir\n\t\tfilen3|2345678\n"
	root, err := ParseLegacy(strings.NewReader(listing), legacyenc.UTF8)
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	source := root.Children[0]
	assert.True(t, source.IsDir)
	require.Len(t, source.Children, 3)
	assert.Equal(t, "filen", source.Children[0].Name)
	assert.EqualValues(t, 26577, source.Children[0].Size)
	subdir := source.Children[2]
	assert.True(t, subdir.IsDir)
	require.Len(t, subdir.Children, 1)
	assert.Equal(t, "filen3", subdir.Children[0].Name)
}

func TestWriteLegacyThenParseLegacyRoundTrips(t *testing.T) {
	root := &Node{IsDir: true, Children: []*Node{
		{Name: "top", IsDir: true, Children: []*Node{
			{Name: "leaf.bin", Size: 99},
		}},
	}}
	var buf strings.Builder
	require.NoError(t, WriteLegacy(&buf, root, legacyenc.UTF8))

	reparsed, err := ParseLegacy(strings.NewReader(buf.String()), legacyenc.UTF8)
	require.NoError(t, err)
	require.Len(t, reparsed.Children, 1)
	assert.Equal(t, "top", reparsed.Children[0].Name)
	require.Len(t, reparsed.Children[0].Children, 1)
	assert.EqualValues(t, 99, reparsed.Children[0].Children[0].Size)
}

// testBz2Content is a real bzip2 stream (produced with the bzip2 CLI)
// of the bytes "hello filelist test content\n".
var testBz2Content = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xf4, 0x87, 0xf6, 0xd8, 0x00, 0x00, 0x05, 0x51, 0x80, 0x00, 0x10, 0x40, 0x00, 0x0b, 0x65, 0x8c, 0x00, 0x20, 0x00, 0x21, 0xa9, 0x9a, 0x9a, 0x3c, 0x81, 0x03, 0x40, 0xd0, 0xc1, 0x70, 0x5a, 0x20, 0xd2, 0xa6, 0xc4, 0xc2, 0x96, 0x7b, 0x78, 0x21, 0xe8, 0xbb, 0x92, 0x29, 0xc2, 0x84, 0x87, 0xa4, 0x3f, 0xb6, 0xc0}

func TestDecompressBz2ProducesSiblingFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "files.xml.bz2")
	dst := filepath.Join(dir, "files.xml")
	require.NoError(t, os.WriteFile(src, testBz2Content, 0o644))

	require.NoError(t, DecompressBz2(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello filelist test content\n", string(got))
}

func TestDecompressBz2ReusesFreshCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "files.xml.bz2")
	dst := filepath.Join(dir, "files.xml")
	require.NoError(t, os.WriteFile(src, testBz2Content, 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("stale but newer than src"), 0o644))

	srcTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, srcTime, srcTime))

	require.NoError(t, DecompressBz2(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "stale but newer than src", string(got), "a fresh cache must not be overwritten")
}

func TestDecompressHuffmanIsUnsupported(t *testing.T) {
	err := DecompressHuffman("whatever.DcLst.bz2", "whatever.DcLst")
	assert.ErrorIs(t, err, ErrHuffmanUnsupported)
}
