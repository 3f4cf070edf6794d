// Package filelist parses and generates the two NMDC filelist formats
// a hub peer exchanges: the XML FileListing and the older line-based
// DcLst, plus their compressed (.bz2 / .DcLst-huffman) variants.
package filelist

import (
	"bufio"
	"compress/bzip2"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/legacyenc"
)

// ErrHuffmanUnsupported is returned by DecompressHuffman: the legacy
// HuffmanE3 codec is treated as an external collaborator with this
// single, stated failure mode.
var ErrHuffmanUnsupported = errors.New("filelist: HuffmanE3 (.DcLst compressed) decoding is not supported")

// Node is one entry of a materialized filelist tree: a file (leaf,
// TTH set) or a directory (Children populated).
type Node struct {
	Name     string
	Size     int64
	TTH      string
	IsDir    bool
	Children []*Node
}

// FileCallback receives one file's full '\'-separated path (relative
// to the filelist root), its TTH, and its size, during a Walk.
type FileCallback func(path, tth string, size int64) error

// --- XML FileListing ---

type xmlFileListing struct {
	XMLName xml.Name  `xml:"FileListing"`
	Dirs    []xmlDir  `xml:"Directory"`
	Files   []xmlFile `xml:"File"`
}

type xmlDir struct {
	Name  string    `xml:"Name,attr"`
	Dirs  []xmlDir  `xml:"Directory"`
	Files []xmlFile `xml:"File"`
}

type xmlFile struct {
	Name string `xml:"Name,attr"`
	Size int64  `xml:"Size,attr"`
	TTH  string `xml:"TTH,attr"`
}

// ParseXML materializes the full tree described by an XML FileListing.
func ParseXML(r io.Reader) (*Node, error) {
	var doc xmlFileListing
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "filelist: decode xml")
	}
	root := &Node{IsDir: true}
	appendXMLChildren(root, doc.Dirs, doc.Files)
	return root, nil
}

func appendXMLChildren(parent *Node, dirs []xmlDir, files []xmlFile) {
	for _, d := range dirs {
		child := &Node{Name: d.Name, IsDir: true}
		appendXMLChildren(child, d.Dirs, d.Files)
		parent.Children = append(parent.Children, child)
	}
	for _, f := range files {
		parent.Children = append(parent.Children, &Node{Name: f.Name, Size: f.Size, TTH: f.TTH})
	}
}

// WalkXML decodes an XML FileListing and invokes cb for every file
// with its full '\'-joined path, building no Node tree. Used when
// resolving a queued directory, where only (path, tth, size) matter.
// The whole document is decoded into memory before the first callback;
// the input is not streamed.
func WalkXML(r io.Reader, cb FileCallback) error {
	var doc xmlFileListing
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return errors.Wrap(err, "filelist: decode xml")
	}
	return walkXMLChildren("", doc.Dirs, doc.Files, cb)
}

func walkXMLChildren(prefix string, dirs []xmlDir, files []xmlFile, cb FileCallback) error {
	for _, d := range dirs {
		path := d.Name
		if prefix != "" {
			path = prefix + `\` + d.Name
		}
		if err := walkXMLChildren(path, d.Dirs, d.Files, cb); err != nil {
			return err
		}
	}
	for _, f := range files {
		path := f.Name
		if prefix != "" {
			path = prefix + `\` + f.Name
		}
		if err := cb(path, f.TTH, f.Size); err != nil {
			return err
		}
	}
	return nil
}

// WriteXML writes root's children as a sorted XML FileListing: paths
// use '\' separators, sizes are decimal, TTHs are Base32 (already the
// form Node.TTH is expected to hold).
func WriteXML(w io.Writer, root *Node) error {
	doc := xmlFileListing{}
	doc.Dirs, doc.Files = buildXML(root)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return enc.Encode(doc)
}

func buildXML(n *Node) ([]xmlDir, []xmlFile) {
	children := append([]*Node(nil), n.Children...)
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	var dirs []xmlDir
	var files []xmlFile
	for _, c := range children {
		if c.IsDir {
			d := xmlDir{Name: c.Name}
			d.Dirs, d.Files = buildXML(c)
			dirs = append(dirs, d)
		} else {
			files = append(files, xmlFile{Name: c.Name, Size: c.Size, TTH: c.TTH})
		}
	}
	return dirs, files
}

// --- Legacy DcLst ---

// ParseLegacy parses a tab-indented, '|size'-suffixed DcLst listing.
// Lines are decoded from codec (normally Windows-1252) to UTF-8
// lossily, matching the legacy encoding boundary the rest of the
// engine relies on.
func ParseLegacy(r io.Reader, codec legacyenc.Codec) (*Node, error) {
	root := &Node{IsDir: true}
	stack := []*Node{root}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		depth := 0
		for depth < len(raw) && raw[depth] == '\t' {
			depth++
		}
		line := legacyenc.ToUTF8Lossy(raw[depth:], codec)
		if line == "" {
			continue
		}
		if depth+1 > len(stack) {
			depth = len(stack) - 1
		}
		parent := stack[depth]
		stack = stack[:depth+1]

		if idx := strings.LastIndexByte(line, '|'); idx >= 0 {
			size, err := strconv.ParseInt(line[idx+1:], 10, 64)
			if err == nil {
				node := &Node{Name: line[:idx], Size: size}
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		node := &Node{Name: line, IsDir: true}
		parent.Children = append(parent.Children, node)
		stack = append(stack, node)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "filelist: scan legacy listing")
	}
	return root, nil
}

// WriteLegacy renders root's children as a tab-indented DcLst listing
// in codec (normally Windows-1252).
func WriteLegacy(w io.Writer, root *Node, codec legacyenc.Codec) error {
	return writeLegacyNode(w, root, 0, codec)
}

func writeLegacyNode(w io.Writer, n *Node, depth int, codec legacyenc.Codec) error {
	children := append([]*Node(nil), n.Children...)
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	for _, c := range children {
		prefix := strings.Repeat("\t", depth)
		var line string
		if c.IsDir {
			line = prefix + c.Name
		} else {
			line = fmt.Sprintf("%s%s|%d", prefix, c.Name, c.Size)
		}
		if _, err := w.Write(append(legacyenc.FromUTF8Escaped(line, codec), '\n')); err != nil {
			return err
		}
		if c.IsDir {
			if err := writeLegacyNode(w, c, depth+1, codec); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Compression ---

// DecompressBz2 decompresses src (a .bz2 file) into a sibling file at
// dstPath, reusing an existing dstPath when its mtime is not older
// than src's.
func DecompressBz2(srcPath, dstPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return errors.Wrapf(err, "filelist: stat %s", srcPath)
	}
	if dstInfo, err := os.Stat(dstPath); err == nil && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		return nil
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "filelist: open %s", srcPath)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "filelist: create %s", dstPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, bzip2.NewReader(src)); err != nil {
		return errors.Wrapf(err, "filelist: bunzip2 %s", srcPath)
	}
	return nil
}

// DecompressHuffman always fails: the legacy HuffmanE3 codec used by
// compressed .DcLst filelists is out of scope.
func DecompressHuffman(srcPath, dstPath string) error {
	return ErrHuffmanUnsupported
}
