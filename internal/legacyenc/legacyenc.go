// Package legacyenc isolates the legacy code page <-> UTF-8 boundary.
// Everything on the engine side of this package deals only in UTF-8;
// everything on the wire side is whatever code page the hub or peer
// negotiated.
//
// golang.org/x/text/encoding/charmap is the ecosystem-standard way to
// talk a legacy Windows code page in Go, and is what this package
// leans on for the lossy filename transforms that boundary requires.
package legacyenc

import (
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Codec names the legacy encoding a hub or filelist declares.
type Codec string

const (
	Windows1252 Codec = "windows-1252"
	UTF8        Codec = "utf-8"
)

func (c Codec) encoding() encoding.Encoding {
	switch c {
	case Windows1252:
		return charmap.Windows1252
	default:
		return encoding.Nop
	}
}

// ToUTF8Lossy decodes raw bytes from the given legacy codec to UTF-8.
// Bytes with no codec mapping are substituted with U+FFFD by the
// underlying charmap decoder rather than failing: this boundary never
// returns an error for malformed input.
func ToUTF8Lossy(raw []byte, codec Codec) string {
	dec := codec.encoding().NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		// The charmap decoder already replaces invalid bytes; a hard
		// error here means a transform bug, not bad input. Fall back
		// to returning the raw bytes reinterpreted as UTF-8 so callers
		// always get a string instead of having to handle an error.
		return string(raw)
	}
	return string(out)
}

// FromUTF8Escaped encodes a UTF-8 string to the given legacy codec,
// escaping code points the codec cannot represent as NMDC numeric
// entities ("&#NNN;").
func FromUTF8Escaped(s string, codec Codec) []byte {
	enc := codec.encoding().NewEncoder()
	var out []byte
	for _, r := range s {
		chunk, err := enc.Bytes([]byte(string(r)))
		if err != nil || len(chunk) == 0 {
			out = append(out, []byte("&#"+strconv.Itoa(int(r))+";")...)
			continue
		}
		out = append(out, chunk...)
	}
	return out
}

// UnescapeEntities reverses the numeric-entity escaping FromUTF8Escaped
// applies, used when decoding a peer's escaped nick or path back to a
// rune.
func UnescapeEntities(s string) string {
	if !strings.Contains(s, "&#") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '&' && strings.HasPrefix(s[i:], "&#") {
			end := strings.IndexByte(s[i:], ';')
			if end > 2 {
				if n, err := strconv.Atoi(s[i+2 : i+end]); err == nil {
					b.WriteRune(rune(n))
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
