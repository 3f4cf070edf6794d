// Package search implements $Search restriction parsing, the bloom
// pre-filter and TTH-lookup bypass, full-share term matching, and
// $SR response formatting.
package search

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/rufuscoder/shakespeer/internal/bloom"
	"github.com/rufuscoder/shakespeer/internal/share"
)

// DataType is the restriction's file-kind code, as carried on the
// wire. spec.md §8 scenario 4 pins code 1 to Audio (and, via §4.I's
// "T?T?<size>?9?TTH:<tth>" example, code 9 to TTH); the remaining
// codes follow the kind ordering spec.md §3 lists
// (audio/compressed/document/executable/image/movie/directory/any).
type DataType int

const (
	DataTypeAudio DataType = iota + 1
	DataTypeCompressed
	DataTypeDocument
	DataTypeExecutable
	DataTypePicture
	DataTypeVideo
	DataTypeFolder
	DataTypeAny
	DataTypeTTH
)

var dataTypeToKind = map[DataType]share.Kind{
	DataTypeAny:        share.KindAny,
	DataTypeAudio:      share.KindAudio,
	DataTypeCompressed: share.KindCompressed,
	DataTypeDocument:   share.KindDocument,
	DataTypeExecutable: share.KindExecutable,
	DataTypePicture:    share.KindImage,
	DataTypeVideo:      share.KindMovie,
	DataTypeFolder:     share.KindDirectory,
}

// Restriction is a parsed "$Search ... <restriction>" query.
type Restriction struct {
	HasSizeLimit bool
	IsMinimum    bool
	Size         int64
	DataType     DataType
	Pattern      string
	TTH          string // set when DataType == DataTypeTTH
}

// ParseRestriction parses "<has_size_limit>?<is_minimum>?<size>?<data_type>?<pattern>".
// On the wire the second field is "F" for a minimum-size search and
// "T" for a maximum-size one (spec.md §8 scenario 4: "T?F?10485760?1?foo bar"
// is a minimum-size search), so IsMinimum is the field's negation.
func ParseRestriction(s string) (Restriction, error) {
	fields := strings.SplitN(s, "?", 5)
	if len(fields) != 5 {
		return Restriction{}, errors.Errorf("search: malformed restriction %q", s)
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Restriction{}, errors.Wrapf(err, "search: bad size in %q", s)
	}
	dt, err := strconv.Atoi(fields[3])
	if err != nil {
		return Restriction{}, errors.Wrapf(err, "search: bad data type in %q", s)
	}
	r := Restriction{
		HasSizeLimit: fields[0] == "T",
		IsMinimum:    fields[1] == "F",
		Size:         size,
		DataType:     DataType(dt),
		Pattern:      fields[4],
	}
	if r.DataType == DataTypeTTH && strings.HasPrefix(r.Pattern, "TTH:") {
		r.TTH = strings.TrimPrefix(r.Pattern, "TTH:")
	}
	return r, nil
}

// Request is one parsed inbound search, independent of the hub
// session package that produced it.
type Request struct {
	From        string // "<host:port>" (active) or "Hub:<nick>" (passive)
	Restriction Restriction
}

// IsPassive reports whether the searcher wants $SR routed through the hub.
func (r Request) IsPassive() bool {
	return strings.HasPrefix(r.From, "Hub:")
}

// TargetNick returns the searching nick for a passive request.
func (r Request) TargetNick() string {
	return strings.TrimPrefix(r.From, "Hub:")
}

// IsSelf reports whether the request is our own search echoed back by
// the hub: matched by our own nick for passive searches, or our own
// host:port for active ones.
func (r Request) IsSelf(myNick, myHostPort string) bool {
	if r.IsPassive() {
		return r.TargetNick() == myNick
	}
	return r.From == myHostPort
}

// Engine answers search requests against a share index and its bloom filter.
type Engine struct {
	index *share.Index
	bloom *bloom.Filter
}

// NewEngine returns an Engine answering from index, pre-filtering term
// searches with flt.
func NewEngine(index *share.Index, flt *bloom.Filter) *Engine {
	return &Engine{index: index, bloom: flt}
}

// Answer returns the files in the share matching r. TTH lookups bypass
// both the bloom filter and the term scan.
func (e *Engine) Answer(r Restriction) []*share.File {
	if r.DataType == DataTypeTTH {
		if f, ok := e.index.LookupByTTH(r.TTH); ok {
			return []*share.File{f}
		}
		return nil
	}

	terms := strings.Fields(r.Pattern)
	if !e.passesBloom(terms) {
		return nil
	}

	wantKind, restrictKind := dataTypeToKind[r.DataType]
	restrictKind = restrictKind && r.DataType != DataTypeAny

	var out []*share.File
	for _, f := range e.index.AllHashed() {
		if restrictKind && f.Kind != wantKind {
			continue
		}
		if r.HasSizeLimit {
			if r.IsMinimum && f.Size < r.Size {
				continue
			}
			if !r.IsMinimum && f.Size > r.Size {
				continue
			}
		}
		if !matchesAllTerms(f.VirtualPath(), terms) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// passesBloom skips the full scan when any term of at least four code
// points is confirmed absent from the bloom filter; shorter terms are
// not tested.
func (e *Engine) passesBloom(terms []string) bool {
	if e.bloom == nil {
		return true
	}
	for _, term := range terms {
		if utf8.RuneCountInString(term) < 4 {
			continue
		}
		if !e.bloom.Test(term) {
			return false
		}
	}
	return true
}

func matchesAllTerms(path string, terms []string) bool {
	lower := strings.ToLower(path)
	for _, term := range terms {
		if !strings.Contains(lower, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

// FormatSR renders one $SR response. Passive search appends the
// target nick so the hub can route it back.
func FormatSR(me string, f *share.File, freeSlots, totalSlots int, hubName, ip string, port int, req Request) string {
	base := fmt.Sprintf("$SR %s %s\x05%d %d/%d\x05%s (%s:%d)",
		me, f.VirtualPath(), f.Size, freeSlots, totalSlots, hubName, ip, port)
	if req.IsPassive() {
		return base + "\x05" + req.TargetNick()
	}
	return base
}
