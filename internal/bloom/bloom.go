// Package bloom implements the share's filename Bloom filter: an
// approximate "definitely not here" test consulted before the search
// engine bothers walking the share tree.
package bloom

import (
	"strings"
	"sync"
	"unicode"

	"github.com/rufuscoder/shakespeer/internal/tigertree"
)

// delimiters split a filename into subkeys before windowing.
const delimiters = "$.-_()[]{} \t\n\r"

// windowSize is the number of code points hashed together per window.
const windowSize = 4

// bitsPerWindow is the number of bits a single window sets (or tests).
const bitsPerWindow = 5

// highFillThreshold is the fill ratio past which the share index should
// recreate the filter at double the length.
const highFillThreshold = 0.70

// Filter is a fixed-size bit array with five-hash insertion, sized in
// bytes (so NewFilter(lengthBytes) gives lengthBytes*8 usable bits).
type Filter struct {
	mu         sync.RWMutex
	bits       []byte
	nbits      int
	bitsSet    int
	collisions uint64
}

// NewFilter allocates a filter with the given byte length.
func NewFilter(lengthBytes int) *Filter {
	if lengthBytes <= 0 {
		lengthBytes = 1
	}
	return &Filter{bits: make([]byte, lengthBytes), nbits: lengthBytes * 8}
}

// Add inserts every window of every qualifying subkey of name.
func (f *Filter) Add(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, positions := range windowPositions(name, f.nbits) {
		already := true
		for _, p := range positions {
			if !f.testBitLocked(p) {
				already = false
			}
			f.setBitLocked(p)
		}
		if already {
			f.collisions++
		}
	}
}

// Test reports whether name could possibly be present: it returns
// false only when some window's bits prove it is absent. Test sets no
// bits.
func (f *Filter) Test(query string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, positions := range windowPositions(query, f.nbits) {
		for _, p := range positions {
			if !f.testBitLocked(p) {
				return false
			}
		}
	}
	return true
}

// windowPositions yields, for every subkey of at least windowSize code
// points, the bit positions of every overlapping window of that subkey.
func windowPositions(s string, nbits int) [][bitsPerWindow]int {
	var out [][bitsPerWindow]int
	for _, subkey := range splitSubkeys(s) {
		runes := []rune(subkey)
		if len(runes) < windowSize {
			continue
		}
		for i := 0; i+windowSize <= len(runes); i++ {
			window := strings.ToLower(string(runes[i : i+windowSize]))
			out = append(out, hashWindow(window, nbits))
		}
	}
	return out
}

func splitSubkeys(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delimiters, r) || unicode.IsSpace(r)
	})
}

// hashWindow Tiger-hashes a single 4-code-point window and slices the
// digest into five 32-bit values, each reduced modulo nbits.
func hashWindow(window string, nbits int) [bitsPerWindow]int {
	h := tigertree.New()
	_, _ = h.Write([]byte(window))
	digest := h.Sum(nil)

	var positions [bitsPerWindow]int
	for i := 0; i < bitsPerWindow; i++ {
		off := i * 4
		if off+4 > len(digest) {
			off = len(digest) - 4
		}
		v := uint32(digest[off]) | uint32(digest[off+1])<<8 | uint32(digest[off+2])<<16 | uint32(digest[off+3])<<24
		positions[i] = int(v) % nbits
	}
	return positions
}

func (f *Filter) testBitLocked(pos int) bool {
	return f.bits[pos/8]&(1<<uint(pos%8)) != 0
}

func (f *Filter) setBitLocked(pos int) {
	idx, mask := pos/8, byte(1<<uint(pos%8))
	if f.bits[idx]&mask == 0 {
		f.bits[idx] |= mask
		f.bitsSet++
	}
}

// FillPercent returns the fraction of bits currently set, in [0,1].
func (f *Filter) FillPercent() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.nbits == 0 {
		return 0
	}
	return float64(f.bitsSet) / float64(f.nbits)
}

// NeedsGrowth reports whether fill has crossed the 70% threshold and
// the filter should be recreated at double the length.
func (f *Filter) NeedsGrowth() bool {
	return f.FillPercent() > highFillThreshold
}

// Collisions returns the number of windows, summed over all Add calls,
// whose five target bits were already all set (an approximate
// per-window collision counter).
func (f *Filter) Collisions() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.collisions
}

// LengthBytes returns the filter's current size in bytes.
func (f *Filter) LengthBytes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.bits)
}

// Grown returns a new, empty Filter at double this one's length, ready
// for the caller to re-Add every shared basename into.
func (f *Filter) Grown() *Filter {
	return NewFilter(f.LengthBytes() * 2)
}
