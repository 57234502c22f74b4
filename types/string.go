// Package types implements the Dis VM's intrinsic aggregate types:
// String, Array, List and Channel (§3 "Intrinsic aggregates").
package types

import "unicode/utf8"

// String is the Dis VM's UTF-8 logical string. It is immutable once more
// than one reference exists; a single-owner string may be mutated in
// place by the runtime's "addc" append optimisation (see Append).
//
// Content is stored either as a byte buffer (every codepoint is ASCII)
// or a rune buffer (32-bit codepoints, used as soon as any non-ASCII
// codepoint is assigned). Conversion from byte to rune form happens
// lazily on first non-ASCII assignment — grounded on
// original_source/src/vm/string.cpp's ascii/rune "character size"
// scenario matrix.
type String struct {
	// runes holds the codepoints once the string has gone wide
	// (non-nil implies wide form). bytes holds ASCII-only content
	// (non-nil implies narrow form). Exactly one of the two is set
	// for a non-empty string; both nil represents the empty string.
	bytes []byte
	runes []rune

	// encodedCache is the lazily produced UTF-8 encoding, for emission
	// as a C-style string to built-ins. Invalidated by any mutation.
	encodedCache []byte
}

// MaxASCII is the highest codepoint value that still fits the narrow
// (byte) representation; the spec's "max_ascii" threshold used by
// Insert/SetRune to decide whether to widen a string.
const MaxASCII = 0x7F

// NewString builds a String from Go source text, choosing narrow or
// wide storage based on its content.
func NewString(s string) *String {
	out := &String{}
	out.setFromRunes([]rune(s))
	return out
}

// Empty returns a new, empty String.
func Empty() *String { return &String{} }

func (s *String) setFromRunes(rs []rune) {
	wide := false
	for _, r := range rs {
		if r > MaxASCII {
			wide = true
			break
		}
	}
	s.encodedCache = nil
	if wide {
		s.runes = append([]rune(nil), rs...)
		s.bytes = nil
		return
	}
	b := make([]byte, len(rs))
	for i, r := range rs {
		b[i] = byte(r)
	}
	s.bytes = b
	s.runes = nil
}

// Len returns the codepoint length (not byte length).
func (s *String) Len() int {
	if s.runes != nil {
		return len(s.runes)
	}
	return len(s.bytes)
}

// IsWide reports whether the string is stored in rune (wide) form.
func (s *String) IsWide() bool { return s.runes != nil }

// RuneAt returns the codepoint at codepoint index i.
func (s *String) RuneAt(i int) rune {
	if s.runes != nil {
		return s.runes[i]
	}
	return rune(s.bytes[i])
}

// Runes materialises the string's codepoints, regardless of storage form.
func (s *String) Runes() []rune {
	if s.runes != nil {
		return append([]rune(nil), s.runes...)
	}
	out := make([]rune, len(s.bytes))
	for i, b := range s.bytes {
		out[i] = rune(b)
	}
	return out
}

// String returns the Go string rendering (UTF-8 encoded).
func (s *String) String() string {
	return string(s.Runes())
}

// Encoded returns the lazily-cached UTF-8 encoding of the string, for
// handing to built-ins that expect a C-style byte buffer.
func (s *String) Encoded() []byte {
	if s.encodedCache == nil {
		s.encodedCache = []byte(s.String())
	}
	return s.encodedCache
}

// Compare implements §3's lexicographic-over-codepoints ordering with
// length as a tiebreaker, and §4.D's string-ops contract: compare is
// transparent to ASCII/rune promotion. Grounded on
// original_source/src/vm/string.cpp's vm_string_t::compare.
func Compare(a, b *String) int {
	la, lb := 0, 0
	if a != nil {
		la = a.Len()
	}
	if b != nil {
		lb = b.Len()
	}
	min := la
	if lb < min {
		min = lb
	}
	for i := 0; i < min; i++ {
		ca, cb := a.RuneAt(i), b.RuneAt(i)
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	return la - lb
}

// Slice returns the codepoint range [lo, hi) as a fresh String. Slicing
// a string always copies, unlike Array slicing.
func (s *String) Slice(lo, hi int) (*String, error) {
	if lo < 0 || hi > s.Len() || lo > hi {
		return nil, &OutOfRangeError{Op: "string slice", Lo: lo, Hi: hi, Len: s.Len()}
	}
	out := &String{}
	if s.runes != nil {
		out.setFromRunes(s.runes[lo:hi])
	} else {
		out.setFromRunes(runesFromBytes(s.bytes[lo:hi]))
	}
	return out, nil
}

func runesFromBytes(b []byte) []rune {
	out := make([]rune, len(b))
	for i, c := range b {
		out[i] = rune(c)
	}
	return out
}

// Concat implements "addc": string concatenation. If dst already equals
// mid and has the sole reference (refcount 1, signalled by the caller
// via mayMutate), the runtime appends in place; otherwise a fresh string
// is built. See Append for the in-place path.
func Concat(a, b *String) *String {
	out := &String{}
	out.setFromRunes(append(a.Runes(), b.Runes()...))
	return out
}

// Append mutates dst in place by appending the codepoints of b. Callers
// must only use this when dst's refcount is 1 (the "mutable
// optimisation" named in §4.D); otherwise use Concat.
func (dst *String) Append(b *String) {
	if dst.runes == nil && b.runes == nil {
		dst.bytes = append(dst.bytes, b.bytes...)
		dst.encodedCache = nil
		return
	}
	dst.setFromRunes(append(dst.Runes(), b.Runes()...))
}

// InsertRune inserts r at codepoint index i, widening the string to rune
// form if r exceeds MaxASCII.
func (s *String) InsertRune(i int, r rune) error {
	if i < 0 || i > s.Len() {
		return &OutOfRangeError{Op: "string insert", Lo: i, Hi: i, Len: s.Len()}
	}
	if !utf8.ValidRune(r) {
		return ErrInvalidUTF8
	}
	rs := s.Runes()
	rs = append(rs[:i], append([]rune{r}, rs[i:]...)...)
	s.setFromRunes(rs)
	return nil
}

// SetRune overwrites the codepoint at index i, or grows the string by
// one codepoint when i equals the current length — the "insc" contract.
// Must only be called when the caller holds the sole reference to s;
// callers sharing s must clone it first. Grounded on
// original_source/src/vm/string.cpp's vm_string_t::set_rune.
func (s *String) SetRune(i int, r rune) error {
	if i < 0 || i > s.Len() {
		return &OutOfRangeError{Op: "string set rune", Lo: i, Hi: s.Len(), Len: s.Len()}
	}
	if !utf8.ValidRune(r) {
		return ErrInvalidUTF8
	}
	rs := s.Runes()
	if i == len(rs) {
		rs = append(rs, r)
	} else {
		rs[i] = r
	}
	s.setFromRunes(rs)
	return nil
}
