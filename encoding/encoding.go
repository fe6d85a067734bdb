// Package encoding provides the tagged character-encoding variant the
// File Reader decodes byte spans under: detection from a byte-order mark,
// and decode-with-replacement for the handful of encodings a large text
// file is realistically found in.
package encoding

import (
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding is a tagged variant over the character encodings the reader
// understands. The zero value is UTF8.
type Encoding int

const (
	UTF8 Encoding = iota
	UTF16LE
	UTF16BE
	Windows1252
	ASCII
	ISO8859_1
)

// String returns the canonical name used in logs and error messages.
func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "UTF-8"
	case UTF16LE:
		return "UTF-16LE"
	case UTF16BE:
		return "UTF-16BE"
	case Windows1252:
		return "Windows-1252"
	case ASCII:
		return "ASCII"
	case ISO8859_1:
		return "ISO-8859-1"
	default:
		return "unknown"
	}
}

// UnitSize returns the width in bytes of one code unit: 2 for the UTF-16
// variants, 1 otherwise.
func (e Encoding) UnitSize() int {
	if e == UTF16LE || e == UTF16BE {
		return 2
	}
	return 1
}

// BOM returns the byte-order-mark signature for e, or nil if e has none.
func (e Encoding) BOM() []byte {
	switch e {
	case UTF8:
		return []byte{0xEF, 0xBB, 0xBF}
	case UTF16LE:
		return []byte{0xFF, 0xFE}
	case UTF16BE:
		return []byte{0xFE, 0xFF}
	default:
		return nil
	}
}

// Detect inspects up to the first 4 bytes of a file and returns the
// encoding implied by a recognised byte-order mark, defaulting to UTF8
// when none is present. This mirrors spec.md §6's detection table.
func Detect(head []byte) Encoding {
	switch {
	case len(head) >= 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF:
		return UTF8
	case len(head) >= 2 && head[0] == 0xFF && head[1] == 0xFE:
		return UTF16LE
	case len(head) >= 2 && head[0] == 0xFE && head[1] == 0xFF:
		return UTF16BE
	default:
		return UTF8
	}
}

// transformer returns the golang.org/x/text decoder for e, or nil for the
// UTF8 fast path (decoded directly against unicode/utf8 below).
func (e Encoding) transformer() transform.Transformer {
	switch e {
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case Windows1252:
		return charmap.Windows1252.NewDecoder()
	case ISO8859_1:
		return charmap.ISO8859_1.NewDecoder()
	case ASCII:
		// ASCII is a strict subset of UTF-8, so it shares the UTF-8 path
		// below: bytes >= 0x80 that form valid UTF-8 sequences decode as
		// those characters, any other byte becomes U+FFFD.
		return nil
	default:
		return nil
	}
}

// Decode converts b to a displayable string under e, substituting
// utf8.RuneError's glyph (U+FFFD) for invalid sequences and trimming a
// partial unit as trimLeadingPartialUnit describes (a leading UTF-8
// continuation byte, or the last byte of an odd-length UTF-16 span). It
// never fails: encoding errors only ever
// produce replacement characters, per spec.md §4.1's failure semantics.
func (e Encoding) Decode(b []byte) string {
	b = trimLeadingPartialUnit(e, b)

	if t := e.transformer(); t != nil {
		out, _, err := transform.Bytes(t, b)
		if err != nil {
			// transform.Bytes returns a partial result alongside the
			// error; decode what we can rather than dropping it.
			return string(out)
		}
		return string(out)
	}

	// UTF-8 / ASCII fast path: decode rune-by-rune, substituting
	// utf8.RuneError for each invalid byte (unlike strings.ToValidUTF8,
	// which collapses a run of invalid bytes into one replacement).
	return decodeUTF8WithReplacement(b)
}

func decodeUTF8WithReplacement(b []byte) string {
	valid := true
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			valid = false
			break
		}
		i += size
	}
	if valid {
		return string(b)
	}

	var out []rune
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		out = append(out, r)
		i += size
	}
	return string(out)
}

// trimLeadingPartialUnit drops bytes that cannot form a complete unit
// under e, so a split point that lands mid character does not corrupt
// the decode. For UTF-8 it drops continuation bytes that lack their lead
// byte. For UTF-16, b carries no file offset, so a span is taken to start
// on a unit boundary and an odd-length span has its last (orphan) byte
// dropped; aligning a span that starts on an odd file offset is left to
// the caller (reader.Reader.Decode does this).
func trimLeadingPartialUnit(e Encoding, b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	switch e {
	case UTF16LE, UTF16BE:
		if len(b)%2 != 0 {
			// A trailing orphan byte (e.g. end of file) is ignored
			// rather than corrupting the last full unit.
			return b[:len(b)-1]
		}
		return b
	default:
		// UTF-8 family: a continuation byte (10xxxxxx) with no lead
		// byte before it cannot be decoded; skip forward to the next
		// rune boundary.
		i := 0
		for i < len(b) && utf8.RuneStart(b[i]) == false {
			i++
		}
		return b[i:]
	}
}

// DecodeUnits decodes b rune-by-rune under e and returns the runes
// alongside the source byte offset each one starts at, plus the number
// of leading bytes of b actually consumed (a trailing partial code unit
// is left unconsumed rather than guessed at). The Search Engine uses
// this to map a match found in decoded text back to a source byte span,
// since x/text's stream transformers don't expose per-rune offsets.
func (e Encoding) DecodeUnits(b []byte) (runes []rune, offsets []int, consumed int) {
	switch e {
	case UTF16LE, UTF16BE:
		return decodeUTF16Units(e, b)
	case Windows1252:
		return decodeCharmapUnits(charmap.Windows1252, b)
	case ISO8859_1:
		return decodeCharmapUnits(charmap.ISO8859_1, b)
	default:
		return decodeUTF8Units(b)
	}
}

func decodeUTF8Units(b []byte) ([]rune, []int, int) {
	var runes []rune
	var offsets []int
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		runes = append(runes, r)
		offsets = append(offsets, i)
		i += size
	}
	return runes, offsets, i
}

func decodeCharmapUnits(cm *charmap.Charmap, b []byte) ([]rune, []int, int) {
	runes := make([]rune, len(b))
	offsets := make([]int, len(b))
	for i, c := range b {
		runes[i] = cm.DecodeByte(c)
		offsets[i] = i
	}
	return runes, offsets, len(b)
}

func decodeUTF16Units(e Encoding, b []byte) ([]rune, []int, int) {
	n := len(b) - len(b)%2
	units := make([]uint16, 0, n/2)
	unitOffsets := make([]int, 0, n/2)
	for i := 0; i < n; i += 2 {
		var u uint16
		if e == UTF16LE {
			u = uint16(b[i]) | uint16(b[i+1])<<8
		} else {
			u = uint16(b[i+1]) | uint16(b[i])<<8
		}
		units = append(units, u)
		unitOffsets = append(unitOffsets, i)
	}

	var runes []rune
	var offsets []int
	for i := 0; i < len(units); i++ {
		r := rune(units[i])
		if utf16.IsSurrogate(r) && i+1 < len(units) {
			if combined := utf16.DecodeRune(r, rune(units[i+1])); combined != utf8.RuneError {
				runes = append(runes, combined)
				offsets = append(offsets, unitOffsets[i])
				i++
				continue
			}
		}
		runes = append(runes, r)
		offsets = append(offsets, unitOffsets[i])
	}
	return runes, offsets, n
}

// IsLinefeedAt reports whether the 2-byte (UTF-16) or 1-byte unit
// starting at b[i] is a line feed under e.
func (e Encoding) IsLinefeedAt(b []byte, i int) bool {
	switch e {
	case UTF16LE:
		return i+1 < len(b) && b[i] == 0x0A && b[i+1] == 0x00
	case UTF16BE:
		return i+1 < len(b) && b[i] == 0x00 && b[i+1] == 0x0A
	default:
		return i < len(b) && b[i] == 0x0A
	}
}
