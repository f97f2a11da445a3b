package tlv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BER-TLV CODEC (ISO/IEC 7816-4 Annex D, ITU-T X.690 subset):
//
// 1. Tag (1 to 3 bytes):
//    - b8-b7: Class (Universal, Application, Context-specific, Private).
//    - b6:    Constructed (1) or Primitive (0).
//    - b5-b1: Tag number. '11111' announces subsequent bytes, each having b8=1
//             while more bytes follow.
//
// 2. Length (definite form only):
//    - '00'-'7F':       short form, the byte is the length.
//    - '81'-'84' + N:   long form, N bytes of big-endian length.
//    - '80':            indefinite form, rejected (card data objects never use it).
//
// 3. Value: raw bytes. Constructed values are NOT expanded by Decode; callers
//    descend explicitly with Decode(record.Value) or with DecodeTree and its
//    depth bound.

const (
	// MaxTagLength is the longest tag accepted by the codec.
	MaxTagLength = 3

	// MaxLengthOctets is the longest long-form length field accepted (after the '8N' byte).
	MaxLengthOctets = 4

	// DefaultMaxDepth bounds DecodeTree when callers have no better limit.
	DefaultMaxDepth = 8
)

var (
	// ErrMalformedTLV is matched by every structural decode failure.
	ErrMalformedTLV = errors.New("malformed TLV")

	// ErrMaxDepth is returned (wrapped in a MalformedError) when nesting exceeds the DecodeTree bound.
	ErrMaxDepth = errors.New("maximum nesting depth exceeded")
)

// MalformedError describes where and why a buffer could not be decoded.
type MalformedError struct {
	Offset int
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed TLV at offset %d: %s", e.Offset, e.Reason)
}

// Is reports ErrMalformedTLV as a match so callers can use errors.Is.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedTLV
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformed(offset int, format string, args ...interface{}) error {
	return &MalformedError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// TagClass is the class encoded in bits 8-7 of the first tag byte.
type TagClass byte

const (
	ClassUniversal       TagClass = 0b00
	ClassApplication     TagClass = 0b01
	ClassContextSpecific TagClass = 0b10
	ClassPrivate         TagClass = 0b11
)

func (c TagClass) String() string {
	switch c {
	case ClassUniversal:
		return "Universal"
	case ClassApplication:
		return "Application"
	case ClassContextSpecific:
		return "Context-specific"
	default:
		return "Private"
	}
}

// Tag is a BER tag kept as its encoded bytes. Two tags are equal only if all
// their bytes match, so '50' never matches '5F2F'.
type Tag []byte

// ParseTag decodes a hexadecimal tag such as "5F2F" or "5FC102".
func ParseTag(s string) (Tag, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	t, n, err := readTag(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid tag %q: %w", s, err)
	}
	if n != len(raw) {
		return nil, fmt.Errorf("invalid tag %q: %d trailing bytes", s, len(raw)-n)
	}
	return t, nil
}

// Equal reports whether both tags have the same byte sequence.
func (t Tag) Equal(o Tag) bool {
	return bytes.Equal(t, o)
}

// Class returns the tag class, or ClassUniversal for an empty tag.
func (t Tag) Class() TagClass {
	if len(t) == 0 {
		return ClassUniversal
	}
	return TagClass(t[0] >> 6)
}

// Constructed reports whether the value is itself a sequence of TLV records.
func (t Tag) Constructed() bool {
	return len(t) > 0 && t[0]&0x20 != 0
}

func (t Tag) String() string {
	return strings.ToUpper(hex.EncodeToString(t))
}

// Record is one decoded tag-length-value triple.
//
// RawLength holds the length octets exactly as read when the input used a
// non-minimal long form (e.g. '81 05'). It is nil for minimal encodings and
// for records built with NewRecord, so Encode reproduces the original bytes in
// both cases.
type Record struct {
	Tag       Tag
	Value     []byte
	RawLength []byte
}

// NewRecord builds a record that encodes with the minimal length form. A nil
// value is stored as an empty one, which is how Decode returns it.
func NewRecord(tag Tag, value []byte) Record {
	if value == nil {
		value = []byte{}
	}
	return Record{Tag: tag, Value: value}
}

// Constructed reports whether the record's tag is constructed.
func (r Record) Constructed() bool {
	return r.Tag.Constructed()
}

// Children decodes one level below a constructed record.
func (r Record) Children() ([]Record, error) {
	return Decode(r.Value)
}

// Decode parses the top level of buf into records. Constructed values are
// returned undecoded. Any structural violation fails the whole buffer with an
// error matching ErrMalformedTLV; an empty buffer yields no records.
func Decode(buf []byte) ([]Record, error) {
	var out []Record
	offset := 0
	for offset < len(buf) {
		rec, n, err := decodeOne(buf, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		offset += n
	}
	return out, nil
}

func decodeOne(buf []byte, start int) (Record, int, error) {
	tag, tagLen, err := readTag(buf, start)
	if err != nil {
		return Record{}, 0, err
	}

	offset := start + tagLen
	if offset >= len(buf) {
		return Record{}, 0, malformed(offset, "length missing after tag %s", tag)
	}

	length, lenOctets, err := readLength(buf, offset)
	if err != nil {
		return Record{}, 0, err
	}

	rawLength := buf[offset : offset+lenOctets]
	offset += lenOctets

	remaining := len(buf) - offset
	if length > remaining {
		return Record{}, 0, malformed(offset, "tag %s declares %d bytes but only %d remain", tag, length, remaining)
	}

	rec := Record{
		Tag:   tag,
		Value: append([]byte{}, buf[offset:offset+length]...),
	}
	if !bytes.Equal(rawLength, encodeLength(length)) {
		rec.RawLength = append([]byte{}, rawLength...)
	}

	return rec, offset + length - start, nil
}

func readTag(buf []byte, start int) (Tag, int, error) {
	if start >= len(buf) {
		return nil, 0, malformed(start, "tag missing")
	}

	n := 1
	if buf[start]&0x1F == 0x1F {
		for {
			if start+n >= len(buf) {
				return nil, 0, malformed(start+n, "tag truncated after %d bytes", n)
			}
			b := buf[start+n]
			n++
			if n > MaxTagLength {
				return nil, 0, malformed(start, "tag longer than %d bytes", MaxTagLength)
			}
			if b&0x80 == 0 {
				break
			}
		}
	}

	return Tag(append([]byte{}, buf[start:start+n]...)), n, nil
}

// readLength returns the decoded length and the number of length octets consumed.
func readLength(buf []byte, offset int) (int, int, error) {
	first := buf[offset]
	if first < 0x80 {
		return int(first), 1, nil
	}
	if first == 0x80 {
		return 0, 0, malformed(offset, "indefinite length form is not supported")
	}

	count := int(first & 0x7F)
	if count > MaxLengthOctets {
		return 0, 0, malformed(offset, "length field of %d bytes is not supported", count)
	}
	if offset+1+count > len(buf) {
		return 0, 0, malformed(offset, "length field truncated (%d of %d bytes)", len(buf)-offset-1, count)
	}

	length := 0
	for _, b := range buf[offset+1 : offset+1+count] {
		length = length<<8 | int(b)
	}
	if length < 0 {
		return 0, 0, malformed(offset, "length overflows")
	}
	return length, 1 + count, nil
}

// Encode serializes records in order. It never fails: a RawLength that no
// longer matches the value is ignored in favour of the minimal form.
func Encode(records ...Record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r.Tag)
		buf.Write(lengthOctets(r))
		buf.Write(r.Value)
	}
	return buf.Bytes()
}

func lengthOctets(r Record) []byte {
	if len(r.RawLength) > 0 {
		if n, used, err := readLength(r.RawLength, 0); err == nil && used == len(r.RawLength) && n == len(r.Value) {
			return r.RawLength
		}
	}
	return encodeLength(len(r.Value))
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	default:
		return []byte{0x84, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// Find returns the first record whose tag bytes equal tag.
func Find(records []Record, tag Tag) (Record, bool) {
	for _, r := range records {
		if r.Tag.Equal(tag) {
			return r, true
		}
	}
	return Record{}, false
}

// FindAll returns every record whose tag bytes equal tag, in order.
func FindAll(records []Record, tag Tag) []Record {
	var out []Record
	for _, r := range records {
		if r.Tag.Equal(tag) {
			out = append(out, r)
		}
	}
	return out
}

// TrimPadding drops the trailing '00' and 'FF' filler that fixed-size card
// containers append after their last data object. Filler is only recognised
// at a record boundary, so a final zero-length record or a value ending in
// '00' is kept. Malformed input is returned unchanged for Decode to report.
func TrimPadding(buf []byte) []byte {
	offset := 0
	for offset < len(buf) {
		if isFiller(buf[offset:]) {
			return buf[:offset]
		}
		_, n, err := decodeOne(buf, offset)
		if err != nil {
			return buf
		}
		offset += n
	}
	return buf
}

func isFiller(buf []byte) bool {
	for _, b := range buf {
		if b != 0x00 && b != 0xFF {
			return false
		}
	}
	return true
}

// Node is a record together with its decoded children when constructed.
type Node struct {
	Record
	Children []Node
}

// DecodeTree decodes buf and descends into constructed records, failing with
// ErrMaxDepth once nesting goes beyond maxDepth levels. A maxDepth <= 0 uses
// DefaultMaxDepth.
func DecodeTree(buf []byte, maxDepth int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return decodeTree(buf, 0, 1, maxDepth)
}

func decodeTree(buf []byte, base, depth, maxDepth int) ([]Node, error) {
	if depth > maxDepth {
		return nil, &MalformedError{Offset: base, Reason: fmt.Sprintf("nesting deeper than %d levels", maxDepth), Err: ErrMaxDepth}
	}

	var nodes []Node
	offset := 0
	for offset < len(buf) {
		rec, n, err := decodeOne(buf, offset)
		if err != nil {
			var me *MalformedError
			if errors.As(err, &me) {
				me.Offset += base
			}
			return nil, err
		}

		node := Node{Record: rec}
		if rec.Constructed() && len(rec.Value) > 0 {
			valueStart := base + offset + n - len(rec.Value)
			children, err := decodeTree(rec.Value, valueStart, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}

		nodes = append(nodes, node)
		offset += n
	}
	return nodes, nil
}
