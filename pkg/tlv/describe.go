package tlv

import (
	"fmt"
	"reflect"
	"strings"
)

// Report lines look like
//
//	    - Prefix.Field (TAG): VALUE
//
// VALUE is upper-case hex, optionally followed by a rendering chosen with a
// `fmt:"..."` struct tag.
var valueFormats = map[string]func([]byte) string{
	"ascii": func(b []byte) string { return fmt.Sprintf("%X (%q)", b, MakeSafeASCII(b)) },
	"int":   func(b []byte) string { return fmt.Sprintf("%X (Dec: %d)", b, bigEndian(b)) },
}

func bigEndian(b []byte) int {
	n := 0
	for _, x := range b {
		n = n<<8 | int(x)
	}
	return n
}

// WriteStructFields writes one report line per populated []byte field of s,
// then one per record left in its Unknown field. Nil pointers and non-structs
// write nothing. A non-empty builder gets a separating newline first and no
// trailing newline is written.
func WriteStructFields(sb *strings.Builder, prefix string, s interface{}) {
	val := reflect.Indirect(reflect.ValueOf(s))
	if val.Kind() != reflect.Struct {
		return
	}

	var lines []string
	for i := 0; i < val.NumField(); i++ {
		field, meta := val.Field(i), val.Type().Field(i)
		switch {
		case isByteSlice(field):
			if field.Len() > 0 {
				lines = append(lines, fieldLine(prefix, meta, field.Bytes()))
			}
		case field.Type() == recordSliceType:
			for _, r := range field.Interface().([]Record) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, r.Tag, r.Value))
			}
		}
	}
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func fieldLine(prefix string, meta reflect.StructField, value []byte) string {
	label := meta.Name
	if tag := meta.Tag.Get("tlv"); tag != "" {
		label += " (" + tag + ")"
	}
	rendered := fmt.Sprintf("%X", value)
	if format, ok := valueFormats[meta.Tag.Get("fmt")]; ok {
		rendered = format(value)
	}
	return fmt.Sprintf("    - %s.%s: %s", prefix, label, rendered)
}

// WriteRecords writes an indented dump of records, descending into
// constructed values up to DefaultMaxDepth levels. Values that fail to decode
// are printed raw.
func WriteRecords(sb *strings.Builder, records []Record) {
	writeRecords(sb, records, 0)
}

func writeRecords(sb *strings.Builder, records []Record, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, r := range records {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		if r.Constructed() && depth+1 < DefaultMaxDepth {
			if children, err := r.Children(); err == nil {
				fmt.Fprintf(sb, "%s%s (%d bytes)", indent, r.Tag, len(r.Value))
				writeRecords(sb, children, depth+1)
				continue
			}
		}
		fmt.Fprintf(sb, "%s%s: %X", indent, r.Tag, r.Value)
	}
}

// MakeSafeASCII replaces everything outside printable ASCII with dots.
func MakeSafeASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
