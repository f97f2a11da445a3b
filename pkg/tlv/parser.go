// Package tlv decodes and encodes the BER-TLV data objects exchanged with
// smart cards, and maps decoded records onto Go structures using struct tags.
package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
)

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

var (
	recordType      = reflect.TypeOf(Record{})
	recordSliceType = reflect.TypeOf([]Record{})
)

// Unmarshal decodes raw BER-TLV data and maps it into a target Go struct.
//
// Fields are selected with `tlv:"5F2F"` tags. Nested structs are decoded from
// the record value, so the descent is bounded by the Go type and not by the
// input. A []Record field named Unknown (or tagged `tlv:",unknown"`) receives
// every record no field claimed.
func Unmarshal(data []byte, target interface{}) error {
	records, err := Decode(data)
	if err != nil {
		return err
	}
	return UnmarshalRecords(records, target)
}

// UnmarshalRecords maps pre-decoded records to a target struct. A slice
// field (other than []byte) collects every occurrence of its tag in order.
func UnmarshalRecords(records []Record, target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("target must point to a struct, got %s", v.Kind())
	}

	claimed := make([]bool, len(records))
	var unknown reflect.Value

	for i := 0; i < v.NumField(); i++ {
		meta := v.Type().Field(i)
		if isUnknownField(meta) {
			if meta.Type == recordSliceType {
				unknown = v.Field(i)
			}
			continue
		}
		tag, ok, err := fieldTag(meta)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		for idx, rec := range records {
			if !rec.Tag.Equal(tag) {
				continue
			}
			if err := assign(rec, v.Field(i)); err != nil {
				return fmt.Errorf("field %s (tag %s): %w", meta.Name, tag, err)
			}
			claimed[idx] = true
		}
	}

	if !unknown.IsValid() || !unknown.CanSet() {
		return nil
	}
	var rest []Record
	for idx, rec := range records {
		if !claimed[idx] {
			rest = append(rest, rec)
		}
	}
	if len(rest) > 0 {
		unknown.Set(reflect.ValueOf(rest))
	}
	return nil
}

func fieldTag(meta reflect.StructField) (Tag, bool, error) {
	raw := meta.Tag.Get("tlv")
	if raw == "" {
		return nil, false, nil
	}
	tag, err := ParseTag(strings.Split(raw, ",")[0])
	if err != nil {
		return nil, false, fmt.Errorf("field %s: %w", meta.Name, err)
	}
	return tag, true, nil
}

func isUnknownField(f reflect.StructField) bool {
	return f.Tag.Get("tlv") == ",unknown" || f.Name == "Unknown"
}

// assign appends to repeatable fields and decodes in place otherwise.
func assign(rec Record, field reflect.Value) error {
	if field.Kind() == reflect.Slice && !isByteSlice(field) {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := decodeInto(rec, elem); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return decodeInto(rec, field)
}

func decodeInto(rec Record, field reflect.Value) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(rec.Value)
		}
	}

	switch {
	case isByteSlice(field):
		field.SetBytes(append([]byte{}, rec.Value...))
	case field.Type() == recordType:
		field.Set(reflect.ValueOf(rec))
	case field.Kind() == reflect.String:
		field.SetString(hex.EncodeToString(rec.Value))
	case field.Kind() == reflect.Struct:
		return Unmarshal(rec.Value, field.Addr().Interface())
	case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return Unmarshal(rec.Value, field.Interface())
	}
	return nil
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

// GetValue scans the top level of data for tag and returns its value.
func GetValue(data []byte, tag Tag) ([]byte, error) {
	records, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if rec, ok := Find(records, tag); ok {
		return rec.Value, nil
	}
	return nil, fmt.Errorf("tag %s not found", tag)
}
