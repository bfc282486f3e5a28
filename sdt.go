package msgbus

import (
	"errors"
	"io"
	"math"
)

// SDTType identifies the type of a structured data field.
type SDTType byte

// Structured data field types.
const (
	SDTTypeBool SDTType = iota + 1
	SDTTypeInt64
	SDTTypeUint64
	SDTTypeFloat64
	SDTTypeString
	SDTTypeBytes
	SDTTypeMap
	SDTTypeStream
)

// String returns the field type name.
func (t SDTType) String() string {
	switch t {
	case SDTTypeBool:
		return "bool"
	case SDTTypeInt64:
		return "int64"
	case SDTTypeUint64:
		return "uint64"
	case SDTTypeFloat64:
		return "float64"
	case SDTTypeString:
		return "string"
	case SDTTypeBytes:
		return "bytes"
	case SDTTypeMap:
		return "map"
	case SDTTypeStream:
		return "stream"
	default:
		return "unknown"
	}
}

var errUnknownSDTType = errors.New("unknown structured field type")

// SDTField is a single typed value in a structured map or stream.
type SDTField struct {
	typ   SDTType
	value any
}

// SDTBool creates a boolean field.
func SDTBool(v bool) SDTField { return SDTField{typ: SDTTypeBool, value: v} }

// SDTInt64 creates a signed integer field.
func SDTInt64(v int64) SDTField { return SDTField{typ: SDTTypeInt64, value: v} }

// SDTUint64 creates an unsigned integer field.
func SDTUint64(v uint64) SDTField { return SDTField{typ: SDTTypeUint64, value: v} }

// SDTFloat64 creates a floating point field.
func SDTFloat64(v float64) SDTField { return SDTField{typ: SDTTypeFloat64, value: v} }

// SDTString creates a string field.
func SDTString(v string) SDTField { return SDTField{typ: SDTTypeString, value: v} }

// SDTBytes creates a binary field.
func SDTBytes(v []byte) SDTField { return SDTField{typ: SDTTypeBytes, value: v} }

// SDTNestedMap creates a nested map field.
func SDTNestedMap(v *SDTMap) SDTField { return SDTField{typ: SDTTypeMap, value: v} }

// SDTNestedStream creates a nested stream field.
func SDTNestedStream(v *SDTStream) SDTField { return SDTField{typ: SDTTypeStream, value: v} }

// Type returns the field type. The zero SDTField has type 0.
func (f SDTField) Type() SDTType { return f.typ }

// AsBool returns the boolean value, if the field holds one.
func (f SDTField) AsBool() (bool, bool) {
	v, ok := f.value.(bool)
	return v, ok && f.typ == SDTTypeBool
}

// AsInt64 returns the signed integer value, if the field holds one.
func (f SDTField) AsInt64() (int64, bool) {
	v, ok := f.value.(int64)
	return v, ok && f.typ == SDTTypeInt64
}

// AsUint64 returns the unsigned integer value, if the field holds one.
func (f SDTField) AsUint64() (uint64, bool) {
	v, ok := f.value.(uint64)
	return v, ok && f.typ == SDTTypeUint64
}

// AsFloat64 returns the floating point value, if the field holds one.
func (f SDTField) AsFloat64() (float64, bool) {
	v, ok := f.value.(float64)
	return v, ok && f.typ == SDTTypeFloat64
}

// AsString returns the string value, if the field holds one.
func (f SDTField) AsString() (string, bool) {
	v, ok := f.value.(string)
	return v, ok && f.typ == SDTTypeString
}

// AsBytes returns the binary value, if the field holds one.
func (f SDTField) AsBytes() ([]byte, bool) {
	v, ok := f.value.([]byte)
	return v, ok && f.typ == SDTTypeBytes
}

// AsMap returns the nested map, if the field holds one.
func (f SDTField) AsMap() (*SDTMap, bool) {
	v, ok := f.value.(*SDTMap)
	return v, ok && f.typ == SDTTypeMap
}

// AsStream returns the nested stream, if the field holds one.
func (f SDTField) AsStream() (*SDTStream, bool) {
	v, ok := f.value.(*SDTStream)
	return v, ok && f.typ == SDTTypeStream
}

// SDTMap is an ordered map of string keys to typed fields. Insertion order
// is preserved; re-adding an existing key replaces the value in place.
type SDTMap struct {
	keys   []string
	fields map[string]SDTField
}

// NewSDTMap creates an empty structured map.
func NewSDTMap() *SDTMap {
	return &SDTMap{fields: make(map[string]SDTField)}
}

// Add sets the field for key. Adding an existing key replaces its value
// without changing its position.
func (m *SDTMap) Add(key string, field SDTField) {
	if _, exists := m.fields[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.fields[key] = field
}

// Delete removes the field for key. Deleting a missing key is a no-op.
func (m *SDTMap) Delete(key string) {
	if _, exists := m.fields[key]; !exists {
		return
	}
	delete(m.fields, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Get returns the field for key.
func (m *SDTMap) Get(key string) (SDTField, bool) {
	f, ok := m.fields[key]
	return f, ok
}

// Keys returns the keys in insertion order.
func (m *SDTMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of fields.
func (m *SDTMap) Len() int { return len(m.keys) }

// SDTStream is an ordered sequence of typed fields.
type SDTStream struct {
	fields []SDTField
}

// NewSDTStream creates an empty structured stream.
func NewSDTStream() *SDTStream {
	return &SDTStream{}
}

// Add appends a field to the stream.
func (s *SDTStream) Add(field SDTField) {
	s.fields = append(s.fields, field)
}

// Get returns the field at position i.
func (s *SDTStream) Get(i int) (SDTField, bool) {
	if i < 0 || i >= len(s.fields) {
		return SDTField{}, false
	}
	return s.fields[i], true
}

// Len returns the number of fields.
func (s *SDTStream) Len() int { return len(s.fields) }

func encodeSDTField(w io.Writer, f SDTField) error {
	if err := encodeUint8(w, byte(f.typ)); err != nil {
		return err
	}
	switch f.typ {
	case SDTTypeBool:
		v, _ := f.AsBool()
		return encodeBool(w, v)
	case SDTTypeInt64:
		v, _ := f.AsInt64()
		return encodeInt64(w, v)
	case SDTTypeUint64:
		v, _ := f.AsUint64()
		return encodeUint64(w, v)
	case SDTTypeFloat64:
		v, _ := f.AsFloat64()
		return encodeUint64(w, math.Float64bits(v))
	case SDTTypeString:
		v, _ := f.AsString()
		return encodeString(w, v)
	case SDTTypeBytes:
		v, _ := f.AsBytes()
		return encodeBytes(w, v)
	case SDTTypeMap:
		v, _ := f.AsMap()
		return encodeSDTMap(w, v)
	case SDTTypeStream:
		v, _ := f.AsStream()
		return encodeSDTStream(w, v)
	default:
		return errUnknownSDTType
	}
}

func decodeSDTField(r io.Reader) (SDTField, error) {
	t, err := decodeUint8(r)
	if err != nil {
		return SDTField{}, err
	}
	switch SDTType(t) {
	case SDTTypeBool:
		v, err := decodeBool(r)
		return SDTBool(v), err
	case SDTTypeInt64:
		v, err := decodeInt64(r)
		return SDTInt64(v), err
	case SDTTypeUint64:
		v, err := decodeUint64(r)
		return SDTUint64(v), err
	case SDTTypeFloat64:
		v, err := decodeUint64(r)
		return SDTFloat64(math.Float64frombits(v)), err
	case SDTTypeString:
		v, err := decodeString(r)
		return SDTString(v), err
	case SDTTypeBytes:
		v, err := decodeBytes(r)
		return SDTBytes(v), err
	case SDTTypeMap:
		v, err := decodeSDTMap(r)
		return SDTNestedMap(v), err
	case SDTTypeStream:
		v, err := decodeSDTStream(r)
		return SDTNestedStream(v), err
	default:
		return SDTField{}, errUnknownSDTType
	}
}

// encodeSDTMap writes a map as a field count followed by key/field pairs in
// insertion order. A nil map encodes as a zero count.
func encodeSDTMap(w io.Writer, m *SDTMap) error {
	if m == nil {
		return encodeUint16(w, 0)
	}
	if err := encodeUint16(w, uint16(len(m.keys))); err != nil {
		return err
	}
	for _, key := range m.keys {
		if err := encodeString(w, key); err != nil {
			return err
		}
		if err := encodeSDTField(w, m.fields[key]); err != nil {
			return err
		}
	}
	return nil
}

func decodeSDTMap(r io.Reader) (*SDTMap, error) {
	count, err := decodeUint16(r)
	if err != nil {
		return nil, err
	}
	m := NewSDTMap()
	for range count {
		key, err := decodeString(r)
		if err != nil {
			return nil, err
		}
		field, err := decodeSDTField(r)
		if err != nil {
			return nil, err
		}
		m.Add(key, field)
	}
	return m, nil
}

// encodeSDTStream writes a stream as a field count followed by fields.
func encodeSDTStream(w io.Writer, s *SDTStream) error {
	if s == nil {
		return encodeUint16(w, 0)
	}
	if err := encodeUint16(w, uint16(len(s.fields))); err != nil {
		return err
	}
	for _, f := range s.fields {
		if err := encodeSDTField(w, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeSDTStream(r io.Reader) (*SDTStream, error) {
	count, err := decodeUint16(r)
	if err != nil {
		return nil, err
	}
	s := NewSDTStream()
	for range count {
		f, err := decodeSDTField(r)
		if err != nil {
			return nil, err
		}
		s.Add(f)
	}
	return s, nil
}
