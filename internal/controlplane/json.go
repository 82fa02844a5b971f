// JSON value tree for control-plane request bodies. The tree keeps
// object keys in encounter order and arrays in document order so a
// parsed document re-emits structurally identical to its input, which
// the config round-trip checks rely on.

package controlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind enumerates the JSON value kinds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is one node of a parsed JSON document.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []*Value
	keys []string
	obj  map[string]*Value
}

func (v *Value) IsNull() bool   { return v != nil && v.kind == KindNull }
func (v *Value) IsBool() bool   { return v != nil && v.kind == KindBool }
func (v *Value) IsNumber() bool { return v != nil && v.kind == KindNumber }
func (v *Value) IsString() bool { return v != nil && v.kind == KindString }
func (v *Value) IsArray() bool  { return v != nil && v.kind == KindArray }
func (v *Value) IsObject() bool { return v != nil && v.kind == KindObject }

// AsBool returns the boolean payload; false for non-bool values.
func (v *Value) AsBool() bool {
	if v == nil || v.kind != KindBool {
		return false
	}
	return v.b
}

// AsNumber returns the numeric payload; 0 for non-number values.
func (v *Value) AsNumber() float64 {
	if v == nil || v.kind != KindNumber {
		return 0
	}
	return v.num
}

// AsString returns the string payload; "" for non-string values.
func (v *Value) AsString() string {
	if v == nil || v.kind != KindString {
		return ""
	}
	return v.str
}

// AsArray returns the element list in document order.
func (v *Value) AsArray() []*Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Keys returns an object's keys in encounter order.
func (v *Value) Keys() []string {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.keys
}

// Member looks up key within an object value.
func (v *Value) Member(key string) (*Value, bool) {
	if v == nil || v.kind != KindObject {
		return nil, false
	}
	m, ok := v.obj[key]
	return m, ok
}

// Uint returns the member's numeric payload as a uint64 when it is a
// non-negative number.
func (v *Value) Uint(key string) (uint64, bool) {
	m, ok := v.Member(key)
	if !ok || !m.IsNumber() || m.num < 0 {
		return 0, false
	}
	return uint64(m.num), true
}

// Str returns the member's string payload when it is a string.
func (v *Value) Str(key string) (string, bool) {
	m, ok := v.Member(key)
	if !ok || !m.IsString() {
		return "", false
	}
	return m.str, true
}

// ParseJSON parses one complete JSON document. Trailing content after
// the document is rejected, as are truncated or malformed inputs; on
// error no Value is returned.
func ParseJSON(input string) (*Value, error) {
	dec := json.NewDecoder(strings.NewReader(input))
	dec.UseNumber()

	root, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("controlplane: trailing content after JSON document")
	}
	return root, nil
}

func parseValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("controlplane: parsing JSON: %w", err)
	}
	return valueFromToken(dec, tok)
}

func valueFromToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case nil:
		return &Value{kind: KindNull}, nil
	case bool:
		return &Value{kind: KindBool, b: t}, nil
	case string:
		return &Value{kind: KindString, str: t}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("controlplane: bad number %q: %w", t.String(), err)
		}
		return &Value{kind: KindNumber, num: f}, nil
	case json.Delim:
		switch t {
		case '[':
			return parseArray(dec)
		case '{':
			return parseObject(dec)
		}
	}
	return nil, fmt.Errorf("controlplane: unexpected token %v", tok)
}

func parseArray(dec *json.Decoder) (*Value, error) {
	v := &Value{kind: KindArray}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("controlplane: parsing JSON array: %w", err)
		}
		if d, ok := tok.(json.Delim); ok && d == ']' {
			return v, nil
		}
		elem, err := valueFromToken(dec, tok)
		if err != nil {
			return nil, err
		}
		v.arr = append(v.arr, elem)
	}
}

func parseObject(dec *json.Decoder) (*Value, error) {
	v := &Value{kind: KindObject, obj: make(map[string]*Value)}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("controlplane: parsing JSON object: %w", err)
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return v, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("controlplane: object key is not a string")
		}
		member, err := parseValue(dec)
		if err != nil {
			return nil, err
		}
		if _, exists := v.obj[key]; !exists {
			v.keys = append(v.keys, key)
		}
		v.obj[key] = member
	}
}

// Encode re-emits the document. Arrays keep element order; objects keep
// key encounter order.
func (v *Value) Encode() string {
	var sb strings.Builder
	v.encode(&sb)
	return sb.String()
}

func (v *Value) encode(sb *strings.Builder) {
	if v == nil {
		sb.WriteString("null")
		return
	}
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		sb.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindString:
		data, _ := json.Marshal(v.str)
		sb.Write(data)
	case KindArray:
		sb.WriteByte('[')
		for i, elem := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			elem.encode(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			data, _ := json.Marshal(key)
			sb.Write(data)
			sb.WriteByte(':')
			v.obj[key].encode(sb)
		}
		sb.WriteByte('}')
	}
}
