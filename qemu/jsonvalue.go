// Copyright (c) 2016 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qemu

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which alternative of Value is populated.
type Kind int

// The kinds a Value can hold. MP arguments and return payloads are
// heterogeneous JSON, so Value models the full set a QMP peer can send.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is a type-erased JSON value: null, bool, int, float, string, a list
// of Value or a map of string to Value. Decoding probes int before float so
// that integers keep their shape across an encode/decode round trip.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a bool in a Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an int64 in a Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float64 in a Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string in a Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a slice of Value in a Value.
func List(v []Value) Value { return Value{kind: KindList, list: v} }

// Map wraps a map of string to Value in a Value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind reports which alternative v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null Value, including the zero Value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns v's bool and whether v holds one.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Int returns v's int64 and whether v holds one.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns v's float64 and whether v holds a float or an int (widened).
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// String returns v's string and whether v holds one.
func (v Value) String() (string, bool) { return v.s, v.kind == KindString }

// List returns v's list and whether v holds one.
func (v Value) List() ([]Value, bool) { return v.list, v.kind == KindList }

// Map returns v's map and whether v holds one.
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// MarshalJSON dispatches on v's kind.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("qemu: value has unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes data into v, probing int before float for numbers so
// that "42" round-trips as an int rather than a float.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("qemu: invalid JSON number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		out := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			out = append(out, ev)
		}
		return List(out), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return Map(out), nil
	default:
		return Value{}, fmt.Errorf("qemu: unsupported JSON type %T", raw)
	}
}

// valueMap is a convenience constructor used by callers building argument
// maps out of plain Go values instead of Value literals.
func valueMap(kv map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(kv))
	for k, v := range kv {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var val Value
		if err := val.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}
