/*
Copyright 2025 Hare Krishna Rai

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package confignode holds the schema-less configuration tree that workflow
// and action files are parsed into.
//
// A Node is a mapping with ordered unique keys, a sequence, or a scalar
// (string, integer, float, bool or null). Trees are not modified after
// construction. All accessors are safe to call on a nil *Node, which stands
// for "not present".
package confignode

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Node holds
type Kind int

const (
	KindScalar Kind = iota
	KindMapping
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	default:
		return "scalar"
	}
}

// Entry is a single key/value pair of a mapping
type Entry struct {
	Key   string
	Value *Node
}

// Node is a configuration tree node
type Node struct {
	kind  Kind
	value interface{} // string, int64, float64, bool or nil
	keys  []string
	index map[string]*Node
	items []*Node
	line  int
}

// Kind returns the node variant
func (n *Node) Kind() Kind {
	if n == nil {
		return KindScalar
	}
	return n.kind
}

// IsMapping reports whether n is a mapping
func (n *Node) IsMapping() bool { return n != nil && n.kind == KindMapping }

// IsSequence reports whether n is a sequence
func (n *Node) IsSequence() bool { return n != nil && n.kind == KindSequence }

// IsScalar reports whether n is a scalar
func (n *Node) IsScalar() bool { return n != nil && n.kind == KindScalar }

// IsNull reports whether n is absent or an explicit null scalar
func (n *Node) IsNull() bool { return n == nil || (n.kind == KindScalar && n.value == nil) }

// Line returns the 1-based source line, or 0 for nodes built in code
func (n *Node) Line() int {
	if n == nil {
		return 0
	}
	return n.line
}

// Value returns the scalar value (string, int64, float64, bool or nil)
func (n *Node) Value() interface{} {
	if n == nil || n.kind != KindScalar {
		return nil
	}
	return n.value
}

// Str returns the value of a string scalar and whether n was one
func (n *Node) Str() (string, bool) {
	if n == nil || n.kind != KindScalar {
		return "", false
	}
	s, ok := n.value.(string)
	return s, ok
}

// Text coerces the node to text. Scalars render their value, sequences
// join their items with commas and mappings and nulls render empty.
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	switch n.kind {
	case KindSequence:
		parts := make([]string, len(n.items))
		for i, item := range n.items {
			parts[i] = item.Text()
		}
		return strings.Join(parts, ",")
	case KindMapping:
		return ""
	}
	switch v := n.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Get returns the value stored under key in a mapping, or nil
func (n *Node) Get(key string) *Node {
	v, _ := n.Lookup(key)
	return v
}

// Lookup returns the value stored under key and whether the key exists.
// A key bound to null exists.
func (n *Node) Lookup(key string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	switch n.kind {
	case KindMapping:
		v, ok := n.index[key]
		return v, ok
	case KindSequence:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n.items) {
			return nil, false
		}
		return n.items[i], true
	}
	return nil, false
}

// Has reports whether key exists in a mapping
func (n *Node) Has(key string) bool {
	_, ok := n.Lookup(key)
	return ok
}

// Path walks nested mapping keys and returns the final node or nil
func (n *Node) Path(keys ...string) *Node {
	cur := n
	for _, k := range keys {
		cur = cur.Get(k)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Keys returns mapping keys in document order
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindMapping {
		return nil
	}
	return append([]string(nil), n.keys...)
}

// Items returns sequence items
func (n *Node) Items() []*Node {
	if n == nil || n.kind != KindSequence {
		return nil
	}
	return n.items
}

// Index returns the i-th sequence item or nil
func (n *Node) Index(i int) *Node {
	if n == nil || n.kind != KindSequence || i < 0 || i >= len(n.items) {
		return nil
	}
	return n.items[i]
}

// Len returns the number of entries of a mapping or sequence
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	switch n.kind {
	case KindMapping:
		return len(n.keys)
	case KindSequence:
		return len(n.items)
	}
	return 0
}

// Entries returns the children of a collection as key/value pairs.
// Sequence items are keyed by their decimal index.
func (n *Node) Entries() []Entry {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindMapping:
		out := make([]Entry, len(n.keys))
		for i, k := range n.keys {
			out[i] = Entry{Key: k, Value: n.index[k]}
		}
		return out
	case KindSequence:
		out := make([]Entry, len(n.items))
		for i, item := range n.items {
			out[i] = Entry{Key: strconv.Itoa(i), Value: item}
		}
		return out
	}
	return nil
}

// Values returns the children of a collection without their keys
func (n *Node) Values() []*Node {
	entries := n.Entries()
	out := make([]*Node, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Contains reports whether a sequence holds a string scalar equal to s,
// or a string scalar equals s.
func (n *Node) Contains(s string) bool {
	if n == nil {
		return false
	}
	switch n.kind {
	case KindSequence:
		for _, item := range n.items {
			if v, ok := item.Str(); ok && v == s {
				return true
			}
		}
	case KindScalar:
		v, ok := n.Str()
		return ok && v == s
	}
	return false
}

// Equal reports whether the scalar n equals v. Numbers compare by value.
func (n *Node) Equal(v interface{}) bool {
	if n == nil || n.kind != KindScalar {
		return false
	}
	if a, ok := toFloat(n.value); ok {
		if b, ok := toFloat(v); ok {
			return a == b
		}
		return false
	}
	return n.value == normalizeScalar(v)
}

// Interface converts the tree to plain Go values (map[string]interface{},
// []interface{} and scalars).
func (n *Node) Interface() interface{} {
	if n == nil {
		return nil
	}
	switch n.kind {
	case KindMapping:
		m := make(map[string]interface{}, len(n.keys))
		for _, k := range n.keys {
			m[k] = n.index[k].Interface()
		}
		return m
	case KindSequence:
		s := make([]interface{}, len(n.items))
		for i, item := range n.items {
			s[i] = item.Interface()
		}
		return s
	}
	return n.value
}

// MarshalJSON encodes the tree keeping mapping key order
func (n *Node) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	switch n.kind {
	case KindMapping:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := n.index[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			vb, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte(']')
	default:
		if f, ok := n.value.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
			return json.Marshal(n.Text())
		}
		return json.Marshal(n.value)
	}
	return buf.Bytes(), nil
}

// NewScalar creates a scalar node. Integer and float kinds are widened to
// int64 and float64; other non-scalar values become their string form.
func NewScalar(v interface{}) *Node {
	return &Node{kind: KindScalar, value: normalizeScalar(v)}
}

// NewMapping creates a mapping node. Later duplicate keys replace earlier ones.
func NewMapping(entries ...Entry) *Node {
	n := &Node{kind: KindMapping, index: make(map[string]*Node, len(entries))}
	for _, e := range entries {
		n.set(e.Key, e.Value)
	}
	return n
}

// NewSequence creates a sequence node
func NewSequence(items ...*Node) *Node {
	return &Node{kind: KindSequence, items: items}
}

// FromInterface builds a tree from plain Go values. Map keys are sorted.
func FromInterface(v interface{}) *Node {
	switch t := v.(type) {
	case *Node:
		return t
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, len(keys))
		for i, k := range keys {
			entries[i] = Entry{Key: k, Value: FromInterface(t[k])}
		}
		return NewMapping(entries...)
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, s := range t {
			m[k] = s
		}
		return FromInterface(m)
	case []interface{}:
		items := make([]*Node, len(t))
		for i, item := range t {
			items[i] = FromInterface(item)
		}
		return NewSequence(items...)
	case []string:
		items := make([]*Node, len(t))
		for i, item := range t {
			items[i] = NewScalar(item)
		}
		return NewSequence(items...)
	default:
		return NewScalar(v)
	}
}

func (n *Node) set(key string, value *Node) {
	if value == nil {
		value = NewScalar(nil)
	}
	if _, exists := n.index[key]; !exists {
		n.keys = append(n.keys, key)
	}
	n.index[key] = value
}

func normalizeScalar(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, int64, float64, bool:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return toString(t)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}
