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

package matcher

import (
	"encoding/json"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
)

type valueKind int

const (
	valueNode valueKind = iota
	valueText
	valueList
	valueMap
	valueRule
)

// Value is the result of Extract: a raw subject node, a bound capture, an
// ordered list of captures, a mapping of values, or an unmatched rule
// passed through unchanged.
type Value struct {
	kind   valueKind
	node   *confignode.Node
	text   string
	list   []string
	keys   []string
	fields map[string]*Value
	rule   *Rule
}

func nodeValue(n *confignode.Node) *Value { return &Value{kind: valueNode, node: n} }
func textValue(s string) *Value           { return &Value{kind: valueText, text: s} }
func listValue(l []string) *Value         { return &Value{kind: valueList, list: l} }
func ruleValue(r *Rule) *Value            { return &Value{kind: valueRule, rule: r} }

func newMapValue() *Value {
	return &Value{kind: valueMap, fields: make(map[string]*Value)}
}

func (v *Value) set(key string, val *Value) {
	if _, ok := v.fields[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.fields[key] = val
}

// Get returns the value bound under key, or nil
func (v *Value) Get(key string) *Value {
	if v == nil || v.kind != valueMap {
		return nil
	}
	return v.fields[key]
}

// Path walks nested keys
func (v *Value) Path(keys ...string) *Value {
	cur := v
	for _, k := range keys {
		cur = cur.Get(k)
	}
	return cur
}

// Keys returns the keys of a mapping value in binding order
func (v *Value) Keys() []string {
	if v == nil || v.kind != valueMap {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Len returns the number of keys or captures
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.kind {
	case valueMap:
		return len(v.keys)
	case valueList:
		return len(v.list)
	}
	return 1
}

// Text returns a single capture, or the text of a raw subject
func (v *Value) Text() string {
	if v == nil {
		return ""
	}
	switch v.kind {
	case valueText:
		return v.text
	case valueNode:
		return v.node.Text()
	case valueList:
		if len(v.list) > 0 {
			return v.list[0]
		}
	}
	return ""
}

// Strings returns every capture. A single capture yields one element and a
// mapping yields the captures of its values in order.
func (v *Value) Strings() []string {
	if v == nil {
		return nil
	}
	switch v.kind {
	case valueList:
		return append([]string(nil), v.list...)
	case valueText:
		return []string{v.text}
	case valueNode:
		return []string{v.node.Text()}
	case valueMap:
		var out []string
		for _, k := range v.keys {
			out = append(out, v.fields[k].Strings()...)
		}
		return out
	}
	return nil
}

// Node returns the raw subject bound by a nil binding
func (v *Value) Node() *confignode.Node {
	if v == nil || v.kind != valueNode {
		return nil
	}
	return v.node
}

// Interface converts the value to plain Go values for reporting
func (v *Value) Interface() interface{} {
	if v == nil {
		return nil
	}
	switch v.kind {
	case valueNode:
		return v.node
	case valueText:
		return v.text
	case valueList:
		return v.list
	case valueRule:
		return v.rule
	}
	return orderedMap{v}
}

// MarshalJSON renders the value with mapping keys in binding order
func (v *Value) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	if v.kind != valueMap {
		return json.Marshal(v.Interface())
	}
	return orderedMap{v}.MarshalJSON()
}

type orderedMap struct{ v *Value }

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range m.v.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := m.v.fields[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}
