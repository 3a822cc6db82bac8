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

// Package matcher evaluates declarative structural rules against
// configuration trees and extracts the values they bind.
//
// A rule mirrors the shape of the tree it is matched against. Its leaves are
// literals (must equal), patterns (regular expression must match the node's
// text), or the absence marker (key must not exist). A mapping rule requires
// all of its keys to hold; the key "*" holds when any value of the subject
// mapping satisfies the nested rule.
package matcher

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Wildcard is the mapping key that matches any value of the subject
const Wildcard = "*"

// Kind identifies the rule variant
type Kind int

const (
	KindLiteral Kind = iota
	KindPattern
	KindMapping
	KindAbsent
)

// Rule is a node of a rule template
type Rule struct {
	kind    Kind
	literal interface{}
	re      *regexp.Regexp
	multi   bool
	keys    []string
	fields  map[string]*Rule
}

// Field is one key of a mapping rule
type Field struct {
	Key  string
	Rule *Rule
}

// Lit matches a scalar equal to v
func Lit(v interface{}) *Rule {
	return &Rule{kind: KindLiteral, literal: v}
}

// Re matches when expr matches the node text. Extraction binds the first match.
func Re(expr string) *Rule {
	return &Rule{kind: KindPattern, re: regexp.MustCompile(expr)}
}

// ReMulti is Re, but extraction binds every match in textual order
func ReMulti(expr string) *Rule {
	return &Rule{kind: KindPattern, re: regexp.MustCompile(expr), multi: true}
}

// Pattern wraps an already compiled expression
func Pattern(re *regexp.Regexp, multi bool) *Rule {
	return &Rule{kind: KindPattern, re: re, multi: multi}
}

// Absent matches only when the enclosing mapping lacks the key
func Absent() *Rule {
	return &Rule{kind: KindAbsent}
}

// Map builds a mapping rule. Fields keep their declaration order.
func Map(fields ...Field) *Rule {
	r := &Rule{kind: KindMapping, fields: make(map[string]*Rule, len(fields))}
	for _, f := range fields {
		if _, dup := r.fields[f.Key]; !dup {
			r.keys = append(r.keys, f.Key)
		}
		r.fields[f.Key] = f.Rule
	}
	return r
}

// F is shorthand for a Field
func F(key string, rule *Rule) Field {
	return Field{Key: key, Rule: rule}
}

// Kind returns the rule variant
func (r *Rule) Kind() Kind {
	return r.kind
}

// Regexp returns the compiled expression of a pattern rule
func (r *Rule) Regexp() *regexp.Regexp {
	return r.re
}

// Multi reports whether a pattern binds every occurrence
func (r *Rule) Multi() bool {
	return r.multi
}

// Get returns the sub-rule for key of a mapping rule
func (r *Rule) Get(key string) *Rule {
	if r == nil || r.kind != KindMapping {
		return nil
	}
	return r.fields[key]
}

// Keys returns the mapping rule keys in declaration order
func (r *Rule) Keys() []string {
	if r == nil || r.kind != KindMapping {
		return nil
	}
	return append([]string(nil), r.keys...)
}

// String renders the rule for logs
func (r *Rule) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("<rule %d>", r.kind)
	}
	return string(b)
}

// MarshalJSON renders patterns as "/expr/" and the absence marker as null
func (r *Rule) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	switch r.kind {
	case KindLiteral:
		return json.Marshal(r.literal)
	case KindPattern:
		return json.Marshal("/" + r.re.String() + "/")
	case KindAbsent:
		return []byte("null"), nil
	}

	buf := []byte{'{'}
	for i, k := range r.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := r.fields[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}
