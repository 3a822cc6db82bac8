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
	"github.com/harekrishnarai/ghascan/pkg/confignode"
)

// Binding has the shape of a rule and names, per pattern leaf, which
// capture group to bind. A nil Binding binds the raw subject.
type Binding struct {
	group  string
	fields map[string]*Binding
}

// Group binds the named capture group. An empty name, or a group that did
// not participate in the match, binds the whole match.
func Group(name string) *Binding {
	return &Binding{group: name}
}

// Bind builds a mapping binding
func Bind(fields map[string]*Binding) *Binding {
	return &Binding{fields: fields}
}

// BindPath nests a group binding under a chain of keys
func BindPath(group string, keys ...string) *Binding {
	b := Group(group)
	for i := len(keys) - 1; i >= 0; i-- {
		b = Bind(map[string]*Binding{keys[i]: b})
	}
	return b
}

// child returns the binding for key, falling back to the wildcard binding
func (b *Binding) child(key string) *Binding {
	if b == nil || b.fields == nil {
		return nil
	}
	if c, ok := b.fields[key]; ok && c != nil {
		return c
	}
	return b.fields[Wildcard]
}

// Extract mirrors Matches over the same rule and returns the values bound
// by binding. It is meant to be called on nodes that match rule.
func Extract(rule *Rule, node *confignode.Node, binding *Binding) *Value {
	if rule == nil {
		return nil
	}

	switch rule.kind {
	case KindPattern:
		if binding == nil {
			return nodeValue(node)
		}
		return extractPattern(rule, node.Text(), binding.group)

	case KindMapping:
		out := newMapValue()
		for _, key := range rule.keys {
			sub := rule.fields[key]
			if key == Wildcard {
				for _, e := range node.Entries() {
					if Matches(sub, e.Value) {
						out.set(e.Key, Extract(sub, e.Value, binding.child(e.Key)))
					}
				}
				continue
			}
			if v, ok := node.Lookup(key); ok {
				out.set(key, Extract(sub, v, binding.child(key)))
				continue
			}
			if sub != nil && sub.kind != KindAbsent {
				out.set(key, ruleValue(sub))
			}
		}
		return out

	default:
		return nodeValue(node)
	}
}

func extractPattern(rule *Rule, text, group string) *Value {
	idx := -1
	if group != "" {
		idx = rule.re.SubexpIndex(group)
	}
	pick := func(m []string) string {
		if idx > 0 && idx < len(m) && m[idx] != "" {
			return m[idx]
		}
		return m[0]
	}

	if rule.multi {
		all := rule.re.FindAllStringSubmatch(text, -1)
		out := make([]string, 0, len(all))
		for _, m := range all {
			out = append(out, pick(m))
		}
		return listValue(out)
	}

	m := rule.re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return textValue(pick(m))
}
