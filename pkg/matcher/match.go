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

// Matches reports whether node satisfies rule. A nil node stands for a
// missing value and only satisfies the absence marker.
func Matches(rule *Rule, node *confignode.Node) bool {
	if rule == nil {
		return false
	}

	switch rule.kind {
	case KindPattern:
		if node == nil {
			return false
		}
		// regexp keeps no search state between calls
		return rule.re.MatchString(node.Text())

	case KindAbsent:
		return node == nil

	case KindMapping:
		for _, key := range rule.keys {
			sub := rule.fields[key]
			if !matchField(key, sub, node) {
				return false
			}
		}
		return true

	default:
		return node.Equal(rule.literal)
	}
}

func matchField(key string, sub *Rule, node *confignode.Node) bool {
	if key == Wildcard {
		for _, v := range node.Values() {
			if Matches(sub, v) {
				return true
			}
		}
		return false
	}

	if v, ok := node.Lookup(key); ok {
		if v == nil {
			v = confignode.NewScalar(nil)
		}
		return Matches(sub, v)
	}
	return sub != nil && sub.kind == KindAbsent
}

// AnyMatch returns the rules of the set that node satisfies, in order
func AnyMatch(rules []*Rule, node *confignode.Node) []*Rule {
	var matched []*Rule
	for _, r := range rules {
		if Matches(r, node) {
			matched = append(matched, r)
		}
	}
	return matched
}
