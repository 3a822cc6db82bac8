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

package confignode

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/harekrishnarai/ghascan/pkg/errors"
)

const (
	maxAliasDepth = 64
	// anchors may be referenced this many times per document
	maxAliasCount = 100
	// nodes a document may expand to once aliases are followed
	maxExpandedNodes = 100_000
)

// Parse decodes YAML text into a tree. An empty document yields a nil
// node and no error. Only the first document of a stream is used.
func Parse(data []byte) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewParseError("failed to parse YAML", err, "")
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	c := &converter{anchors: make(map[*yaml.Node]anchored)}
	return c.convert(&doc, 0)
}

// MustParse is Parse for literals in tests and rule tables. It panics on error.
func MustParse(text string) *Node {
	n, err := Parse([]byte(text))
	if err != nil {
		panic(err)
	}
	return n
}

type anchored struct {
	node *Node
	size int
}

// converter turns one yaml.v3 document into a tree. Anchored nodes are
// converted once and shared by every alias; the expanded size is still
// counted per use so alias bombs are rejected.
type converter struct {
	anchors map[*yaml.Node]anchored
	aliases int
	nodes   int
}

func (c *converter) grow(n int, line int) error {
	c.nodes += n
	if c.nodes > maxExpandedNodes {
		return errors.NewParseError(fmt.Sprintf("document expands to more than %d nodes at line %d", maxExpandedNodes, line), nil, "")
	}
	return nil
}

func (c *converter) alias(y *yaml.Node, depth int) (*Node, error) {
	c.aliases++
	if c.aliases > maxAliasCount {
		return nil, errors.NewParseError(fmt.Sprintf("more than %d aliases at line %d", maxAliasCount, y.Line), nil, "")
	}
	if a, ok := c.anchors[y.Alias]; ok {
		if err := c.grow(a.size, y.Line); err != nil {
			return nil, err
		}
		return a.node, nil
	}
	// alias to an anchor still being converted
	return c.convert(y.Alias, depth+1)
}

func (c *converter) convert(y *yaml.Node, depth int) (*Node, error) {
	if depth > maxAliasDepth {
		return nil, errors.NewParseError(fmt.Sprintf("nesting deeper than %d at line %d", maxAliasDepth, y.Line), nil, "")
	}
	if y.Kind == yaml.AliasNode {
		if y.Alias == nil {
			return NewScalar(nil), nil
		}
		return c.alias(y, depth)
	}

	before := c.nodes
	n, err := c.build(y, depth)
	if err != nil {
		return nil, err
	}
	if y.Anchor != "" {
		c.anchors[y] = anchored{node: n, size: c.nodes - before}
	}
	return n, nil
}

func (c *converter) build(y *yaml.Node, depth int) (*Node, error) {
	switch y.Kind {
	case yaml.DocumentNode:
		if len(y.Content) == 0 {
			return nil, nil
		}
		return c.convert(y.Content[0], depth)

	case yaml.SequenceNode:
		if err := c.grow(1, y.Line); err != nil {
			return nil, err
		}
		items := make([]*Node, 0, len(y.Content))
		for _, child := range y.Content {
			item, err := c.convert(child, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		n := NewSequence(items...)
		n.line = y.Line
		return n, nil

	case yaml.MappingNode:
		if err := c.grow(1, y.Line); err != nil {
			return nil, err
		}
		n := NewMapping()
		n.line = y.Line
		for i := 0; i+1 < len(y.Content); i += 2 {
			k, v := y.Content[i], y.Content[i+1]
			if k.Tag == "!!merge" || (k.Kind == yaml.ScalarNode && k.Value == "<<" && k.Tag != "!!str") {
				if err := c.merge(n, v, depth); err != nil {
					return nil, err
				}
				continue
			}
			value, err := c.convert(v, depth+1)
			if err != nil {
				return nil, err
			}
			n.set(keyText(k), value)
		}
		return n, nil

	case yaml.ScalarNode:
		if err := c.grow(1, y.Line); err != nil {
			return nil, err
		}
		return &Node{kind: KindScalar, value: scalarValue(y), line: y.Line}, nil
	}

	return nil, errors.NewParseError(fmt.Sprintf("unexpected YAML node kind %d at line %d", y.Kind, y.Line), nil, "")
}

// merge copies the entries of a "<<" source into n without replacing keys
// that n already defines.
func (c *converter) merge(n *Node, src *yaml.Node, depth int) error {
	target := src
	for target.Kind == yaml.AliasNode && target.Alias != nil {
		target = target.Alias
	}
	sources := []*yaml.Node{src}
	if target.Kind == yaml.SequenceNode {
		sources = target.Content
	}
	for _, s := range sources {
		m, err := c.convert(s, depth+1)
		if err != nil {
			return err
		}
		for _, e := range m.Entries() {
			if !n.Has(e.Key) {
				n.set(e.Key, e.Value)
			}
		}
	}
	return nil
}

func keyText(k *yaml.Node) string {
	for k.Kind == yaml.AliasNode && k.Alias != nil {
		k = k.Alias
	}
	return k.Value
}

func scalarValue(y *yaml.Node) interface{} {
	switch y.ShortTag() {
	case "!!null":
		return nil
	case "!!bool":
		var b bool
		if err := y.Decode(&b); err == nil {
			return b
		}
	case "!!int":
		var i int64
		if err := y.Decode(&i); err == nil {
			return i
		}
	case "!!float":
		var f float64
		if err := y.Decode(&f); err == nil {
			return f
		}
	}
	return y.Value
}
