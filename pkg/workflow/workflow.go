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

// Package workflow exposes the steps of workflow files and composite
// actions through one container abstraction.
package workflow

import (
	"encoding/json"
	"strconv"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
)

// Container is a list of steps under a job key. Workflows produce one per
// job; a composite action produces a single container keyed by its name.
type Container struct {
	JobKey    string
	Job       *confignode.Node
	Steps     []*confignode.Node
	Composite bool
}

// Containers returns the step containers of a parsed file in document order
func Containers(root *confignode.Node) []Container {
	var out []Container

	for _, e := range root.Get("jobs").Entries() {
		steps := e.Value.Get("steps")
		if !steps.IsSequence() {
			continue
		}
		out = append(out, Container{
			JobKey: e.Key,
			Job:    e.Value,
			Steps:  steps.Items(),
		})
	}

	if steps := root.Path("runs", "steps"); steps.IsSequence() {
		name, _ := root.Get("name").Str()
		out = append(out, Container{
			JobKey:    name,
			Job:       root.Get("runs"),
			Steps:     steps.Items(),
			Composite: true,
		})
	}

	return out
}

// Find returns the container for jobKey. An unknown job falls back to the
// composite container, if any.
func Find(root *confignode.Node, jobKey string) (Container, bool) {
	var composite *Container
	for _, c := range Containers(root) {
		if !c.Composite && c.JobKey == jobKey {
			return c, true
		}
		if c.Composite {
			c := c
			composite = &c
		}
	}
	if composite != nil {
		return *composite, true
	}
	return Container{}, false
}

// Step is one non-null step of a container
type Step struct {
	Container *Container
	Node      *confignode.Node
	Index     int
}

// ID returns the step's name if it has one, otherwise its index
func (s Step) ID() StepID {
	return IDOf(s.Node, s.Index)
}

// Steps flattens every container into its non-null steps
func Steps(root *confignode.Node) []Step {
	var out []Step
	containers := Containers(root)
	for i := range containers {
		c := &containers[i]
		for idx, step := range c.Steps {
			if step.IsNull() {
				continue
			}
			out = append(out, Step{Container: c, Node: step, Index: idx})
		}
	}
	return out
}

// StepID identifies a step either by position or by declared name
type StepID struct {
	name  string
	index int
	named bool
}

// ByIndex identifies a step by position
func ByIndex(i int) StepID { return StepID{index: i} }

// ByName identifies a step by its name
func ByName(name string) StepID { return StepID{name: name, named: true} }

// NoStep marks findings that are not tied to a step
var NoStep = StepID{index: -1}

// IDOf returns ByName(step.name) when the step is named, else ByIndex(idx)
func IDOf(step *confignode.Node, idx int) StepID {
	if name, ok := step.Get("name").Str(); ok && name != "" {
		return ByName(name)
	}
	return ByIndex(idx)
}

// OffsetID returns IDOf for a step found at position idx of a slice that
// started at offset
func OffsetID(step *confignode.Node, offset, idx int) StepID {
	return IDOf(step, offset+idx)
}

// Named reports whether the step is identified by name
func (s StepID) Named() bool { return s.named }

// Name returns the step name
func (s StepID) Name() string { return s.name }

// Index returns the step position
func (s StepID) Index() int { return s.index }

// IsZero reports whether the id refers to no step
func (s StepID) IsZero() bool { return !s.named && s.index < 0 }

func (s StepID) String() string {
	if s.named {
		return s.name
	}
	if s.index < 0 {
		return ""
	}
	return strconv.Itoa(s.index)
}

// MarshalJSON encodes names as strings, positions as numbers and no step as null
func (s StepID) MarshalJSON() ([]byte, error) {
	if s.named {
		return json.Marshal(s.name)
	}
	if s.index < 0 {
		return []byte("null"), nil
	}
	return json.Marshal(s.index)
}

// Locate returns the position of id within steps. Names match the first
// step carrying that name.
func Locate(steps []*confignode.Node, id StepID) (int, bool) {
	if !id.named {
		if id.index < 0 || id.index >= len(steps) {
			return 0, false
		}
		return id.index, true
	}
	for i, step := range steps {
		if name, ok := step.Get("name").Str(); ok && name == id.name {
			return i, true
		}
	}
	return 0, false
}

// OnContains reports whether the "on" trigger set includes event. String,
// sequence and mapping forms are supported.
func OnContains(root *confignode.Node, event string) bool {
	on := root.Get("on")
	if on.IsMapping() {
		return on.Has(event)
	}
	return on.Contains(event)
}
