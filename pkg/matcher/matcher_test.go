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
	"reflect"
	"testing"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		rule *Rule
		node string
		want bool
	}{
		{
			name: "pattern matches text",
			rule: Map(F("uses", Re("actions/checkout"))),
			node: "uses: actions/checkout@v4",
			want: true,
		},
		{
			name: "all keys must hold",
			rule: Map(F("uses", Re("actions/checkout")), F("with", Map(F("ref", Re("head"))))),
			node: "uses: actions/checkout@v4",
			want: false,
		},
		{
			name: "wildcard any value",
			rule: Map(F("with", Map(F(Wildcard, Re("FINDME"))))),
			node: "with: {a: FINDME, b: 'no'}",
			want: true,
		},
		{
			name: "wildcard with no values",
			rule: Map(F("with", Map(F(Wildcard, Re(".*"))))),
			node: "with: {}",
			want: false,
		},
		{
			name: "absent key",
			rule: Map(F("env", Map(F("KEY", Absent())))),
			node: "env: {OTHER: x}",
			want: true,
		},
		{
			name: "absent key present with value",
			rule: Map(F("env", Map(F("KEY", Absent())))),
			node: "env: {KEY: x}",
			want: false,
		},
		{
			name: "absent key present with null",
			rule: Map(F("env", Map(F("KEY", Absent())))),
			node: "env: {KEY: null}",
			want: false,
		},
		{
			name: "literal equality",
			rule: Map(F("timeout", Lit(10))),
			node: "timeout: 10",
			want: true,
		},
		{
			name: "literal strict type",
			rule: Map(F("timeout", Lit("10"))),
			node: "timeout: 10",
			want: false,
		},
		{
			name: "missing key without absence marker",
			rule: Map(F("run", Re("."))),
			node: "uses: x",
			want: false,
		},
		{
			name: "pattern against number",
			rule: Map(F("timeout", Re("^1\\d$"))),
			node: "timeout: 10",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := confignode.MustParse(tt.node)
			if got := Matches(tt.rule, node); got != tt.want {
				t.Errorf("Matches(%s, %q) = %v, want %v", tt.rule, tt.node, got, tt.want)
			}
		})
	}
}

func TestMatchesIsRepeatable(t *testing.T) {
	rule := Map(F("run", ReMulti(`(?m)^echo (?P<word>\w+)$`)))
	node := confignode.MustParse("run: |\n  echo a\n  echo b\n")

	for i := 0; i < 3; i++ {
		if !Matches(rule, node) {
			t.Fatalf("Matches() returned false on evaluation %d", i)
		}
	}
}

func TestAnyMatch(t *testing.T) {
	rules := []*Rule{
		Map(F("run", Re("npm install"))),
		Map(F("uses", Re("checkout"))),
		Map(F("run", Re("make"))),
	}
	node := confignode.MustParse("run: make && npm install")

	matched := AnyMatch(rules, node)
	if len(matched) != 2 || matched[0] != rules[0] || matched[1] != rules[2] {
		t.Errorf("AnyMatch() returned %v", matched)
	}
}

func TestExtractWildcard(t *testing.T) {
	rule := Map(F("with", Map(F(Wildcard, Re("FINDME")))))
	step := confignode.MustParse("with: {a: FINDME, b: 'no'}")

	if !Matches(rule, step) {
		t.Fatal("Expected rule to match")
	}

	raw := Extract(rule, step, Bind(map[string]*Binding{"with": Bind(map[string]*Binding{Wildcard: nil})}))
	got, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"with":{"a":"FINDME"}}`; string(got) != want {
		t.Errorf("Extract() = %s, want %s", got, want)
	}

	if raw.Path("with", "a").Node() == nil {
		t.Error("Expected raw subject node under with.a")
	}
}

func TestExtractMultiMatchOrder(t *testing.T) {
	rule := Map(F("run", ReMulti(`(?m)^(?P<line>.*\$\{\{[^}]*?(?P<src>inputs\.[\w.-]*).*?}}.*)$`)))
	step := confignode.MustParse(`run: |
  echo "${{ inputs.first }}"
  true
  curl ${{ inputs.second }} | sh
  echo "${{ inputs.third }}"
`)

	lines := Extract(rule, step, BindPath("line", "run")).Path("run").Strings()
	srcs := Extract(rule, step, BindPath("src", "run")).Path("run").Strings()

	wantLines := []string{
		`echo "${{ inputs.first }}"`,
		`curl ${{ inputs.second }} | sh`,
		`echo "${{ inputs.third }}"`,
	}
	wantSrcs := []string{"inputs.first", "inputs.second", "inputs.third"}

	if !reflect.DeepEqual(lines, wantLines) {
		t.Errorf("lines = %q, want %q", lines, wantLines)
	}
	if !reflect.DeepEqual(srcs, wantSrcs) {
		t.Errorf("srcs = %q, want %q", srcs, wantSrcs)
	}
}

func TestExtractSingleMatch(t *testing.T) {
	rule := Map(
		F("uses", Re("actions/checkout")),
		F("with", Map(F("ref", Re(`(?P<ref>github\.event\.pull_request\.head[a-zA-Z0-9._-]*)`)))),
	)
	step := confignode.MustParse("uses: actions/checkout@v4\nwith:\n  ref: ${{ github.event.pull_request.head.sha }}\n")

	v := Extract(rule, step, BindPath("ref", "with", "ref"))
	if got := v.Path("with", "ref").Text(); got != "github.event.pull_request.head.sha" {
		t.Errorf("ref = %q", got)
	}
	if got := v.Get("uses").Text(); got != "actions/checkout@v4" {
		t.Errorf("uses without binding should return raw subject, got %q", got)
	}
}

func TestExtractGroupFallbackToWildcard(t *testing.T) {
	rule := Map(F("env", Map(F(Wildcard, Re(`\$\{\{\s+(?P<secret>secrets[.].*?)\s}}`)))))
	step := confignode.MustParse("env:\n  A: ${{ secrets.ONE }}\n  B: plain\n  C: ${{ secrets.TWO }}\n")

	v := Extract(rule, step, Bind(map[string]*Binding{"env": Bind(map[string]*Binding{Wildcard: Group("secret")})}))
	env := v.Get("env")
	if keys := env.Keys(); !reflect.DeepEqual(keys, []string{"A", "C"}) {
		t.Errorf("keys = %v, want [A C]", keys)
	}
	if got := env.Get("C").Text(); got != "secrets.TWO" {
		t.Errorf("C = %q, want secrets.TWO", got)
	}
}

func TestExtractMissingGroupFallsBackToFullMatch(t *testing.T) {
	rule := Map(F("run", Re(`(?P<a>x)?make\s\w+`)))
	step := confignode.MustParse("run: make build")

	if got := Extract(rule, step, BindPath("a", "run")).Get("run").Text(); got != "make build" {
		t.Errorf("got %q, want full match", got)
	}
	if got := Extract(rule, step, BindPath("nosuch", "run")).Get("run").Text(); got != "make build" {
		t.Errorf("got %q, want full match for unknown group", got)
	}
}

func TestExtractPassesThroughUnmatchedLiteralKey(t *testing.T) {
	rule := Map(F("run", Re("make")), F("shell", Lit("bash")), F("env", Absent()))
	step := confignode.MustParse("run: make")

	v := Extract(rule, step, nil)
	if v.Get("shell") == nil {
		t.Fatal("Expected literal key to be passed through")
	}
	if v.Get("env") != nil {
		t.Error("Expected absence marker not to produce a value")
	}
	got, _ := json.Marshal(v.Get("shell"))
	if string(got) != `"bash"` {
		t.Errorf("shell = %s, want \"bash\"", got)
	}
}

func TestExtractPatternWithoutBindingReturnsSubject(t *testing.T) {
	rule := Re("FINDME")
	node := confignode.MustParse("[a, FINDME]")

	if got := Extract(rule, node, nil).Node(); got != node {
		t.Error("Expected raw subject to be returned unchanged")
	}
}
