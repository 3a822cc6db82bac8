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

package rules_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	ghaerrors "github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/logging"
	"github.com/harekrishnarai/ghascan/pkg/rules"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// memoryGitHub serves repositories from memory
type memoryGitHub map[string]map[string]string

func (g memoryGitHub) RepoMetadata(ctx context.Context, owner, name string) (*graph.RepoMetadata, error) {
	if _, ok := g[owner+"/"+name]; !ok {
		return nil, fmt.Errorf("404 Not Found")
	}
	return &graph.RepoMetadata{DefaultBranch: "main", SizeKB: 1}, nil
}

func (g memoryGitHub) RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error) {
	return g[owner+"/"+name], nil
}

func newRegistry(g memoryGitHub) *graph.Registry {
	return graph.NewRegistry(g, g, graph.Config{Logger: logging.NewDiscardLogger()})
}

// workflowAction returns the action for a single workflow
func workflowAction(t *testing.T, content string) *graph.Action {
	t.Helper()
	reg := newRegistry(memoryGitHub{"octo/app": {".github/workflows/ci.yml": content}})
	repo, err := reg.Repo(context.Background(), "octo", "app", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return reg.ActionFromRepoFile(repo, ".github/workflows/ci.yml")
}

func TestStandardRules(t *testing.T) {
	standardRules := rules.StandardRules(rules.Options{})

	if len(standardRules) == 0 {
		t.Fatal("No standard rules defined")
	}

	for _, rule := range standardRules {
		if rule.ID == "" {
			t.Errorf("Rule ID should not be empty")
		}
		if rule.Name == "" {
			t.Errorf("Rule name should not be empty for rule %s", rule.ID)
		}
		if rule.Description == "" {
			t.Errorf("Rule description should not be empty for rule %s", rule.ID)
		}
		if rule.Check == nil {
			t.Errorf("Rule check function should not be nil for rule %s", rule.ID)
		}
		if !strings.HasSuffix(rule.Documentation(), "#"+rule.ID) {
			t.Errorf("Unexpected documentation link %s", rule.Documentation())
		}
	}

	withChecker := rules.StandardRules(rules.Options{StatusChecker: statusMap{}})
	if len(withChecker) != len(standardRules)+1 {
		t.Error("Expected REPOJACKABLE to be added with a status checker")
	}
}

func ids(rs []*rules.Rule) string {
	var out []string
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return strings.Join(out, ",")
}

func TestSelect(t *testing.T) {
	all := rules.StandardRules(rules.Options{})

	tests := []struct {
		name      string
		selection []string
		want      string
		expectErr bool
	}{
		{"empty keeps all", nil, ids(all), false},
		{"blank entries", []string{""}, ids(all), false},
		{"inclusion", []string{"PWN_REQUEST", "CMD_EXEC"}, "CMD_EXEC,PWN_REQUEST", false},
		{"exclusion", []string{"!TEST_RULE", "!UNPINNED_ACTION"}, "CMD_EXEC,CODE_INJECT,PWN_REQUEST,UNSAFE_INPUT_ASSIGN,WORKFLOW_RUN", false},
		{"mixed is inclusion", []string{"CMD_EXEC", "!CODE_INJECT"}, "CMD_EXEC", false},
		{"unknown", []string{"NOPE"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rules.Select(all, tt.selection)
			if tt.expectErr {
				if !errors.Is(err, ghaerrors.ErrConfig) {
					t.Errorf("Expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ids(got) != tt.want {
				t.Errorf("Select() = %s, want %s", ids(got), tt.want)
			}
		})
	}
}

func TestCmdExec(t *testing.T) {
	action := workflowAction(t, `on: issues
jobs:
  triage:
    steps:
      - name: Greet
        run: |
          echo "hello"
          echo "${{ github.event.issue.title }}"
      - run: echo "${{ github.head_ref }} ${{ github.sha }}"
      - run: echo "${{ github.sha }}"
`)
	findings := rules.CmdExec().Check(context.Background(), action)
	if len(findings) != 2 {
		t.Fatalf("Expected 2 findings, got %d", len(findings))
	}

	first := findings[0]
	if first.Job != "triage" || first.Step.String() != "Greet" {
		t.Errorf("Unexpected location %s/%s", first.Job, first.Step)
	}
	if first.Details["run_lineno"] != 1 || first.Details["value"] != "github.event.issue.title" {
		t.Errorf("Unexpected details %v", first.Details)
	}
	if first.Details["line"] != `echo "${{ github.event.issue.title }}"` {
		t.Errorf("Unexpected line %q", first.Details["line"])
	}
	if !strings.Contains(first.Description(), "Run line 1") {
		t.Errorf("Unexpected description %q", first.Description())
	}

	if findings[1].Step.String() != "1" || findings[1].Details["value"] != "github.head_ref" {
		t.Errorf("Unexpected second finding %s %v", findings[1].Step, findings[1].Details)
	}
}

func TestCmdExecSetIn(t *testing.T) {
	reg := newRegistry(memoryGitHub{
		"octo/app": {".github/workflows/ci.yml": `on: push
jobs:
  build:
    steps:
      - uses: octo/greet@v1
        with:
          who: ${{ github.event.head_commit.message }}
          other: x
`},
		"octo/greet": {"action.yml": `name: Greet
runs:
  using: composite
  steps:
    - run: echo "Hello ${{ inputs.who }}"
      shell: bash
`},
	})
	ctx := context.Background()

	repo, _ := reg.Repo(ctx, "octo", "app", "")
	caller := reg.ActionFromRepoFile(repo, ".github/workflows/ci.yml")
	var findings []*rules.Finding
	caller.Scan(ctx, func(ctx context.Context, a *graph.Action) {
		findings = append(findings, rules.CmdExec().Check(ctx, a)...)
	}, graph.ScanOptions{Recurse: true, MaxDepth: 1})

	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Job != "Greet" || f.Details["value"] != "inputs.who" {
		t.Errorf("Unexpected finding %s %v", f.Job, f.Details)
	}

	f.RunPrereport()
	setIn, ok := f.Details["set_in"].([]graph.UsedBy)
	if !ok || len(setIn) != 1 {
		t.Fatalf("Expected set_in, got %v", f.Details["set_in"])
	}
	if setIn[0].Job != "build" || setIn[0].With.Keys()[0] != "who" || setIn[0].With.Len() != 1 {
		t.Errorf("Unexpected set_in %+v", setIn[0])
	}
}

func TestCodeInject(t *testing.T) {
	action := workflowAction(t, `on: pull_request
jobs:
  comment:
    steps:
      - uses: actions/github-script@v7
        with:
          script: |
            const title = "${{ github.event.pull_request.title }}"
            console.log(title)
      - uses: actions/checkout@v4
        with:
          script: "${{ github.event.pull_request.title }}"
`)
	findings := rules.CodeInject().Check(context.Background(), action)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	if findings[0].Details["run_lineno"] != 0 || findings[0].Details["value"] != "github.event.pull_request.title" {
		t.Errorf("Unexpected details %v", findings[0].Details)
	}
}

func TestUnsafeInputAssign(t *testing.T) {
	action := workflowAction(t, `on: pull_request_target
jobs:
  label:
    steps:
      - name: Label
        uses: octo/labeler@v1
        with:
          title: ${{ github.event.pull_request.title }}
          safe: ${{ github.sha }}
`)
	findings := rules.UnsafeInputAssign().Check(context.Background(), action)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}

	b, err := json.Marshal(findings[0].Details)
	if err != nil {
		t.Fatalf("Failed to marshal details: %v", err)
	}
	want := `{"value":["github.event.pull_request.title"],"with_item":{"title":"${{ github.event.pull_request.title }}"}}`
	if string(b) != want {
		t.Errorf("details = %s, want %s", b, want)
	}
}

const pwnWorkflow = `on:
  pull_request_target:
    types: [opened]
jobs:
  build:
    steps:
      - uses: actions/checkout@v4
        with:
          ref: ${{ github.event.pull_request.head.sha }}
      - name: Install
        run: npm install
      - run: echo done && ./scripts/build.sh
      - run: |
          cd web
          ./configure --prefix=/usr
      - uses: ./.github/actions/local
      - run: echo safe
`

func TestPwnRequest(t *testing.T) {
	action := workflowAction(t, pwnWorkflow)
	findings := rules.PwnRequest().Check(context.Background(), action)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}

	f := findings[0]
	if f.Details["ref"] != "github.event.pull_request.head.sha" || f.Step.String() != "0" {
		t.Errorf("Unexpected finding %s %v", f.Step, f.Details)
	}

	steps := f.Details["potentially_compromisable_steps"].([]rules.CompromisableStep)
	if len(steps) != 4 {
		t.Fatalf("Expected 4 compromisable steps, got %+v", steps)
	}
	expect := []struct {
		step string
		why  string
	}{
		{"Install", "run: npm install"},
		{"2", "run: ./scripts/build.sh"},
		{"3", "run: ./configure --prefix=/usr"},
		{"4", "uses: ./.github/actions/local"},
	}
	for i, e := range expect {
		if steps[i].Step.String() != e.step || len(steps[i].Why) != 1 || steps[i].Why[0] != e.why {
			t.Errorf("Step %d: got %s %v, want %s %s", i, steps[i].Step, steps[i].Why, e.step, e.why)
		}
	}
}

func TestPwnRequestRequiresTrigger(t *testing.T) {
	action := workflowAction(t, strings.Replace(pwnWorkflow, "pull_request_target", "pull_request", 1))
	if findings := rules.PwnRequest().Check(context.Background(), action); len(findings) != 0 {
		t.Errorf("Expected no findings without pull_request_target, got %d", len(findings))
	}
}

func TestWorkflowRun(t *testing.T) {
	action := workflowAction(t, `on:
  workflow_run:
    workflows: [CI]
jobs:
  deploy:
    if: github.event.workflow_run.conclusion == 'success'
    steps:
      - uses: actions/download-artifact@v4
      - uses: actions/checkout@v4
        with:
          ref: ${{ github.event.workflow_run.head_sha }}
`)
	findings := rules.WorkflowRun().Check(context.Background(), action)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	d := findings[0].Details
	if d["if"] != "github.event.workflow_run.conclusion == 'success'" || d["uses"] != "actions/checkout@v4" {
		t.Errorf("Unexpected details %v", d)
	}
	if downloads, _ := d["artifact_downloads"].([]string); len(downloads) != 1 {
		t.Errorf("Expected artifact download to be listed, got %v", d["artifact_downloads"])
	}
	if findings[0].Step.String() != "1" {
		t.Errorf("Unexpected step %s", findings[0].Step)
	}
}

func TestUnpinnedAction(t *testing.T) {
	action := workflowAction(t, `on: push
jobs:
  build:
    steps:
      - uses: actions/checkout@v4
      - uses: actions/setup-go@0c52d547c9bc32b1aa3301fd7a9cb496313a4491
      - uses: ./local
      - uses: docker://alpine:3
      - name: Cache
        uses: actions/cache
  reuse:
    uses: octo/app/.github/workflows/reusable.yml@main
`)
	findings := rules.UnpinnedAction().Check(context.Background(), action)

	var got []string
	for _, f := range findings {
		got = append(got, fmt.Sprintf("%s/%s=%v", f.Job, f.Step, f.Details["ref"]))
	}
	want := "reuse/=main build/0=v4 build/Cache="
	if strings.Join(got, " ") != want {
		t.Errorf("Findings = %v, want %s", got, want)
	}
}

type statusMap map[string]int

func (s statusMap) Status(ctx context.Context, path string) (int, error) {
	if code, ok := s[path]; ok {
		return code, nil
	}
	return 200, nil
}

func TestRepojackable(t *testing.T) {
	reg := newRegistry(memoryGitHub{"octo/app": {"action.yml": "name: app"}})
	ctx := context.Background()
	checker := statusMap{
		"renamed/action": 301,
		"ghost/action":   404,
		"ghost":          404,
	}
	rule := rules.Repojackable(checker)

	tests := []struct {
		uses   string
		reason string
	}{
		{"renamed/action@v1", "repository redirect"},
		{"ghost/action@v1", "organisation not found"},
		{"octo/app@main", ""},
	}

	for _, tt := range tests {
		t.Run(tt.uses, func(t *testing.T) {
			action, err := reg.ActionFromUses(ctx, nil, tt.uses)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			findings := rule.Check(ctx, action)
			if tt.reason == "" {
				if len(findings) != 0 {
					t.Errorf("Expected no findings, got %v", findings[0].Details)
				}
				return
			}
			if len(findings) != 1 || findings[0].Details["reason"] != tt.reason {
				t.Fatalf("Unexpected findings %v", findings)
			}
			if findings[0].Job != "" || !findings[0].Step.IsZero() {
				t.Error("Expected action-level finding")
			}
		})
	}
}

func TestTestRule(t *testing.T) {
	if got := rules.TestRule().Check(context.Background(), workflowAction(t, "on:\n  TEST: true\n")); len(got) != 1 {
		t.Errorf("Expected TEST trigger to fire, got %d", len(got))
	}
	if got := rules.TestRule().Check(context.Background(), workflowAction(t, "on: TEST\n")); len(got) != 0 {
		t.Errorf("Expected string trigger to be ignored, got %d", len(got))
	}
}

type fakePolicies []rules.PolicyViolation

func (p fakePolicies) Evaluate(ctx context.Context, input interface{}) ([]rules.PolicyViolation, error) {
	doc := input.(map[string]interface{})
	if doc["repository"] != "octo/app" {
		return nil, fmt.Errorf("unexpected input %v", doc)
	}
	return p, nil
}

func TestPolicy(t *testing.T) {
	action := workflowAction(t, "on: push\njobs:\n  build:\n    steps:\n      - name: Build\n        run: make\n")
	rule := rules.Policy(fakePolicies{{ID: "NO_MAKE", Description: "make is banned", Severity: rules.High, Job: "build", Step: "Build"}}, logging.NewDiscardLogger())

	findings := rule.Check(context.Background(), action)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Job != "build" || f.Step != workflow.ByName("Build") || f.Description() != "make is banned" {
		t.Errorf("Unexpected finding %+v", f)
	}
}

type failingPolicies struct{}

func (failingPolicies) Evaluate(ctx context.Context, input interface{}) ([]rules.PolicyViolation, error) {
	return nil, fmt.Errorf("rego_type_error: undefined ref")
}

func TestPolicyEvaluationFailureIsLogged(t *testing.T) {
	action := workflowAction(t, "on: push\njobs:\n  build:\n    steps:\n      - run: make\n")
	var logs bytes.Buffer
	rule := rules.Policy(failingPolicies{}, slog.New(logging.NewHandler(&logs, slog.LevelDebug, false)))

	if findings := rule.Check(context.Background(), action); len(findings) != 0 {
		t.Errorf("Expected no findings, got %d", len(findings))
	}
	if out := logs.String(); !strings.Contains(out, "Policy evaluation failed for "+action.Name()) || !strings.Contains(out, "rego_type_error") {
		t.Errorf("Expected the failure on the rule's logger, got %q", out)
	}
}

type panicky struct{}

func TestRuleEngineRecoversFromPanics(t *testing.T) {
	action := workflowAction(t, "on:\n  TEST: yes\n")
	broken := &rules.Rule{
		ID: "BROKEN",
		Check: func(ctx context.Context, a *graph.Action) []*rules.Finding {
			panic(panicky{})
		},
	}

	engine := rules.NewRuleEngine(nil, logging.NewDiscardLogger())
	findings := engine.ExecuteRules(context.Background(), action, []*rules.Rule{broken, rules.TestRule()})
	if len(findings) != 1 || findings[0].Rule.ID != "TEST_RULE" {
		t.Errorf("Expected the remaining rule to run, got %d findings", len(findings))
	}
}

type ignoreConfig struct{}

func (ignoreConfig) IsRuleEnabled(id string) bool { return id != "CMD_EXEC" }
func (ignoreConfig) ShouldIgnoreForRule(id, repo, subpath string) bool {
	return id == "TEST_RULE" && repo == "octo/app"
}

func TestRuleEngineConfig(t *testing.T) {
	action := workflowAction(t, "on:\n  TEST: yes\njobs:\n  a:\n    steps:\n      - run: echo ${{ github.head_ref }}\n")
	engine := rules.NewRuleEngine(ignoreConfig{}, logging.NewDiscardLogger())
	findings := engine.ExecuteRules(context.Background(), action, []*rules.Rule{rules.CmdExec(), rules.TestRule()})
	if len(findings) != 0 {
		t.Errorf("Expected disabled and ignored rules to be skipped, got %d findings", len(findings))
	}
}
