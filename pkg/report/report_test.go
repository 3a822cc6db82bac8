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

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ghaerrors "github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/logging"
	"github.com/harekrishnarai/ghascan/pkg/rules"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

type memoryGitHub map[string]map[string]string

func (g memoryGitHub) RepoMetadata(ctx context.Context, owner, name string) (*graph.RepoMetadata, error) {
	return &graph.RepoMetadata{DefaultBranch: "main", SizeKB: 1}, nil
}

func (g memoryGitHub) RepoFiles(ctx context.Context, owner, name, ref string) (map[string]string, error) {
	return g[owner+"/"+name], nil
}

const ciWorkflow = `name: CI
on: pull_request_target
permissions:
  contents: read
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - name: Checkout
        uses: actions/checkout@v4
      - run: echo "${{ github.event.pull_request.title }}"
        env:
          TOKEN: ${{ secrets.NPM_TOKEN }}
`

const deployWorkflow = `on:
  workflow_run:
    workflows: [CI]
jobs:
  deploy:
    steps:
      - run: ./deploy.sh
`

var (
	injection = &rules.Rule{
		ID:          "CMD_EXEC",
		Name:        "Command execution",
		Description: "Untrusted input reaches a run step",
		Severity:    rules.High,
		Category:    rules.InjectionAttack,
	}
	informational = &rules.Rule{
		ID:          "TEST_RULE",
		Name:        "Test rule",
		Description: "Reports every workflow",
		Severity:    rules.Info,
		Category:    rules.Misconfiguration,
	}
)

const ciURL = "https://github.com/octo/app/blob/main/.github/workflows/ci.yml"

func ciAction(t *testing.T) *graph.Action {
	t.Helper()
	gh := memoryGitHub{"octo/app": {
		".github/workflows/ci.yml":     ciWorkflow,
		".github/workflows/deploy.yml": deployWorkflow,
	}}
	reg := graph.NewRegistry(gh, gh, graph.Config{Logger: logging.NewDiscardLogger()})
	repo, err := reg.Repo(context.Background(), "octo", "app", "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return reg.ActionFromRepoFile(repo, ".github/workflows/ci.yml")
}

func testFindings(t *testing.T) []*rules.Finding {
	a := ciAction(t)
	return []*rules.Finding{
		{Rule: injection, Action: a, Job: "build", Step: workflow.ByIndex(1), Details: rules.Details{"value": "github.event.pull_request.title"}},
		{Rule: informational, Action: a, Step: workflow.NoStep, Details: rules.Details{}},
		{Rule: injection, Action: a, Job: "build", Step: workflow.ByName("Checkout"), Details: rules.Details{}},
	}
}

func TestTextReport(t *testing.T) {
	var out bytes.Buffer
	g := &Generator{Format: "text", Out: &out}
	if err := g.Generate(context.Background(), testFindings(t)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := `The rule CMD_EXEC triggered for ` + ciURL + `
  Documentation: https://github.com/harekrishnarai/ghascan#CMD_EXEC
  Workflow: .github/workflows/ci.yml
    Job: build
      Step: 1
        - Description: Untrusted input reaches a run step
          Permissions: contents:read,repository:write
          Secrets: secrets.NPM_TOKEN

      Step: Checkout
        - Description: Untrusted input reaches a run step
          Permissions: contents:read,repository:write
          Secrets: secrets.NPM_TOKEN

The rule TEST_RULE triggered for ` + ciURL + `
  Documentation: https://github.com/harekrishnarai/ghascan#TEST_RULE
  Workflow: .github/workflows/ci.yml
    Job: none
      Step: none
        - Description: Reports every workflow
          Permissions: contents:read,repository:write
          Secrets: none

`
	if out.String() != expected {
		t.Errorf("Unexpected text report:\n%s\nwant:\n%s", out.String(), expected)
	}
}

func TestTextReportSummary(t *testing.T) {
	var out bytes.Buffer
	g := &Generator{Format: "text", Out: &out, Summary: true}
	if err := g.Generate(context.Background(), testFindings(t)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, want := range []string{"Rule", "Severity", "CMD_EXEC", "HIGH", "TEST_RULE", "Total"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in the summary table:\n%s", want, out.String())
		}
	}
}

func TestJSONReport(t *testing.T) {
	data, err := JSON(context.Background(), testFindings(t))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(data), "[\n  {\n    \"rule\"") {
		t.Errorf("Expected two-space indented output, got %q", string(data)[:20])
	}

	var entries []map[string]interface{}
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	first := entries[0]
	if rule := first["rule"].(map[string]interface{}); rule["id"] != "CMD_EXEC" || rule["documentation"] != "https://github.com/harekrishnarai/ghascan#CMD_EXEC" {
		t.Errorf("Unexpected rule %v", rule)
	}
	if first["source_uri"] != ciURL || first["description"] != "Untrusted input reaches a run step" {
		t.Errorf("Unexpected entry %v", first)
	}

	loc := first["location"].(map[string]interface{})
	if loc["workflow"] != ".github/workflows/ci.yml" || loc["repo"] != "https://github.com/octo/app" ||
		loc["job"] != "build" || loc["step"] != float64(1) || loc["line"] != float64(11) {
		t.Errorf("Unexpected location %v", loc)
	}

	c := first["context"].(map[string]interface{})
	perms := c["permissions"].(map[string]interface{})
	if perms["contents"] != "read" || perms["repository"] != "write" {
		t.Errorf("Unexpected permissions %v", perms)
	}
	secrets := c["subsequent_secrets"].([]interface{})
	if len(secrets) != 1 || secrets[0].(map[string]interface{})["key"] != "TOKEN" {
		t.Errorf("Unexpected secrets %v", secrets)
	}
	triggered := c["triggered_workflows"].([]interface{})
	if len(triggered) != 1 || triggered[0] != "https://github.com/octo/app/blob/main/.github/workflows/deploy.yml" {
		t.Errorf("Unexpected triggered workflows %v", triggered)
	}
	if c["triggered_on"] != "pull_request_target" || c["runs-on"] != "ubuntu-latest" {
		t.Errorf("Unexpected trigger context %v", c)
	}
	if used := c["used_by"].([]interface{}); len(used) != 0 {
		t.Errorf("Expected no callers, got %v", used)
	}

	whole := entries[1]["location"].(map[string]interface{})
	if whole["step"] != nil || whole["line"] != float64(1) {
		t.Errorf("Unexpected location for a workflow-wide finding %v", whole)
	}
	if _, ok := whole["job"]; ok {
		t.Errorf("Expected no job for a workflow-wide finding %v", whole)
	}
}

func TestLine(t *testing.T) {
	a := ciAction(t)
	tests := []struct {
		name     string
		job      string
		step     workflow.StepID
		expected int
	}{
		{"named step", "build", workflow.ByName("Checkout"), 9},
		{"indexed step", "build", workflow.ByIndex(1), 11},
		{"job only", "build", workflow.NoStep, 7},
		{"unknown step", "build", workflow.ByName("Nope"), 7},
		{"unknown job", "ghost", workflow.NoStep, 1},
		{"whole file", "", workflow.NoStep, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &rules.Finding{Rule: injection, Action: a, Job: tt.job, Step: tt.step}
			if got := Line(context.Background(), f); got != tt.expected {
				t.Errorf("Line() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGenerateRunsPrereport(t *testing.T) {
	enriched := *injection
	enriched.Prereport = func(f *rules.Finding) {
		f.Details["set_in"] = "build"
	}
	f := &rules.Finding{Rule: &enriched, Action: ciAction(t), Job: "build", Step: workflow.ByIndex(1), Details: rules.Details{}}

	var out bytes.Buffer
	g := &Generator{Format: "json", Out: &out}
	if err := g.Generate(context.Background(), []*rules.Finding{f}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), `"set_in": "build"`) {
		t.Errorf("Expected prereport details in the output:\n%s", out.String())
	}
}

func TestGenerateToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.json")
	g := NewGenerator("json", path)
	if g.Color || g.Summary {
		t.Error("Expected no terminal decoration when writing to a file")
	}
	if err := g.Generate(context.Background(), testFindings(t)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected the report file: %v", err)
	}
	if !json.Valid(data) {
		t.Error("Expected valid JSON in the report file")
	}

	bad := &Generator{Format: "json", FilePath: filepath.Join(t.TempDir(), "missing", "out.json")}
	if err := bad.Generate(context.Background(), nil); !errors.Is(err, ghaerrors.ErrReport) {
		t.Errorf("Expected report error, got %v", err)
	}
}

func TestGenerateUnknownFormat(t *testing.T) {
	g := &Generator{Format: "xml", Out: &bytes.Buffer{}}
	if err := g.Generate(context.Background(), nil); !errors.Is(err, ghaerrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestGroupBy(t *testing.T) {
	groups := groupBy([]string{"b1", "a1", "b2", "c1", "a2"}, func(s string) string { return s[:1] })
	var got []string
	for _, g := range groups {
		got = append(got, strings.Join(g, ","))
	}
	if strings.Join(got, " ") != "b1,b2 a1,a2 c1" {
		t.Errorf("groupBy() = %v", got)
	}
}
