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

package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	m "github.com/harekrishnarai/ghascan/pkg/matcher"
	"github.com/harekrishnarai/ghascan/pkg/shell"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

var (
	pwnRequestRules = []*m.Rule{
		m.Map(
			m.F("uses", m.Re(`actions/checkout`)),
			m.F("with", m.Map(m.F("ref", m.Re(`(?P<ref>github.event.pull_request.head[a-zA-Z0-9._-]*)`)))),
		),
		m.Map(
			m.F("uses", m.Re(`actions/checkout`)),
			m.F("with", m.Map(m.F("ref", m.Re(`(?P<ref>refs/pull/.*/merge)`)))),
		),
	}

	localUsesRule = m.Map(m.F("uses", m.Re(`^\./`)))
)

// CompromisableStep is a step that runs code from the working directory
// after an untrusted checkout
type CompromisableStep struct {
	Step workflow.StepID `json:"step"`
	Why  []string        `json:"why"`
}

// PwnRequest flags pull_request_target workflows that check out the pull
// request head
func PwnRequest() *Rule {
	rule := &Rule{
		ID:          "PWN_REQUEST",
		Name:        "Untrusted Checkout in pull_request_target",
		Description: "The job checks out pull request code under pull_request_target, where it runs with elevated privileges",
		Severity:    Critical,
		Category:    PrivilegeEscalation,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("The identified job performs a checkout of %v which, when triggered by pull_request_target, may be attacker controlled and may result in compromise of the job with higher privileges", f.Details["ref"])
		},
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		cfg := action.Config(ctx)
		if !workflow.OnContains(cfg, "pull_request_target") {
			return nil
		}

		var findings []*Finding
		for _, step := range workflow.Steps(cfg) {
			for _, pattern := range m.AnyMatch(pwnRequestRules, step.Node) {
				ref := m.Extract(pattern, step.Node, m.BindPath("ref", "with", "ref")).Path("with", "ref").Text()
				id := step.ID()

				offset, after := action.StepsAfter(ctx, step.Container.JobKey, id)
				findings = append(findings, newFinding(rule, action, step.Container.JobKey, id, Details{
					"ref":                             ref,
					"potentially_compromisable_steps": compromisableSteps(offset, after),
				}))
			}
		}
		return findings
	}
	return rule
}

func compromisableSteps(offset int, steps []*confignode.Node) []CompromisableStep {
	out := []CompromisableStep{}
	for i, step := range steps {
		id := workflow.OffsetID(step, offset, i)

		var why []string
		for _, pattern := range m.AnyMatch(CWDCompromisableRules, step) {
			if pattern.Get("run") != nil {
				why = append(why, "run: "+m.Extract(pattern, step, m.BindPath("line", "run")).Get("run").Text())
				continue
			}
			why = append(why, "with.command: "+step.Path("with", "command").Text())
		}
		why = append(why, localExecutions(step, why)...)
		if len(why) > 0 {
			out = append(out, CompromisableStep{Step: id, Why: why})
		}

		if m.Matches(localUsesRule, step) {
			out = append(out, CompromisableStep{Step: id, Why: []string{"uses: " + step.Get("uses").Text()}})
		}
	}
	return out
}

// localExecutions finds commands of a run script that execute files from the
// working directory and are not already reported
func localExecutions(step *confignode.Node, reported []string) []string {
	run, ok := step.Get("run").Str()
	if !ok {
		return nil
	}
	cmds, err := shell.Commands(run)
	if err != nil {
		return nil
	}

	var out []string
	for _, c := range cmds {
		if !c.ExecutesLocalFile() {
			continue
		}
		entry := "run: " + c.Text
		covered := false
		for _, r := range reported {
			if strings.Contains(r, c.Text) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, entry)
		}
	}
	return out
}

// WorkflowRun flags workflow_run workflows that check out the triggering
// run's code
func WorkflowRun() *Rule {
	rule := &Rule{
		ID:          "WORKFLOW_RUN",
		Name:        "Untrusted Checkout in workflow_run",
		Description: "The workflow is triggered by workflow_run and checks out code of the triggering run, which may be attacker controlled",
		Severity:    High,
		Category:    PrivilegeEscalation,
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		cfg := action.Config(ctx)
		if !workflow.OnContains(cfg, "workflow_run") {
			return nil
		}

		downloads := artifactDownloads(cfg)
		var findings []*Finding
		for _, step := range workflow.Steps(cfg) {
			if !strings.Contains(step.Node.Get("uses").Text(), "actions/checkout") ||
				!strings.Contains(step.Node.Path("with", "ref").Text(), "github.event.workflow_run") {
				continue
			}
			details := Details{
				"on":   cfg.Get("on"),
				"if":   step.Container.Job.Get("if").Text(),
				"uses": step.Node.Get("uses").Text(),
				"with": step.Node.Get("with"),
			}
			if len(downloads) > 0 {
				details["artifact_downloads"] = downloads
			}
			findings = append(findings, newFinding(rule, action, step.Container.JobKey, step.ID(), details))
		}
		return findings
	}
	return rule
}

// artifactDownloads lists the steps that pull artifacts of other runs
func artifactDownloads(cfg *confignode.Node) []string {
	var out []string
	for _, step := range workflow.Steps(cfg) {
		uses := step.Node.Get("uses").Text()
		for _, a := range ArtifactDownloadActions {
			if strings.HasPrefix(uses, a+"@") || uses == a {
				out = append(out, uses)
			}
		}
		if strings.Contains(uses, "actions/github-script") {
			script := step.Node.Path("with", "script").Text()
			for _, api := range ArtifactDownloadAPI {
				if strings.Contains(script, api) {
					out = append(out, uses+" ("+api+")")
					break
				}
			}
		}
	}
	return out
}
