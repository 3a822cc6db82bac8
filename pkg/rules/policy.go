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
	"log/slog"

	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// PolicyViolation is one result of a user policy
type PolicyViolation struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Job         string
	Step        string
	Evidence    string
	Remediation string
}

// PolicyEvaluator evaluates user policies against an action document
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input interface{}) ([]PolicyViolation, error)
}

// PolicyInput builds the document policies are evaluated against
func PolicyInput(ctx context.Context, action *graph.Action) map[string]interface{} {
	input := map[string]interface{}{
		"name":     action.Name(),
		"url":      action.URL(),
		"path":     action.Subpath,
		"workflow": action.Config(ctx).Interface(),
	}
	if action.Owner() != "" {
		input["repository"] = action.Owner() + "/" + action.RepoName()
	}
	return input
}

// Policy reports the deny results of user policies. Evaluation failures are
// logged to log, or the default logger when nil.
func Policy(evaluator PolicyEvaluator, log *slog.Logger) *Rule {
	if log == nil {
		log = slog.Default()
	}
	rule := &Rule{
		ID:          "POLICY",
		Name:        "Custom Policy Violation",
		Description: "The action violates a custom policy rule",
		Severity:    Medium,
		Category:    PolicyViolation,
		Explain: func(f *Finding) string {
			if d, ok := f.Details["description"].(string); ok && d != "" {
				return d
			}
			return "The action violates a custom policy rule"
		},
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		if action.Config(ctx) == nil {
			return nil
		}
		violations, err := evaluator.Evaluate(ctx, PolicyInput(ctx, action))
		if err != nil {
			log.Warn(fmt.Sprintf("Policy evaluation failed for %s", action.Name()), "err", err)
			return nil
		}

		var findings []*Finding
		for _, v := range violations {
			step := workflow.NoStep
			if v.Step != "" {
				step = workflow.ByName(v.Step)
			}
			details := Details{
				"policy_id":   v.ID,
				"name":        v.Name,
				"description": v.Description,
				"severity":    string(v.Severity),
			}
			if v.Evidence != "" {
				details["evidence"] = v.Evidence
			}
			if v.Remediation != "" {
				details["remediation"] = v.Remediation
			}
			findings = append(findings, newFinding(rule, action, v.Job, step, details))
		}
		return findings
	}
	return rule
}
