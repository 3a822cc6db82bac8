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

package policies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/rules"
	"github.com/open-policy-agent/opa/v1/rego"
)

// Query is the rule every policy file contributes violations to
const Query = "data.ghascan.deny"

// PolicyEngine evaluates Rego policies against scanned actions
type PolicyEngine struct {
	policyFiles []string
	query       rego.PreparedEvalQuery
}

// NewPolicyEngine compiles the given policy files once. Every file must
// belong to package ghascan and add objects to the deny set.
func NewPolicyEngine(ctx context.Context, policyFiles []string) (*PolicyEngine, error) {
	if len(policyFiles) == 0 {
		return nil, fmt.Errorf("no policy files given")
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, policyFile := range policyFiles {
		policyContent, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		opts = append(opts, rego.Module(policyFile, string(policyContent)))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}
	return &PolicyEngine{policyFiles: policyFiles, query: query}, nil
}

// Files returns the loaded policy files
func (e *PolicyEngine) Files() []string {
	return e.policyFiles
}

// Evaluate runs the policies against input and returns every violation
func (e *PolicyEngine) Evaluate(ctx context.Context, input interface{}) ([]rules.PolicyViolation, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	var violations []rules.PolicyViolation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			// deny is a set, which evaluates to an array
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				violation, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				violations = append(violations, convertViolation(violation))
			}
		}
	}
	return violations, nil
}

func convertViolation(violation map[string]interface{}) rules.PolicyViolation {
	str := func(key, fallback string) string {
		if s, ok := violation[key].(string); ok && s != "" {
			return s
		}
		return fallback
	}

	severity := rules.Medium
	switch strings.ToUpper(str("severity", "")) {
	case "CRITICAL":
		severity = rules.Critical
	case "HIGH":
		severity = rules.High
	case "LOW":
		severity = rules.Low
	case "INFO":
		severity = rules.Info
	}

	return rules.PolicyViolation{
		ID:          str("id", "POLICY_VIOLATION"),
		Name:        str("name", "Custom Policy Violation"),
		Description: str("description", "The action violates a custom policy rule"),
		Severity:    severity,
		Job:         str("job", ""),
		Step:        str("step", ""),
		Evidence:    str("evidence", ""),
		Remediation: str("remediation", ""),
	}
}

// LoadPolicyFiles loads policy files from a directory or file
func LoadPolicyFiles(policyPath string) ([]string, error) {
	var policyFiles []string

	fileInfo, err := os.Stat(policyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access policy path: %w", err)
	}

	if fileInfo.IsDir() {
		// Walk the directory to find .rego files
		err = filepath.Walk(policyPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(path) == ".rego" && !strings.HasSuffix(path, "_test.rego") {
				policyFiles = append(policyFiles, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk policy directory: %w", err)
		}
	} else {
		if filepath.Ext(policyPath) != ".rego" {
			return nil, fmt.Errorf("policy file must have .rego extension")
		}
		policyFiles = append(policyFiles, policyPath)
	}

	if len(policyFiles) == 0 {
		return nil, fmt.Errorf("no policy files found at %s", policyPath)
	}

	return policyFiles, nil
}

// ExamplePolicy shows the input document and the violation format
const ExamplePolicy = `package ghascan

# Workflows granting every scope write access
deny contains violation if {
	input.workflow.permissions == "write-all"

	violation := {
		"id": "POLICY_BROAD_PERMISSIONS",
		"name": "Workflow Has Broad Permissions",
		"description": "Workflow has 'write-all' permissions, which grants excessive access",
		"severity": "HIGH",
		"evidence": "permissions: write-all",
		"remediation": "Use more specific permissions instead of 'write-all'",
	}
}

# Jobs running on self-hosted runners in public repositories
deny contains violation if {
	some job_name
	job := input.workflow.jobs[job_name]
	startswith(job["runs-on"], "self-hosted")

	violation := {
		"id": "POLICY_SELF_HOSTED_RUNNER",
		"name": "Self-Hosted Runner",
		"description": "Job runs on a self-hosted runner",
		"severity": "MEDIUM",
		"job": job_name,
		"evidence": sprintf("runs-on: %v", [job["runs-on"]]),
		"remediation": "Use GitHub-hosted runners for untrusted workloads",
	}
}

# Steps using actions not pinned to a full commit
deny contains violation if {
	some job_name
	step := input.workflow.jobs[job_name].steps[_]
	step.uses
	not regex.match("@[0-9a-f]{40}$", step.uses)

	violation := {
		"id": "POLICY_UNPINNED_ACTION",
		"name": "Action Not Pinned to SHA",
		"description": "GitHub Action is not pinned to a full SHA commit",
		"severity": "MEDIUM",
		"job": job_name,
		"step": object.get(step, "name", ""),
		"evidence": sprintf("uses: %s", [step.uses]),
		"remediation": "Pin the action to a full SHA commit hash",
	}
}
`

// CreateExamplePolicy creates an example policy file
func CreateExamplePolicy(filePath string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(filePath, []byte(ExamplePolicy), 0644); err != nil {
		return fmt.Errorf("failed to write example policy file: %w", err)
	}

	return nil
}
