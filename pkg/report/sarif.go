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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/rules"
)

// SARIF represents a Static Analysis Results Interchange Format report
// Based on SARIF v2.1.0 specification: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html
type SARIF struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []SARIFRun `json:"runs"`
}

// SARIFRun represents a single analysis run
type SARIFRun struct {
	Tool        SARIFTool         `json:"tool"`
	Invocations []SARIFInvocation `json:"invocations,omitempty"`
	Results     []SARIFResult     `json:"results"`
	ColumnKind  string            `json:"columnKind,omitempty"`
}

// SARIFTool represents the analysis tool
type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

// SARIFDriver represents the tool driver
type SARIFDriver struct {
	Name            string      `json:"name"`
	Version         string      `json:"version,omitempty"`
	InformationUri  string      `json:"informationUri,omitempty"`
	SemanticVersion string      `json:"semanticVersion,omitempty"`
	Rules           []SARIFRule `json:"rules,omitempty"`
}

// SARIFRule represents a rule definition
type SARIFRule struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name,omitempty"`
	ShortDescription     SARIFMessage           `json:"shortDescription"`
	FullDescription      SARIFMessage           `json:"fullDescription"`
	DefaultConfiguration SARIFRuleConfiguration `json:"defaultConfiguration"`
	HelpUri              string                 `json:"helpUri,omitempty"`
	Properties           map[string]interface{} `json:"properties,omitempty"`
}

// SARIFRuleConfiguration represents rule configuration
type SARIFRuleConfiguration struct {
	Level string `json:"level"`
}

// SARIFInvocation represents tool invocation details
type SARIFInvocation struct {
	ExecutionSuccessful bool `json:"executionSuccessful"`
}

// SARIFResult represents a single analysis result (finding)
type SARIFResult struct {
	RuleID              string                 `json:"ruleId"`
	RuleIndex           int                    `json:"ruleIndex"`
	Level               string                 `json:"level"`
	Message             SARIFMessage           `json:"message"`
	Locations           []SARIFLocation        `json:"locations"`
	PartialFingerprints map[string]string      `json:"partialFingerprints,omitempty"`
	Properties          map[string]interface{} `json:"properties,omitempty"`
}

// SARIFMessage represents a message in SARIF
type SARIFMessage struct {
	Text string `json:"text"`
}

// SARIFLocation represents a location where an issue was found
type SARIFLocation struct {
	PhysicalLocation SARIFPhysicalLocation  `json:"physicalLocation"`
	LogicalLocations []SARIFLogicalLocation `json:"logicalLocations,omitempty"`
}

// SARIFPhysicalLocation represents a physical location in source code
type SARIFPhysicalLocation struct {
	ArtifactLocation SARIFArtifactLocation `json:"artifactLocation"`
	Region           *SARIFRegion          `json:"region,omitempty"`
}

// SARIFLogicalLocation represents a logical location (job, step)
type SARIFLogicalLocation struct {
	Name               string `json:"name,omitempty"`
	FullyQualifiedName string `json:"fullyQualifiedName,omitempty"`
	Kind               string `json:"kind,omitempty"`
}

// SARIFArtifactLocation represents a reference to an artifact
type SARIFArtifactLocation struct {
	URI string `json:"uri"`
}

// SARIFRegion represents a region in a file
type SARIFRegion struct {
	StartLine int `json:"startLine"`
}

// SARIFReport renders the findings as an indented SARIF log
func SARIFReport(ctx context.Context, findings []*rules.Finding) ([]byte, error) {
	data, err := json.MarshalIndent(createSARIFReport(ctx, findings), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SARIF: %w", err)
	}
	return append(data, '\n'), nil
}

// createSARIFReport converts findings to a single SARIF run. Rules are
// listed in order of first appearance.
func createSARIFReport(ctx context.Context, findings []*rules.Finding) SARIF {
	ruleIndex := make(map[string]int)
	sarifRules := []SARIFRule{}
	results := []SARIFResult{}

	for _, f := range findings {
		idx, ok := ruleIndex[f.Rule.ID]
		if !ok {
			idx = len(sarifRules)
			ruleIndex[f.Rule.ID] = idx
			sarifRules = append(sarifRules, createSARIFRule(f.Rule))
		}
		results = append(results, createSARIFResult(ctx, f, idx))
	}

	run := SARIFRun{
		Tool: SARIFTool{
			Driver: SARIFDriver{
				Name:            constants.AppName,
				Version:         constants.AppVersion,
				InformationUri:  strings.TrimSuffix(constants.DefaultDocumentationURL, "#"),
				SemanticVersion: constants.AppVersion,
				Rules:           sarifRules,
			},
		},
		Invocations: []SARIFInvocation{{ExecutionSuccessful: true}},
		Results:     results,
		ColumnKind:  "utf16CodeUnits",
	}

	return SARIF{
		Version: "2.1.0",
		Schema:  "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json",
		Runs:    []SARIFRun{run},
	}
}

// createSARIFRule converts a rule to a SARIF rule definition
func createSARIFRule(rule *rules.Rule) SARIFRule {
	return SARIFRule{
		ID:                   rule.ID,
		Name:                 rule.Name,
		ShortDescription:     SARIFMessage{Text: rule.Name},
		FullDescription:      SARIFMessage{Text: rule.Description},
		DefaultConfiguration: SARIFRuleConfiguration{Level: severityToSARIFLevel(rule.Severity)},
		HelpUri:              rule.Documentation(),
		Properties: map[string]interface{}{
			"category":          string(rule.Category),
			"tags":              []string{"security", "github-actions", string(rule.Category)},
			"precision":         "high",
			"security-severity": securitySeverityScore(rule.Severity),
		},
	}
}

// createSARIFResult converts a finding to a SARIF result
func createSARIFResult(ctx context.Context, f *rules.Finding, ruleIndex int) SARIFResult {
	location := SARIFLocation{
		PhysicalLocation: SARIFPhysicalLocation{
			ArtifactLocation: SARIFArtifactLocation{URI: artifactURI(f)},
			Region:           &SARIFRegion{StartLine: Line(ctx, f)},
		},
	}
	if f.Job != "" {
		location.LogicalLocations = append(location.LogicalLocations, SARIFLogicalLocation{
			Name:               f.Job,
			FullyQualifiedName: f.Job,
			Kind:               "job",
		})
	}
	if !f.Step.IsZero() {
		location.LogicalLocations = append(location.LogicalLocations, SARIFLogicalLocation{
			Name:               f.Step.String(),
			FullyQualifiedName: f.Job + "." + f.Step.String(),
			Kind:               "step",
		})
	}

	properties := map[string]interface{}{
		"source_uri": f.Action.URL(),
		"severity":   string(f.Rule.Severity),
	}
	if f.Action.Repo != nil {
		properties["repository"] = f.Action.Repo.URL
	}
	if len(f.Details) > 0 {
		properties["details"] = f.Details
	}

	return SARIFResult{
		RuleID:              f.Rule.ID,
		RuleIndex:           ruleIndex,
		Level:               severityToSARIFLevel(f.Rule.Severity),
		Message:             SARIFMessage{Text: f.Description()},
		Locations:           []SARIFLocation{location},
		PartialFingerprints: map[string]string{constants.AppName + "/v1": fingerprint(f)},
		Properties:          properties,
	}
}

// artifactURI is the file path within the repository; actions without a
// repository fall back to their reference
func artifactURI(f *rules.Finding) string {
	if f.Action.Subpath != "" {
		return f.Action.Subpath
	}
	return f.Action.Name()
}

// severityToSARIFLevel converts a rule severity to a SARIF level
func severityToSARIFLevel(severity rules.Severity) string {
	switch severity {
	case rules.Critical, rules.High:
		return "error"
	case rules.Medium:
		return "warning"
	case rules.Low, rules.Info:
		return "note"
	default:
		return "warning"
	}
}

// securitySeverityScore maps severities onto the CVSS-like ranges code
// scanning uses to rank alerts
func securitySeverityScore(severity rules.Severity) string {
	switch severity {
	case rules.Critical:
		return "9.0"
	case rules.High:
		return "8.0"
	case rules.Medium:
		return "5.0"
	case rules.Low:
		return "3.0"
	default:
		return "0.0"
	}
}

// fingerprint identifies a result across runs independent of line shifts
func fingerprint(f *rules.Finding) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		f.Rule.ID,
		f.Action.Name(),
		f.Job,
		f.Step.String(),
		f.Description(),
	}, "\x00")))
	return hex.EncodeToString(sum[:16])
}
