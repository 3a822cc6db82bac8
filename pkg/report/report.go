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
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/rules"
	"github.com/harekrishnarai/ghascan/pkg/terminal"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
	"github.com/olekukonko/tablewriter"
)

// RuleRef identifies the rule behind a finding
type RuleRef struct {
	ID            string `json:"id"`
	Documentation string `json:"documentation"`
}

// Location points at the workflow, job and step of a finding
type Location struct {
	Workflow string          `json:"workflow"`
	Repo     string          `json:"repo,omitempty"`
	Job      string          `json:"job,omitempty"`
	Step     workflow.StepID `json:"step"`
	Line     int             `json:"line,omitempty"`
}

// Context is what an analyst needs to judge a finding: what the job may
// do, what guards it and what it can reach
type Context struct {
	Permissions        graph.Permissions `json:"permissions"`
	Conditionals       graph.Conditions  `json:"conditionals"`
	SubsequentSecrets  []graph.SecretRef `json:"subsequent_secrets"`
	TriggeredWorkflows []string          `json:"triggered_workflows"`
	UsedBy             []graph.UsedBy    `json:"used_by"`
	TriggeredOn        *confignode.Node  `json:"triggered_on"`
	RunsOn             *confignode.Node  `json:"runs-on"`
}

// Entry is the serialized form of one finding
type Entry struct {
	Rule        RuleRef       `json:"rule"`
	Severity    string        `json:"severity"`
	Description string        `json:"description"`
	Details     rules.Details `json:"details"`
	SourceURI   string        `json:"source_uri"`
	Location    Location      `json:"location"`
	Context     Context       `json:"context"`
}

// Generator renders findings to a file or to standard output
type Generator struct {
	Format   string
	FilePath string
	// Out receives the report when FilePath is empty
	Out io.Writer
	// Color enables ANSI colors in the text format
	Color bool
	// Summary appends a per-rule table to the text format
	Summary bool
}

// NewGenerator creates a generator writing to filePath, or to the terminal
// when filePath is empty
func NewGenerator(format, filePath string) *Generator {
	t := terminal.Stdout()
	toTerminal := filePath == ""
	return &Generator{
		Format:   format,
		FilePath: filePath,
		Out:      t.Writer(),
		Color:    toTerminal && t.ColorEnabled(),
		Summary:  toTerminal && t.IsTTY(),
	}
}

// Generate runs the prereport hooks and outputs the findings in the
// configured format
func (g *Generator) Generate(ctx context.Context, findings []*rules.Finding) error {
	for _, f := range findings {
		f.RunPrereport()
	}

	var data []byte
	var err error
	switch strings.ToLower(g.Format) {
	case "", constants.OutputFormatText:
		data = g.textReport(ctx, findings)
	case constants.OutputFormatJSON:
		data, err = JSON(ctx, findings)
	case constants.OutputFormatSARIF:
		data, err = SARIFReport(ctx, findings)
	default:
		return errors.ErrInvalidOutputFormat(g.Format, constants.SupportedOutputFormats)
	}
	if err != nil {
		return errors.NewReportError(fmt.Sprintf("failed to render %s report", g.Format), err, g.FilePath)
	}
	return g.write(data)
}

func (g *Generator) write(data []byte) error {
	if g.FilePath != "" {
		if err := os.WriteFile(g.FilePath, data, 0644); err != nil {
			return errors.NewReportError(fmt.Sprintf("Failed writing to %s", g.FilePath), err, g.FilePath,
				"Check that the output directory exists and is writable")
		}
		return nil
	}

	out := g.Out
	if out == nil {
		out = os.Stdout
	}
	if _, err := out.Write(data); err != nil {
		return errors.NewReportError("failed to write report", err, "")
	}
	return nil
}

// Entries computes the serialized form of every finding
func Entries(ctx context.Context, findings []*rules.Finding) []Entry {
	entries := make([]Entry, 0, len(findings))
	for _, f := range findings {
		entries = append(entries, NewEntry(ctx, f))
	}
	return entries
}

// NewEntry resolves the context of a single finding
func NewEntry(ctx context.Context, f *rules.Finding) Entry {
	a := f.Action

	var repo string
	if a.Repo != nil {
		repo = a.Repo.URL
	}

	triggered := []string{}
	for _, w := range a.TriggeredWorkflows(ctx) {
		triggered = append(triggered, w.URL())
	}
	secrets := a.SecretsAfter(ctx, f.Job, f.Step)
	if secrets == nil {
		secrets = []graph.SecretRef{}
	}
	usedBy := a.UsedBy()
	if usedBy == nil {
		usedBy = []graph.UsedBy{}
	}

	return Entry{
		Rule:        RuleRef{ID: f.Rule.ID, Documentation: f.Rule.Documentation()},
		Severity:    string(f.Rule.Severity),
		Description: f.Description(),
		Details:     f.Details,
		SourceURI:   a.URL(),
		Location: Location{
			Workflow: a.Subpath,
			Repo:     repo,
			Job:      f.Job,
			Step:     f.Step,
			Line:     Line(ctx, f),
		},
		Context: Context{
			Permissions:        a.PermissionsForJob(ctx, f.Job),
			Conditionals:       a.ConditionsForJobStep(ctx, f.Job, f.Step),
			SubsequentSecrets:  secrets,
			TriggeredWorkflows: triggered,
			UsedBy:             usedBy,
			TriggeredOn:        a.On(ctx),
			RunsOn:             a.RunsOn(ctx, f.Job),
		},
	}
}

// Line returns the source line of the finding's step, else of its job, else 1
func Line(ctx context.Context, f *rules.Finding) int {
	cfg := f.Action.Config(ctx)
	if cfg == nil {
		return 1
	}
	if f.Job == "" && f.Step.IsZero() {
		return 1
	}
	if c, ok := workflow.Find(cfg, f.Job); ok {
		if idx, ok := workflow.Locate(c.Steps, f.Step); ok && c.Steps[idx].Line() > 0 {
			return c.Steps[idx].Line()
		}
		if c.Job.Line() > 0 {
			return c.Job.Line()
		}
	}
	if l := cfg.Path("jobs", f.Job).Line(); l > 0 {
		return l
	}
	return 1
}

// JSON renders the findings as an indented JSON array
func JSON(ctx context.Context, findings []*rules.Finding) ([]byte, error) {
	data, err := json.MarshalIndent(Entries(ctx, findings), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

type textFinding struct {
	rule          *rules.Rule
	url           string
	subpath       string
	job           string
	step          string
	description   string
	permissions   string
	secrets       string
	documentation string
}

func newTextFinding(ctx context.Context, f *rules.Finding) textFinding {
	tf := textFinding{
		rule:          f.Rule,
		url:           f.Action.URL(),
		subpath:       f.Action.Subpath,
		job:           f.Job,
		step:          f.Step.String(),
		description:   f.Description(),
		permissions:   f.Action.PermissionsForJob(ctx, f.Job).String(),
		documentation: f.Rule.Documentation(),
	}
	if tf.job == "" {
		tf.job = "none"
	}
	if f.Step.IsZero() {
		tf.step = "none"
	}
	if tf.permissions == "" {
		tf.permissions = "none"
	}

	var secrets []string
	for _, s := range f.Action.SecretsAfter(ctx, f.Job, f.Step) {
		secrets = append(secrets, s.Secret)
	}
	tf.secrets = "none"
	if len(secrets) > 0 {
		tf.secrets = strings.Join(secrets, ", ")
	}
	return tf
}

// groupBy splits items by key, keeping groups in order of first appearance
func groupBy[T any](items []T, key func(T) string) [][]T {
	index := make(map[string]int)
	var groups [][]T
	for _, item := range items {
		k := key(item)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

func (g *Generator) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if g.Color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (g *Generator) severityStyle(s rules.Severity) *color.Color {
	switch s {
	case rules.Critical:
		return g.style(color.FgHiRed, color.Bold)
	case rules.High:
		return g.style(color.FgHiYellow, color.Bold)
	case rules.Medium:
		return g.style(color.FgYellow)
	case rules.Low:
		return g.style(color.FgBlue)
	default:
		return g.style(color.FgHiBlue)
	}
}

// textReport groups findings by rule and action, then by workflow, job and step
func (g *Generator) textReport(ctx context.Context, findings []*rules.Finding) []byte {
	formatted := make([]textFinding, 0, len(findings))
	for _, f := range findings {
		formatted = append(formatted, newTextFinding(ctx, f))
	}

	labelStyle := g.style(color.FgCyan)
	docStyle := g.style(color.Faint)

	var b bytes.Buffer
	byRule := groupBy(formatted, func(f textFinding) string { return f.rule.ID + "\x00" + f.url })
	for _, repo := range byRule {
		first := repo[0]
		fmt.Fprintf(&b, "The rule %s triggered for %s\n", g.severityStyle(first.rule.Severity).Sprint(first.rule.ID), first.url)
		fmt.Fprintf(&b, "  Documentation: %s\n", docStyle.Sprint(first.documentation))
		for _, subpath := range groupBy(repo, func(f textFinding) string { return f.subpath }) {
			fmt.Fprintf(&b, "  %s %s\n", labelStyle.Sprint("Workflow:"), subpath[0].subpath)
			for _, job := range groupBy(subpath, func(f textFinding) string { return f.job }) {
				fmt.Fprintf(&b, "    %s %s\n", labelStyle.Sprint("Job:"), job[0].job)
				for _, step := range groupBy(job, func(f textFinding) string { return f.step }) {
					fmt.Fprintf(&b, "      %s %s\n", labelStyle.Sprint("Step:"), step[0].step)
					for _, f := range step {
						fmt.Fprintf(&b, "        - Description: %s\n", f.description)
						fmt.Fprintf(&b, "          Permissions: %s\n", f.permissions)
						fmt.Fprintf(&b, "          Secrets: %s\n", f.secrets)
						b.WriteString("\n")
					}
				}
			}
		}
	}

	if g.Summary && len(findings) > 0 {
		g.summaryTable(&b, findings)
	}
	return b.Bytes()
}

// summaryTable counts findings per rule
func (g *Generator) summaryTable(w io.Writer, findings []*rules.Finding) {
	byRule := groupBy(findings, func(f *rules.Finding) string { return f.Rule.ID })

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rule", "Severity", "Findings"})
	table.SetBorder(false)
	table.SetAutoFormatHeaders(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	if g.Color {
		table.SetHeaderColor(
			tablewriter.Colors{tablewriter.Bold},
			tablewriter.Colors{tablewriter.Bold},
			tablewriter.Colors{tablewriter.Bold},
		)
	}

	total := 0
	for _, group := range byRule {
		rule := group[0].Rule
		row := []string{rule.ID, string(rule.Severity), strconv.Itoa(len(group))}
		total += len(group)
		if g.Color {
			c := severityColor(rule.Severity)
			table.Rich(row, []tablewriter.Colors{{tablewriter.Bold, c}, {c}, {tablewriter.Normal}})
		} else {
			table.Append(row)
		}
	}
	table.SetFooter([]string{"", "Total", strconv.Itoa(total)})
	table.Render()
}

func severityColor(s rules.Severity) int {
	switch s {
	case rules.Critical:
		return tablewriter.FgHiRedColor
	case rules.High:
		return tablewriter.FgHiYellowColor
	case rules.Medium:
		return tablewriter.FgYellowColor
	case rules.Low:
		return tablewriter.FgBlueColor
	default:
		return tablewriter.FgCyanColor
	}
}
