package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// ConfigInterface defines the interface for configuration
type ConfigInterface interface {
	IsRuleEnabled(ruleID string) bool
	ShouldIgnoreForRule(ruleID, repo, subpath string) bool
}

// RuleEngine handles rule execution with configuration support
type RuleEngine struct {
	config ConfigInterface
	log    *slog.Logger
}

// NewRuleEngine creates a new rule engine with configuration
func NewRuleEngine(config ConfigInterface, log *slog.Logger) *RuleEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RuleEngine{config: config, log: log}
}

// ExecuteRules runs rules against an action with configuration filtering. A
// rule that panics is logged and skipped; the remaining rules still run.
func (re *RuleEngine) ExecuteRules(ctx context.Context, action *graph.Action, rules []*Rule) []*Finding {
	var allFindings []*Finding

	for _, rule := range rules {
		// Check if rule is enabled in configuration
		if re.config != nil && !re.config.IsRuleEnabled(rule.ID) {
			continue
		}
		if re.config != nil && re.config.ShouldIgnoreForRule(rule.ID, repoName(action), action.Subpath) {
			continue
		}

		findings, err := re.check(ctx, rule, action)
		if err != nil {
			re.log.Warn(fmt.Sprintf("Failed to scan with %s for %s", rule.ID, action.Name()), "err", err)
			continue
		}
		allFindings = append(allFindings, findings...)
	}

	return allFindings
}

func (re *RuleEngine) check(ctx context.Context, rule *Rule, action *graph.Action) (findings []*Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewRuleError("rule panicked", fmt.Errorf("%v", r), rule.ID)
		}
	}()
	return rule.Check(ctx, action), nil
}

func repoName(action *graph.Action) string {
	if action.Owner() == "" {
		return ""
	}
	return action.Owner() + "/" + action.RepoName()
}

// Rule represents a security rule to check against an action
type Rule struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Category    Category
	Check       func(ctx context.Context, action *graph.Action) []*Finding
	// Explain renders the description of a single finding; when nil the
	// rule description is used
	Explain func(f *Finding) string
	// Prereport enriches a finding right before it is reported
	Prereport func(f *Finding)
}

// Documentation returns the link describing the rule
func (r *Rule) Documentation() string {
	return constants.DefaultDocumentationURL + r.ID
}

// Severity represents the severity level of a finding
type Severity string

const (
	Critical Severity = "CRITICAL"
	High     Severity = "HIGH"
	Medium   Severity = "MEDIUM"
	Low      Severity = "LOW"
	Info     Severity = "INFO"
)

// Category represents the category of a security rule
type Category string

const (
	InjectionAttack     Category = "INJECTION_ATTACK"
	PrivilegeEscalation Category = "PRIVILEGE_ESCALATION"
	SupplyChain         Category = "SUPPLY_CHAIN"
	PolicyViolation     Category = "POLICY_VIOLATION"
	Misconfiguration    Category = "MISCONFIGURATION"
)

// Details is the rule-specific payload of a finding
type Details map[string]interface{}

// Finding represents a detected security issue. Job and Step are empty when
// the finding concerns the action as a whole.
type Finding struct {
	Rule    *Rule
	Action  *graph.Action
	Job     string
	Step    workflow.StepID
	Details Details
}

func newFinding(rule *Rule, action *graph.Action, job string, step workflow.StepID, details Details) *Finding {
	if details == nil {
		details = Details{}
	}
	return &Finding{Rule: rule, Action: action, Job: job, Step: step, Details: details}
}

// Description explains the finding
func (f *Finding) Description() string {
	if f.Rule.Explain != nil {
		return f.Rule.Explain(f)
	}
	return f.Rule.Description
}

// RunPrereport applies the rule's prereport hook, if any
func (f *Finding) RunPrereport() {
	if f.Rule.Prereport != nil {
		f.Rule.Prereport(f)
	}
}

// Options carries the collaborators some rules need
type Options struct {
	StatusChecker StatusChecker
	Policies      PolicyEvaluator
	Logger        *slog.Logger
}

// StandardRules returns the list of built-in security rules in ID order.
// REPOJACKABLE is included only with a status checker and POLICY only with
// a policy evaluator.
func StandardRules(opts Options) []*Rule {
	rules := []*Rule{
		CmdExec(),
		CodeInject(),
	}
	if opts.Policies != nil {
		rules = append(rules, Policy(opts.Policies, opts.Logger))
	}
	rules = append(rules, PwnRequest())
	if opts.StatusChecker != nil {
		rules = append(rules, Repojackable(opts.StatusChecker))
	}
	return append(rules,
		TestRule(),
		UnpinnedAction(),
		UnsafeInputAssign(),
		WorkflowRun(),
	)
}

// Select filters rules by ID. An empty selection keeps every rule; a
// selection made only of "!ID" entries excludes those rules; otherwise
// only the listed rules are kept. Unknown IDs are a configuration error.
func Select(rules []*Rule, selection []string) ([]*Rule, error) {
	var ids []string
	for _, s := range selection {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 {
		return rules, nil
	}

	known := make(map[string]bool, len(rules))
	var knownIDs []string
	for _, r := range rules {
		known[r.ID] = true
		knownIDs = append(knownIDs, r.ID)
	}

	negate := true
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !strings.HasPrefix(id, "!") {
			negate = false
		}
		name := strings.TrimPrefix(id, "!")
		if !known[name] {
			return nil, errors.ErrUnknownRule(name, knownIDs)
		}
		wanted[id] = true
	}

	var out []*Rule
	for _, r := range rules {
		if negate {
			if !wanted["!"+r.ID] {
				out = append(out, r)
			}
			continue
		}
		if wanted[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}
