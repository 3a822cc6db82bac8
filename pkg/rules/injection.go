package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	m "github.com/harekrishnarai/ghascan/pkg/matcher"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// untrustedRules builds one rule per untrusted input source
func untrustedRules(build func(src string) *m.Rule) []*m.Rule {
	rules := make([]*m.Rule, 0, len(UntrustedInput))
	for _, src := range UntrustedInput {
		rules = append(rules, build(src))
	}
	return rules
}

var (
	cmdExecRules = untrustedRules(func(src string) *m.Rule {
		return m.Map(m.F("run", m.ReMulti(interpolation(src))))
	})

	codeInjectRules = untrustedRules(func(src string) *m.Rule {
		return m.Map(
			m.F("uses", m.Re(`actions/github-script`)),
			m.F("with", m.Map(m.F("script", m.ReMulti(interpolation(src))))),
		)
	})

	unsafeInputAssignRules = untrustedRules(func(src string) *m.Rule {
		return m.Map(m.F("with", m.Map(m.F(m.Wildcard, m.Re(`(?m)\$\{\{[^}]*?(?P<src>`+src+`)[^}]*}}`)))))
	})
)

// CmdExec flags untrusted input interpolated into run scripts
func CmdExec() *Rule {
	rule := &Rule{
		ID:          "CMD_EXEC",
		Name:        "Command Injection in run",
		Description: "Untrusted input is interpolated into a 'run' directive, which may result in arbitrary command execution",
		Severity:    Critical,
		Category:    InjectionAttack,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("Run line %v in the identified step unsafely interpolates %v into a 'run' directive, which may result in arbitrary command execution",
				f.Details["run_lineno"], f.Details["value"])
		},
		Prereport: setIn,
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		return interpolationFindings(ctx, rule, action, cmdExecRules, "run")
	}
	return rule
}

// CodeInject flags untrusted input interpolated into actions/github-script
func CodeInject() *Rule {
	rule := &Rule{
		ID:          "CODE_INJECT",
		Name:        "Code Injection in github-script",
		Description: "Untrusted input is interpolated into an actions/github-script 'script' directive, which may result in arbitrary code execution",
		Severity:    Critical,
		Category:    InjectionAttack,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("Run line %v in the identified step unsafely interpolates %v into actions/github-script 'script' directive, which may result in arbitrary code execution",
				f.Details["run_lineno"], f.Details["value"])
		},
		Prereport: setIn,
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		return interpolationFindings(ctx, rule, action, codeInjectRules, "with", "script")
	}
	return rule
}

// interpolationFindings reports one finding per interpolating line of the
// script found under path in each step
func interpolationFindings(ctx context.Context, rule *Rule, action *graph.Action, patterns []*m.Rule, path ...string) []*Finding {
	var findings []*Finding
	for _, step := range workflow.Steps(action.Config(ctx)) {
		script := step.Node.Path(path...).Text()
		scriptLines := strings.Split(script, "\n")

		for _, pattern := range m.AnyMatch(patterns, step.Node) {
			lines := m.Extract(pattern, step.Node, m.BindPath("line", path...)).Path(path...).Strings()
			srcs := m.Extract(pattern, step.Node, m.BindPath("src", path...)).Path(path...).Strings()

			for idx, line := range lines {
				value := ""
				if idx < len(srcs) {
					value = srcs[idx]
				}
				findings = append(findings, newFinding(rule, action, step.Container.JobKey, step.ID(), Details{
					"run_lineno": indexOf(scriptLines, line),
					"line":       line,
					"value":      value,
				}))
			}
		}
	}
	return findings
}

func indexOf(lines []string, line string) int {
	for i, l := range lines {
		if l == line {
			return i
		}
	}
	return -1
}

// setIn records the call sites that assign the input an injection reads
func setIn(f *Finding) {
	value, _ := f.Details["value"].(string)
	if !strings.HasPrefix(value, "inputs.") {
		return
	}
	key := strings.TrimPrefix(value, "inputs.")

	var setBy []graph.UsedBy
	for _, u := range f.Action.UsedBy() {
		v := u.With.Get(key)
		if v.IsNull() || v.Text() == "" {
			continue
		}
		u.With = confignode.NewMapping(confignode.Entry{Key: key, Value: v})
		setBy = append(setBy, u)
	}
	if len(setBy) > 0 {
		f.Details["set_in"] = setBy
	}
}

// UnsafeInputAssign flags untrusted input passed to another action
func UnsafeInputAssign() *Rule {
	rule := &Rule{
		ID:          "UNSAFE_INPUT_ASSIGN",
		Name:        "Untrusted Input Passed to Action",
		Description: "The identified step passes a potentially attacker controlled value to an action",
		Severity:    Medium,
		Category:    InjectionAttack,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("The identified step passes the potentially attacker controlled value %v. This may result in undesirable behaviour", f.Details["value"])
		},
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		var findings []*Finding
		for _, step := range workflow.Steps(action.Config(ctx)) {
			for _, pattern := range m.AnyMatch(unsafeInputAssignRules, step.Node) {
				findings = append(findings, newFinding(rule, action, step.Container.JobKey, step.ID(), Details{
					"with_item": m.Extract(pattern, step.Node, nil).Get("with"),
					"value":     m.Extract(pattern, step.Node, m.BindPath("src", "with", m.Wildcard)).Get("with").Strings(),
				}))
			}
		}
		return findings
	}
	return rule
}
