package rules

import (
	"context"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

// TestRule fires on workflows declaring a TEST trigger. It exists to check
// the pipeline end to end.
func TestRule() *Rule {
	rule := &Rule{
		ID:          "TEST_RULE",
		Name:        "Test Rule",
		Description: "This is a test rule",
		Severity:    Info,
		Category:    Misconfiguration,
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		if !truthy(action.Config(ctx).Path("on", "TEST")) {
			return nil
		}
		return []*Finding{newFinding(rule, action, "", workflow.NoStep, nil)}
	}
	return rule
}

func truthy(n *confignode.Node) bool {
	if n.IsNull() {
		return false
	}
	if n.IsMapping() || n.IsSequence() {
		return true
	}
	switch n.Text() {
	case "", "false", "0":
		return false
	}
	return true
}
