package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

var commitRe = regexp.MustCompile(`[a-z0-9]{32}`)

// UnpinnedAction flags actions referenced by branch or tag instead of a commit
func UnpinnedAction() *Rule {
	rule := &Rule{
		ID:          "UNPINNED_ACTION",
		Name:        "Action Not Pinned to Commit",
		Description: "An action is used with a branch or tag rather than a pinned commit",
		Severity:    Medium,
		Category:    SupplyChain,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("The action %v is used with branch/tag %v rather than a pinned commit.", f.Details["uses"], f.Details["ref"])
		},
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		var findings []*Finding
		for _, use := range action.Uses(ctx) {
			// repo-local and container references carry no git ref
			if graph.IsRelativeUses(use.Uses) || graph.IsDockerUses(use.Uses) {
				continue
			}
			ref, ok := graph.ParseUses(use.Uses)
			if !ok || commitRe.MatchString(ref.Ref) {
				continue
			}
			findings = append(findings, newFinding(rule, action, use.UsedBy.Job, use.UsedBy.Step, Details{
				"uses": use.Uses,
				"ref":  ref.Ref,
			}))
		}
		return findings
	}
	return rule
}

// StatusChecker reports the HTTP status of a github.com path
type StatusChecker interface {
	Status(ctx context.Context, path string) (int, error)
}

// Repojackable flags actions whose repository was renamed or whose owner no
// longer exists, either of which lets someone else claim the name
func Repojackable(checker StatusChecker) *Rule {
	var cache sync.Map
	status := func(ctx context.Context, path string) (int, error) {
		if code, ok := cache.Load(path); ok {
			return code.(int), nil
		}
		code, err := checker.Status(ctx, path)
		if err != nil {
			return 0, err
		}
		cache.Store(path, code)
		return code, nil
	}

	rule := &Rule{
		ID:          "REPOJACKABLE",
		Name:        "Repojackable Action",
		Description: "The used action may be repojackable",
		Severity:    High,
		Category:    SupplyChain,
		Explain: func(f *Finding) string {
			return fmt.Sprintf("The identified used action may be repojackable due to %v", f.Details["reason"])
		},
	}
	rule.Check = func(ctx context.Context, action *graph.Action) []*Finding {
		org, repo := action.Owner(), action.RepoName()
		if org == "" || repo == "" {
			return nil
		}

		code, err := status(ctx, org+"/"+repo)
		if err != nil {
			return nil
		}
		if code >= 300 && code < 400 {
			return []*Finding{newFinding(rule, action, "", workflow.NoStep, Details{"reason": "repository redirect"})}
		}

		code, err = status(ctx, org)
		if err == nil && code == 404 {
			return []*Finding{newFinding(rule, action, "", workflow.NoStep, Details{"reason": "organisation not found"})}
		}
		return nil
	}
	return rule
}
