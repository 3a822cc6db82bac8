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

package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/harekrishnarai/ghascan/pkg/confignode"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	"github.com/harekrishnarai/ghascan/pkg/matcher"
	"github.com/harekrishnarai/ghascan/pkg/workflow"
)

const secretRefPattern = `\$\{\{\s+(?P<secret>secrets[.].*?)\s}}`

// SecretRules match with: and env: blocks that interpolate secrets
var SecretRules = []*matcher.Rule{
	matcher.Map(matcher.F("with", matcher.Map(matcher.F(matcher.Wildcard, matcher.Re(secretRefPattern))))),
	matcher.Map(matcher.F("env", matcher.Map(matcher.F(matcher.Wildcard, matcher.Re(secretRefPattern))))),
}

// Permission is one scope:access pair
type Permission struct {
	Scope  string
	Access string
}

// Permissions is an ordered permission set
type Permissions []Permission

// Get returns the access granted to scope
func (p Permissions) Get(scope string) (string, bool) {
	for _, perm := range p {
		if perm.Scope == scope {
			return perm.Access, true
		}
	}
	return "", false
}

func (p Permissions) with(scope, access string) Permissions {
	out := make(Permissions, 0, len(p)+1)
	for _, perm := range p {
		if perm.Scope != scope {
			out = append(out, perm)
		}
	}
	return append(out, Permission{Scope: scope, Access: access})
}

// String renders scope:access pairs joined by commas
func (p Permissions) String() string {
	parts := make([]string, 0, len(p))
	for _, perm := range p {
		parts = append(parts, perm.Scope+":"+perm.Access)
	}
	return strings.Join(parts, ",")
}

// MarshalJSON renders the set as an object in declaration order
func (p Permissions) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, perm := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(perm.Scope)
		v, _ := json.Marshal(perm.Access)
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func permissionsFrom(n *confignode.Node) Permissions {
	if s, ok := n.Str(); ok {
		// read-all / write-all
		return Permissions{{Scope: "*", Access: strings.TrimSuffix(s, "-all")}}
	}
	perms := Permissions{}
	for _, e := range n.Entries() {
		perms = append(perms, Permission{Scope: e.Key, Access: e.Value.Text()})
	}
	return perms
}

func defaultPermissions() Permissions {
	perms := make(Permissions, 0, len(constants.DefaultPermissions))
	for _, kv := range constants.DefaultPermissions {
		perms = append(perms, Permission{Scope: kv[0], Access: kv[1]})
	}
	return perms
}

// PermissionsForJob resolves the token permissions a job runs with: its own
// permissions block, else the workflow's, else the platform default.
// Workflows triggered by pull_request_target also get repository:write.
func (a *Action) PermissionsForJob(ctx context.Context, job string) Permissions {
	cfg := a.Config(ctx)
	if cfg == nil {
		return Permissions{}
	}

	var perms Permissions
	if p := cfg.Path("jobs", job, "permissions"); !p.IsNull() {
		perms = permissionsFrom(p)
	} else if p := cfg.Get("permissions"); !p.IsNull() {
		perms = permissionsFrom(p)
	} else {
		perms = defaultPermissions()
	}

	if workflow.OnContains(cfg, "pull_request_target") {
		perms = perms.with("repository", "write")
	}
	return perms
}

// JobConditions are the guards declared on a job
type JobConditions struct {
	If    *confignode.Node `json:"if,omitempty"`
	Needs *confignode.Node `json:"needs,omitempty"`
}

// StepConditions are the guards declared on a step
type StepConditions struct {
	If *confignode.Node `json:"if,omitempty"`
}

// Conditions gate execution of a job step
type Conditions struct {
	Job  JobConditions  `json:"job"`
	Step StepConditions `json:"step"`
}

// IsEmpty reports whether neither the job nor the step is guarded
func (c Conditions) IsEmpty() bool {
	return c.Job.If == nil && c.Job.Needs == nil && c.Step.If == nil
}

// ConditionsForJobStep returns the job's if/needs and the step's if
func (a *Action) ConditionsForJobStep(ctx context.Context, job string, step workflow.StepID) Conditions {
	var c Conditions
	cfg := a.Config(ctx)
	if cfg == nil {
		return c
	}

	jobNode := cfg.Path("jobs", job)
	c.Job.If = jobNode.Get("if")
	c.Job.Needs = jobNode.Get("needs")

	if step.IsZero() {
		return c
	}
	container, ok := workflow.Find(cfg, job)
	if !ok {
		return c
	}
	if idx, ok := workflow.Locate(container.Steps, step); ok {
		c.Step.If = container.Steps[idx].Get("if")
	}
	return c
}

// StepsAfter returns the steps of job from the identified step onward and
// the position of the first returned step. NoStep returns every step; an
// unknown step returns no steps.
func (a *Action) StepsAfter(ctx context.Context, job string, step workflow.StepID) (int, []*confignode.Node) {
	cfg := a.Config(ctx)
	if cfg == nil {
		return 0, nil
	}
	container, ok := workflow.Find(cfg, job)
	if !ok {
		return 0, nil
	}

	steps := container.Steps
	if step.IsZero() {
		return 0, steps
	}
	idx, ok := workflow.Locate(steps, step)
	if !ok {
		return len(steps), nil
	}
	after := steps[idx:]
	return len(steps) - len(after), after
}

// SecretRef is a secret reachable from some point of a workflow
type SecretRef struct {
	// Src is workflow, job or step
	Src    string           `json:"src"`
	Step   *workflow.StepID `json:"step,omitempty"`
	Key    string           `json:"key"`
	Secret string           `json:"secret"`
}

// SecretsAfter lists the secrets visible to the identified step and every
// step after it: those bound at workflow level, those passed to the job, and
// those the subsequent steps bind in with: or env:.
func (a *Action) SecretsAfter(ctx context.Context, job string, step workflow.StepID) []SecretRef {
	cfg := a.Config(ctx)
	if cfg == nil {
		return nil
	}

	var out []SecretRef
	out = append(out, extractSecrets(cfg, "workflow", nil)...)

	secrets := cfg.Path("jobs", job, "secrets")
	if s, ok := secrets.Str(); ok {
		out = append(out, SecretRef{Src: "job", Key: s, Secret: s})
	}
	for _, e := range secrets.Entries() {
		out = append(out, SecretRef{Src: "job", Key: e.Key, Secret: e.Value.Text()})
	}

	offset, steps := a.StepsAfter(ctx, job, step)
	for i, s := range steps {
		id := workflow.OffsetID(s, offset, i)
		out = append(out, extractSecrets(s, "step", &id)...)
	}
	return out
}

func extractSecrets(n *confignode.Node, src string, step *workflow.StepID) []SecretRef {
	var out []SecretRef
	for _, rule := range matcher.AnyMatch(SecretRules, n) {
		block := rule.Keys()[0]
		bound := matcher.Extract(rule, n, matcher.BindPath("secret", block, matcher.Wildcard)).Get(block)
		for _, key := range bound.Keys() {
			out = append(out, SecretRef{Src: src, Step: step, Key: key, Secret: bound.Get(key).Text()})
		}
	}
	return out
}

// On returns the workflow's trigger block
func (a *Action) On(ctx context.Context) *confignode.Node {
	return a.Config(ctx).Get("on")
}

// RunsOn returns the runner label of job
func (a *Action) RunsOn(ctx context.Context, job string) *confignode.Node {
	return a.Config(ctx).Path("jobs", job, "runs-on")
}

// TriggeredWorkflows returns the workflows of the same repository that run
// when this workflow completes
func (a *Action) TriggeredWorkflows(ctx context.Context) []*Action {
	if a.Repo == nil {
		return nil
	}
	name, ok := a.Config(ctx).Get("name").Str()
	if !ok {
		return nil
	}
	return a.Repo.TriggeredBy(ctx, name)
}
