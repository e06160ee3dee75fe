package policyset

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/tagwarden/pkg/policy"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

const conditionQuery = "data.tagwarden.condition.match"

// regoCondition is a policy condition compiled into a prepared OPA query.
// The condition text is the body of a rule evaluated with the resource as
// input; the policy applies only when the body holds.
type regoCondition struct {
	policyID string
	query    rego.PreparedEvalQuery
}

// CompileCondition prepares a condition for evaluation. An empty condition
// returns nil.
func CompileCondition(ctx context.Context, policyID, body string) (policy.Condition, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	module := "package tagwarden.condition\n\nimport rego.v1\n\ndefault match := false\n\nmatch if {\n" +
		indent(body) + "\n}\n"

	prepared, err := rego.New(
		rego.Query(conditionQuery),
		rego.Module(policyID+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile condition of policy %s: %w", policyID, err)
	}
	return &regoCondition{policyID: policyID, query: prepared}, nil
}

// Matches evaluates the condition against r.
func (c *regoCondition) Matches(ctx context.Context, r resource.Resource) (bool, error) {
	results, err := c.query.Eval(ctx, rego.EvalInput(conditionInput(r)))
	if err != nil {
		return false, fmt.Errorf("evaluate condition of policy %s: %w", c.policyID, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	match, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("condition of policy %s returned %T, want bool", c.policyID, results[0].Expressions[0].Value)
	}
	return match, nil
}

func conditionInput(r resource.Resource) map[string]any {
	tags := make(map[string]any, len(r.Tags))
	for k, v := range r.Tags {
		tags[k] = v
	}
	metadata := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	return map[string]any{
		"provider":  r.Provider,
		"native_id": r.NativeID,
		"type":      r.Type,
		"region":    r.Region,
		"name":      r.Name,
		"tags":      tags,
		"metadata":  metadata,
	}
}

func indent(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	for i, l := range lines {
		lines[i] = "\t" + strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}
