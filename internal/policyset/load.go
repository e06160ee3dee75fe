// Package policyset loads tagging policies from YAML, validates them and
// builds the immutable snapshots evaluation passes run against.
package policyset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tagwarden/internal/store"
	"github.com/yairfalse/tagwarden/pkg/policy"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Document is the on-disk policy file.
//
//	policies:
//	  - id: owner-required
//	    name: Owner tag
//	    resource_types: [ec2, vm]
//	    required_tags:
//	      - name: owner
//	      - name: env
//	        allowed_values: [dev, staging, prod]
//	        default_value: dev
//	    condition: input.region != "us-gov-west-1"
type Document struct {
	Policies []filePolicy `yaml:"policies"`
}

// filePolicy defaults active to true when the key is absent.
type filePolicy struct {
	policy.Policy
}

func (p *filePolicy) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode(&p.Policy); err != nil {
		return err
	}
	p.Active = true
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "active" {
			return node.Content[i+1].Decode(&p.Active)
		}
	}
	return nil
}

// Load reads and validates a policy file.
func Load(ctx context.Context, path string) ([]policy.Policy, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := Validate(ctx, policies); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return policies, nil
}

// Parse decodes a policy document without validating it.
func Parse(data []byte) ([]policy.Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make([]policy.Policy, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		out = append(out, p.Policy)
	}
	return out, nil
}

// Validate checks policies for structural errors, duplicate ids, duplicate
// tag names, defaults outside the allowed set, and conditions that do not
// compile. All problems are reported together.
func Validate(ctx context.Context, policies []policy.Policy) error {
	var errs []error
	seen := make(map[string]bool, len(policies))

	for i, p := range policies {
		label := p.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		if err := validate.Struct(p); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", label, err))
		}
		if p.ID != "" {
			if seen[p.ID] {
				errs = append(errs, fmt.Errorf("policy %s: duplicate id", label))
			}
			seen[p.ID] = true
		}

		names := make(map[string]bool, len(p.RequiredTags))
		for _, rule := range p.RequiredTags {
			// Rules must be unique under case folding, since Azure and GCP
			// compare keys case-insensitively.
			folded := strings.ToLower(rule.Name)
			if names[folded] {
				errs = append(errs, fmt.Errorf("policy %s: duplicate tag rule %q", label, rule.Name))
			}
			names[folded] = true

			if rule.DefaultValue != nil && len(rule.AllowedValues) > 0 && !slices.Contains(rule.AllowedValues, *rule.DefaultValue) {
				errs = append(errs, fmt.Errorf("policy %s: default %q for tag %q is not an allowed value",
					label, *rule.DefaultValue, rule.Name))
			}
		}

		if _, err := CompileCondition(ctx, label, p.Condition); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Import loads a policy file and stores its policies, replacing any with
// the same id.
func Import(ctx context.Context, ps store.PolicyStore, path string, at time.Time) ([]policy.Policy, error) {
	policies, err := Load(ctx, path)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		policies[i].UpdatedAt = at
	}
	if err := ps.PutPolicies(ctx, policies...); err != nil {
		return nil, fmt.Errorf("store policies: %w", err)
	}
	return policies, nil
}
