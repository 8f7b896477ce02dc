package modreg

import (
	"context"
	"fmt"

	"github.com/hazyhaar/modwatch/kit"
)

// CategoryPolicy restricts unit execution by unit category.
//
// Evaluation logic:
//   - If the unit's category has an entry, the caller's role must be in
//     the allowed set ("*" matches any role).
//   - Categories without an entry are open to everyone.
type CategoryPolicy struct {
	reg   *Registry
	rules map[string][]string
}

// NewCategoryPolicy creates a PolicyFunc from a category -> allowed roles
// map.
func NewCategoryPolicy(reg *Registry, rules map[string][]string) PolicyFunc {
	p := &CategoryPolicy{reg: reg, rules: rules}
	return p.Evaluate
}

// Evaluate checks whether the current caller (identified by role in
// context) may execute the named unit.
func (p *CategoryPolicy) Evaluate(ctx context.Context, name string) error {
	u, ok := p.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}

	roles, restricted := p.rules[u.Category]
	if !restricted {
		return nil
	}

	role := kit.GetRole(ctx)
	for _, r := range roles {
		if r == "*" || r == role {
			return nil
		}
	}
	return fmt.Errorf("unit %q (category %q) not allowed for role %q", name, u.Category, role)
}
