package approval

import (
	"context"
	"fmt"
)

// DefaultOverrideRole is the top-of-hierarchy role used when none is configured.
const DefaultOverrideRole Role = "super_admin"

// HierarchySource supplies the configured approval chain for a kind.
// Implementations are read once per transition and must not be cached
// across transitions by callers.
type HierarchySource interface {
	ApprovalHierarchy(ctx context.Context, kind Kind) ([]Role, error)
}

// Hierarchy is the configuration snapshot a single transition is evaluated
// against. It is passed explicitly; nothing reads global config.
type Hierarchy struct {
	Kind     Kind
	Roles    []Role // lowest authority first
	Override Role
}

// RequiredRoles returns the ordered approver roles.
func (h Hierarchy) RequiredRoles() []Role {
	return append([]Role(nil), h.Roles...)
}

// IndexOf returns the role's position in the chain, or -1.
func (h Hierarchy) IndexOf(role Role) int {
	for i, r := range h.Roles {
		if r == role {
			return i
		}
	}
	return -1
}

// IsOverride reports whether role holds unconditional override power.
func (h Hierarchy) IsOverride(role Role) bool {
	return h.Override != "" && role == h.Override
}

// RankOf returns the rank recorded on timeline events for role.
func (h Hierarchy) RankOf(role Role) int {
	if h.IsOverride(role) {
		return RankOverride
	}
	return h.IndexOf(role)
}

// SoleRung reports whether the chain has exactly one role.
func (h Hierarchy) SoleRung() bool {
	return len(h.Roles) == 1
}

// LoadHierarchy builds a snapshot for kind from src.
func LoadHierarchy(ctx context.Context, src HierarchySource, kind Kind, override Role) (Hierarchy, error) {
	if override == "" {
		override = DefaultOverrideRole
	}
	roles, err := src.ApprovalHierarchy(ctx, kind)
	if err != nil {
		return Hierarchy{}, persistenceError(fmt.Sprintf("load %s hierarchy", kind), err)
	}
	return Hierarchy{Kind: kind, Roles: append([]Role(nil), roles...), Override: override}, nil
}

// StaticHierarchy is a HierarchySource backed by fixed role lists.
type StaticHierarchy map[Kind][]Role

func (s StaticHierarchy) ApprovalHierarchy(_ context.Context, kind Kind) ([]Role, error) {
	return append([]Role(nil), s[kind]...), nil
}
