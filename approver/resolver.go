// Package approver turns a node's approver rule into the concrete set of
// users entitled to act on it.
package approver

import (
	"context"
	"sort"

	"github.com/spf13/cast"

	"github.com/songzhibin97/approval-engine/types"
)

// Resolver produces the approvers of a node for an instance.
type Resolver interface {
	// Resolve returns a sorted, de-duplicated, non-empty set of user ids.
	// Empty or failed lookups yield an unresolvable_approvers error.
	Resolve(ctx context.Context, node types.Node, inst types.Instance) ([]string, error)
}

// RuleResolver resolves approver rules against a Directory.
type RuleResolver struct {
	dir Directory
}

// NewRuleResolver creates a resolver. dir may be nil if no definition uses
// role or initiator_manager rules.
func NewRuleResolver(dir Directory) *RuleResolver {
	return &RuleResolver{dir: dir}
}

// Resolve implements Resolver.
func (r *RuleResolver) Resolve(ctx context.Context, node types.Node, inst types.Instance) ([]string, error) {
	rule := node.Approvers
	var ids []string

	switch rule.Kind {
	case types.RuleUsers:
		ids = rule.Users
	case types.RuleRole:
		if r.dir == nil {
			return nil, types.NewError(types.KindUnresolvableApprovers, "node %q: no directory for role %q", node.ID, rule.Role)
		}
		users, err := r.dir.UsersInRole(ctx, rule.Role)
		if err != nil {
			return nil, types.WrapError(types.KindUnresolvableApprovers, err, "node %q: role %q lookup failed", node.ID, rule.Role)
		}
		ids = users
	case types.RuleInitiatorManager:
		if r.dir == nil {
			return nil, types.NewError(types.KindUnresolvableApprovers, "node %q: no directory for manager of %q", node.ID, inst.InitiatorID)
		}
		manager, err := r.dir.ManagerOf(ctx, inst.InitiatorID)
		if err != nil {
			return nil, types.WrapError(types.KindUnresolvableApprovers, err, "node %q: manager lookup for %q failed", node.ID, inst.InitiatorID)
		}
		ids = []string{manager}
	case types.RulePreviousActor:
		ids = []string{inst.PreviousActor()}
	case types.RuleContextField:
		raw, ok := inst.Context[rule.ContextKey]
		if !ok {
			return nil, types.NewError(types.KindUnresolvableApprovers, "node %q: context field %q is missing", node.ID, rule.ContextKey)
		}
		users, err := cast.ToStringSliceE(raw)
		if err != nil {
			return nil, types.WrapError(types.KindUnresolvableApprovers, err, "node %q: context field %q", node.ID, rule.ContextKey)
		}
		ids = users
	default:
		return nil, types.NewError(types.KindUnresolvableApprovers, "node %q: unknown approver rule kind %q", node.ID, rule.Kind)
	}

	out := normalize(ids)
	if len(out) == 0 {
		return nil, types.NewError(types.KindUnresolvableApprovers, "node %q: rule %q resolved to nobody", node.ID, rule.Kind)
	}
	return out, nil
}

func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
