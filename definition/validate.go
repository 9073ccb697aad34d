// Package definition checks workflow definitions before they are published
// and decodes them from YAML.
package definition

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

// Validate checks the graph structure of def. All violations are
// reported together as a validation error wrapping a *multierror.Error.
// compiler may be nil, in which case condition syntax is not checked.
func Validate(def types.Definition, compiler rules.Evaluator) error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if def.ID == "" {
		fail("definition id is required")
	}
	if len(def.Nodes) == 0 {
		fail("definition must have at least one node")
		return types.WrapError(types.KindValidation, result.ErrorOrNil(), "definition %q is invalid", def.ID)
	}

	nodes := make(map[string]types.Node, len(def.Nodes))
	var starts, ends []string
	for _, n := range def.Nodes {
		if n.ID == "" {
			fail("node id cannot be empty")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			fail("duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
		switch n.Type {
		case types.NodeStart:
			starts = append(starts, n.ID)
		case types.NodeEnd:
			ends = append(ends, n.ID)
		case types.NodeApproval, types.NodeParallel, types.NodeCondition:
		default:
			fail("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	switch len(starts) {
	case 0:
		fail("definition must have a start node")
	case 1:
	default:
		fail("definition must have exactly one start node, found %d", len(starts))
	}
	if len(ends) == 0 {
		fail("definition must have at least one end node")
	}

	for _, n := range def.Nodes {
		if n.ID == "" {
			continue
		}
		checkTransitions(n, nodes, compiler, fail)
		if n.Type.RequiresAction() {
			checkApprovers(n, fail)
		}
		if n.ReturnTo != "" {
			target, ok := nodes[n.ReturnTo]
			switch {
			case !ok:
				fail("node %q returns to unknown node %q", n.ID, n.ReturnTo)
			case n.ReturnTo == n.ID:
				fail("node %q cannot return to itself", n.ID)
			case !target.Type.RequiresAction():
				fail("node %q returns to %q which is not an approval node", n.ID, n.ReturnTo)
			}
		}
	}

	if len(starts) == 1 {
		checkReachability(starts[0], nodes, def.Nodes, fail)
	}
	checkAutomaticCycles(def.Nodes, nodes, fail)

	if err := result.ErrorOrNil(); err != nil {
		return types.WrapError(types.KindValidation, err, "definition %q is invalid", def.ID)
	}
	return nil
}

func checkTransitions(n types.Node, nodes map[string]types.Node, compiler rules.Evaluator, fail func(string, ...interface{})) {
	switch n.Type {
	case types.NodeEnd:
		if len(n.Transitions) > 0 {
			fail("end node %q cannot have outgoing transitions", n.ID)
		}
		return
	case types.NodeStart:
		if len(n.Transitions) != 1 || !n.Transitions[0].IsDefault() {
			fail("start node %q must have exactly one unconditional transition", n.ID)
		}
	default:
		if len(n.Transitions) == 0 {
			fail("node %q has no outgoing transition", n.ID)
		}
	}

	seen := make(map[types.Transition]bool, len(n.Transitions))
	for _, t := range n.Transitions {
		if seen[t] {
			fail("node %q has duplicate transition to %q [%s]", n.ID, t.Target, t.Condition)
		}
		seen[t] = true

		target, ok := nodes[t.Target]
		if !ok {
			fail("node %q has transition to unknown node %q", n.ID, t.Target)
			continue
		}
		if target.Type == types.NodeStart {
			fail("node %q cannot transition into the start node", n.ID)
		}
		if !t.IsDefault() && compiler != nil {
			if err := compiler.Compile(t.Condition); err != nil {
				fail("node %q has invalid condition %q: %v", n.ID, t.Condition, err)
			}
		}
	}
}

func checkApprovers(n types.Node, fail func(string, ...interface{})) {
	switch n.EffectivePolicy() {
	case types.PolicyAll, types.PolicyAny:
	default:
		fail("node %q has unknown approval policy %q", n.ID, n.Policy)
	}

	rule := n.Approvers
	switch rule.Kind {
	case types.RuleUsers:
		if len(rule.Users) == 0 {
			fail("node %q lists no approvers", n.ID)
		}
		for _, u := range rule.Users {
			if u == "" {
				fail("node %q lists an empty approver id", n.ID)
			}
		}
	case types.RuleRole:
		if rule.Role == "" {
			fail("node %q has a role rule without a role", n.ID)
		}
	case types.RuleContextField:
		if rule.ContextKey == "" {
			fail("node %q has a context_field rule without a key", n.ID)
		}
	case types.RuleInitiatorManager, types.RulePreviousActor:
	case "":
		fail("approval node %q has no approver rule", n.ID)
	default:
		fail("node %q has unknown approver rule kind %q", n.ID, rule.Kind)
	}
}

// checkReachability requires every node to be reachable from start and at
// least one end node to be reachable.
func checkReachability(start string, nodes map[string]types.Node, ordered []types.Node, fail func(string, ...interface{})) {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, t := range nodes[current].Transitions {
			if _, ok := nodes[t.Target]; ok && !reachable[t.Target] {
				reachable[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}

	endReached := false
	for _, n := range ordered {
		if n.ID == "" {
			continue
		}
		if !reachable[n.ID] {
			fail("node %q is not reachable from the start node", n.ID)
		}
		if n.Type == types.NodeEnd && reachable[n.ID] {
			endReached = true
		}
	}
	if !endReached {
		fail("no end node is reachable from the start node")
	}
}

// checkAutomaticCycles rejects cycles that never stop at a human decision:
// such a loop would route forever without anybody being able to break it.
func checkAutomaticCycles(ordered []types.Node, nodes map[string]types.Node, fail func(string, ...interface{})) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(nodes))
	reported := make(map[string]bool)

	var visit func(id string, stack []string)
	visit = func(id string, stack []string) {
		color[id] = grey
		stack = append(stack, id)
		for _, t := range nodes[id].Transitions {
			next, ok := nodes[t.Target]
			if !ok || next.Type != types.NodeCondition {
				continue
			}
			switch color[next.ID] {
			case grey:
				if !reported[next.ID] {
					reported[next.ID] = true
					fail("condition nodes form a cycle without an approval step: %v", cycleFrom(stack, next.ID))
				}
			case white:
				visit(next.ID, stack)
			}
		}
		color[id] = black
	}

	for _, n := range ordered {
		if n.Type == types.NodeCondition && color[n.ID] == white {
			visit(n.ID, nil)
		}
	}
}

func cycleFrom(stack []string, id string) []string {
	for i, s := range stack {
		if s == id {
			return append(append([]string(nil), stack[i:]...), id)
		}
	}
	return append(stack, id)
}
