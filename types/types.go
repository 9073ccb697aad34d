package types

import (
	"sort"
	"time"
)

// NodeType identifies the role of a node in a definition graph.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeApproval  NodeType = "approval"
	NodeParallel  NodeType = "parallel"
	NodeCondition NodeType = "condition"
	NodeEnd       NodeType = "end"
)

// RequiresAction reports whether instances stop on this node to wait for approvers.
func (t NodeType) RequiresAction() bool {
	return t == NodeApproval || t == NodeParallel
}

// ApprovalPolicy decides when an approval node is satisfied.
type ApprovalPolicy string

const (
	PolicyAll ApprovalPolicy = "all" // every resolved approver must approve
	PolicyAny ApprovalPolicy = "any" // first approval wins
)

// RuleKind is the tag of an ApproverRule.
type RuleKind string

const (
	RuleUsers            RuleKind = "users"
	RuleRole             RuleKind = "role"
	RuleInitiatorManager RuleKind = "initiator_manager"
	RulePreviousActor    RuleKind = "previous_actor"
	RuleContextField     RuleKind = "context_field"
)

// ApproverRule describes who may act on a node. Only the fields belonging to
// Kind are meaningful.
type ApproverRule struct {
	Kind       RuleKind `json:"kind" yaml:"kind" bson:"kind"`
	Users      []string `json:"users,omitempty" yaml:"users,omitempty" bson:"users,omitempty"`
	Role       string   `json:"role,omitempty" yaml:"role,omitempty" bson:"role,omitempty"`
	ContextKey string   `json:"context_key,omitempty" yaml:"context_key,omitempty" bson:"context_key,omitempty"`
}

// Transition is an outgoing edge. An empty Condition marks the default edge.
type Transition struct {
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty" bson:"condition,omitempty"`
	Target    string `json:"target" yaml:"target" bson:"target"`
}

// IsDefault reports whether the transition is unconditional.
func (t Transition) IsDefault() bool {
	return t.Condition == ""
}

// Node is one step of a definition.
type Node struct {
	ID          string         `json:"id" yaml:"id" bson:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty" bson:"name,omitempty"`
	Type        NodeType       `json:"type" yaml:"type" bson:"type"`
	Approvers   ApproverRule   `json:"approvers,omitempty" yaml:"approvers,omitempty" bson:"approvers,omitempty"`
	Policy      ApprovalPolicy `json:"policy,omitempty" yaml:"policy,omitempty" bson:"policy,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty" yaml:"transitions,omitempty" bson:"transitions,omitempty"`
	ReturnTo    string         `json:"return_to,omitempty" yaml:"return_to,omitempty" bson:"return_to,omitempty"`
}

// EffectivePolicy returns the node policy, defaulting to PolicyAll.
func (n Node) EffectivePolicy() ApprovalPolicy {
	if n.Policy == "" {
		return PolicyAll
	}
	return n.Policy
}

// Definition is an immutable, versioned workflow graph. Nodes are kept in a
// flat slice and addressed by ID.
type Definition struct {
	ID        string    `json:"id" yaml:"id" bson:"id"`
	Version   int       `json:"version" yaml:"version,omitempty" bson:"version"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty" bson:"name,omitempty"`
	Nodes     []Node    `json:"nodes" yaml:"nodes" bson:"nodes"`
	CreatedAt time.Time `json:"created_at" yaml:"-" bson:"created_at"`
}

// Index maps node IDs to their position in Nodes.
func (d Definition) Index() map[string]int {
	idx := make(map[string]int, len(d.Nodes))
	for i, n := range d.Nodes {
		idx[n.ID] = i
	}
	return idx
}

// Clone returns a copy of d that shares no slices with it.
func (d Definition) Clone() Definition {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		n.Transitions = append([]Transition(nil), n.Transitions...)
		n.Approvers.Users = append([]string(nil), n.Approvers.Users...)
		out.Nodes[i] = n
	}
	return out
}

// Node looks up a node by ID.
func (d Definition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the first node of type start.
func (d Definition) StartNode() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Step is one entry of an instance's path.
type Step struct {
	NodeID    string `json:"node_id" bson:"node_id"`
	EnteredBy string `json:"entered_by" bson:"entered_by"`
}

// Instance is one execution of a definition against a business object.
type Instance struct {
	ID                uint64                 `json:"id" bson:"_id"`
	DefinitionID      string                 `json:"definition_id" bson:"definition_id"`
	DefinitionVersion int                    `json:"definition_version" bson:"definition_version"`
	BusinessObjectID  string                 `json:"business_object_id" bson:"business_object_id"`
	InitiatorID       string                 `json:"initiator_id" bson:"initiator_id"`
	CurrentNodeID     string                 `json:"current_node_id" bson:"current_node_id"`
	Status            Status                 `json:"status" bson:"status"`
	Pending           []string               `json:"pending" bson:"pending"`
	Path              []Step                 `json:"path" bson:"path"`
	Context           map[string]interface{} `json:"context" bson:"context"`
	Version           int64                  `json:"version" bson:"version"`
	CreatedAt         time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" bson:"updated_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// IsPending reports whether userID may still act on the current node.
func (i Instance) IsPending(userID string) bool {
	n := sort.SearchStrings(i.Pending, userID)
	return n < len(i.Pending) && i.Pending[n] == userID
}

// RemovePending drops userID from the pending set.
func (i *Instance) RemovePending(userID string) {
	out := i.Pending[:0:0]
	for _, p := range i.Pending {
		if p != userID {
			out = append(out, p)
		}
	}
	i.Pending = out
}

// AddPending inserts userID into the pending set, keeping it sorted.
func (i *Instance) AddPending(userID string) {
	if i.IsPending(userID) {
		return
	}
	i.Pending = append(append([]string(nil), i.Pending...), userID)
	sort.Strings(i.Pending)
}

// PreviousActor returns the actor who moved the instance into its current node.
func (i Instance) PreviousActor() string {
	if len(i.Path) == 0 {
		return i.InitiatorID
	}
	return i.Path[len(i.Path)-1].EnteredBy
}

// Clone returns a deep copy safe to mutate.
func (i Instance) Clone() Instance {
	out := i
	out.Pending = append([]string(nil), i.Pending...)
	out.Path = append([]Step(nil), i.Path...)
	out.Context = CloneContext(i.Context)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CloneContext deep-copies a context bag. Nested maps and slices are copied;
// other values are shared.
func CloneContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneContext(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Action is an operation applied to an instance.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionReturn   Action = "return"
	ActionDelegate Action = "delegate"
	ActionCancel   Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionReturn, ActionDelegate, ActionCancel:
		return true
	}
	return false
}

// ApprovalRecord is one immutable history entry.
type ApprovalRecord struct {
	ID               uint64    `json:"id" bson:"id"`
	InstanceID       uint64    `json:"instance_id" bson:"instance_id"`
	Sequence         int       `json:"sequence" bson:"sequence"`
	NodeID           string    `json:"node_id" bson:"node_id"`
	ActorID          string    `json:"actor_id" bson:"actor_id"`
	Action           Action    `json:"action" bson:"action"`
	Comment          string    `json:"comment,omitempty" bson:"comment,omitempty"`
	DelegateTargetID string    `json:"delegate_target_id,omitempty" bson:"delegate_target_id,omitempty"`
	Timestamp        time.Time `json:"timestamp" bson:"timestamp"`
	ResultingStatus  Status    `json:"resulting_status" bson:"resulting_status"`
	ResultingNodeID  string    `json:"resulting_node_id" bson:"resulting_node_id"`
}

// ApprovalRequest carries the arguments of a ProcessApproval call.
type ApprovalRequest struct {
	InstanceID       uint64
	NodeID           string
	Action           Action
	ActorID          string
	Comment          string
	DelegateTargetID string
}

// Outcome is the state an instance reached after an action.
type Outcome struct {
	Status  Status `json:"status"`
	NodeID  string `json:"node_id"`
	Version int64  `json:"version"`
}
