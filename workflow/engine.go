package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/approver"
	"github.com/songzhibin97/approval-engine/definition"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/observability"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Standard error definitions
var (
	ErrGeneratorRequired = errors.New("generator is required")
	ErrHistoryMismatch   = errors.New("history does not reproduce instance state")
)

const (
	// MaxAutoSteps bounds how many condition nodes may be crossed while
	// entering a node.
	MaxAutoSteps = 100

	defaultEventBufferSize = 100
)

type definitionKey struct {
	id      string
	version int
}

// WorkflowEngine applies approval actions to instances and keeps their
// history.
type WorkflowEngine struct {
	definitions map[definitionKey]types.Definition
	evaluator   rules.Evaluator
	resolver    approver.Resolver
	directory   approver.Directory
	storage     storage.Storage
	eventBus    *events.EventBus
	mu          sync.RWMutex
	generate    generator.Generator
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	bufferSize  int
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *WorkflowEngine) {
		e.metrics = m
	}
}

// WithDirectory sets the directory used to check delegate targets. Without
// one every delegation is rejected. When no resolver is passed to
// NewWorkflowEngine it also backs the default resolver.
func WithDirectory(dir approver.Directory) Option {
	return func(e *WorkflowEngine) {
		e.directory = dir
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *WorkflowEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEventBufferSize sets how many notifications may be queued.
func WithEventBufferSize(size int) Option {
	return func(e *WorkflowEngine) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// NewWorkflowEngine creates a new WorkflowEngine. store defaults to an
// in-memory store, evaluator to an expr evaluator and resolver to a
// RuleResolver over the configured directory.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, resolver approver.Resolver, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, ErrGeneratorRequired
	}

	e := &WorkflowEngine{
		definitions: make(map[definitionKey]types.Definition),
		evaluator:   evaluator,
		resolver:    resolver,
		storage:     store,
		generate:    generate,
		logger:      zap.NewNop(),
		now:         time.Now,
		bufferSize:  defaultEventBufferSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.storage == nil {
		e.storage = storage.NewMemoryStorage()
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewExprEvaluator()
	}
	if e.resolver == nil {
		e.resolver = approver.NewRuleResolver(e.directory)
	}
	e.eventBus = events.NewEventBus(
		events.WithBufferSize(e.bufferSize),
		events.WithLogger(e.logger.Named("events")),
	)
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent. Handlers are
// matched by equality; func handlers cannot be removed.
func (e *WorkflowEngine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *WorkflowEngine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterDefinition validates def and publishes it as the next version of
// its ID. The version and creation time of def are assigned here.
func (e *WorkflowEngine) RegisterDefinition(ctx context.Context, def types.Definition) (published types.Definition, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.RegisterDefinition", observability.AttrDefinitionID.String(def.ID))
	defer func() { observability.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return types.Definition{}, err
	}
	if err := definition.Validate(def, e.evaluator); err != nil {
		e.logger.Warn("definition rejected", zap.String("definition_id", def.ID), zap.Error(err))
		return types.Definition{}, err
	}

	next := 1
	latest, err := e.storage.LatestDefinition(ctx, def.ID)
	switch {
	case err == nil:
		next = latest.Version + 1
	case errors.Is(err, types.ErrNotFound):
	default:
		return types.Definition{}, fmt.Errorf("failed to read latest definition: %w", err)
	}

	def = def.Clone()
	def.Version = next
	def.CreatedAt = e.now().UTC()
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return types.Definition{}, err
	}

	e.mu.Lock()
	e.definitions[definitionKey{def.ID, def.Version}] = def
	e.mu.Unlock()

	e.metrics.RecordPublish(def.ID)
	e.logger.Info("definition published",
		zap.String("definition_id", def.ID),
		zap.Int("version", def.Version),
		zap.Int("nodes", len(def.Nodes)),
	)
	return def.Clone(), nil
}

// getDefinition retrieves a definition, checking cache first then storage.
// Version 0 always goes to storage since the latest version can change.
// The result is shared with the cache and must not be modified.
func (e *WorkflowEngine) getDefinition(ctx context.Context, id string, version int) (types.Definition, error) {
	if version > 0 {
		e.mu.RLock()
		def, ok := e.definitions[definitionKey{id, version}]
		e.mu.RUnlock()
		if ok {
			return def, nil
		}
	}

	var (
		def types.Definition
		err error
	)
	if version == 0 {
		def, err = e.storage.LatestDefinition(ctx, id)
	} else {
		def, err = e.storage.GetDefinition(ctx, id, version)
	}
	if err != nil {
		return types.Definition{}, err
	}

	def = def.Clone()
	e.mu.Lock()
	e.definitions[definitionKey{def.ID, def.Version}] = def
	e.mu.Unlock()
	return def, nil
}

// GetDefinition retrieves a published definition. Version 0 means latest.
func (e *WorkflowEngine) GetDefinition(ctx context.Context, id string, version int) (*types.Definition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		def, err := e.getDefinition(ctx, id, version)
		if err != nil {
			return nil, err
		}
		out := def.Clone()
		return &out, nil
	}
}

// CreateInstance starts the latest version of a definition for a business
// object. The instance enters the successor of the start node; condition
// nodes are routed through immediately.
func (e *WorkflowEngine) CreateInstance(ctx context.Context, definitionID, businessObjectID, initiatorID string, initialContext map[string]interface{}) (_ *types.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CreateInstance",
		observability.AttrDefinitionID.String(definitionID),
		observability.AttrActorID.String(initiatorID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if initiatorID == "" {
		return nil, types.NewError(types.KindValidation, "initiator is required")
	}
	if businessObjectID == "" {
		return nil, types.NewError(types.KindValidation, "business object id is required")
	}

	def, err := e.getDefinition(ctx, definitionID, 0)
	if err != nil {
		return nil, err
	}
	start, ok := def.StartNode()
	if !ok {
		return nil, types.NewError(types.KindNotFound, "definition %q version %d has no start node", def.ID, def.Version)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now().UTC()
	inst := types.Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		BusinessObjectID:  businessObjectID,
		InitiatorID:       initiatorID,
		Status:            types.StatusRunning,
		Context:           types.CloneContext(initialContext),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	target, err := e.route(start, inst.Context)
	if err != nil {
		return nil, err
	}
	pending, err := e.enter(ctx, def, &inst, target, initiatorID)
	if err != nil {
		e.logger.Warn("instance not created",
			zap.String("definition_id", def.ID),
			zap.String("initiator_id", initiatorID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := e.storage.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.RecordStart(def.ID)
	e.publishEvent(events.EventInstanceStarted, inst, []string{initiatorID}, nil)
	if inst.Status == types.StatusCompleted {
		e.metrics.RecordTerminal(def.ID, inst.Status)
		e.publishEvent(events.EventInstanceCompleted, inst, []string{initiatorID}, nil)
	} else {
		e.publishEvent(events.EventApprovalRequired, inst, pending, nil)
	}

	e.logger.Info("instance created",
		zap.Uint64("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("definition_version", def.Version),
		zap.String("node_id", inst.CurrentNodeID),
		zap.Strings("pending", inst.Pending),
	)
	return &inst, nil
}

// ProcessApproval applies one action to an instance. Checks run in order and
// the first failure wins: the instance must exist and be running, the request
// must name its current node, the actor must be pending on that node, and a
// delegation must name an active user who is not already pending.
//
// The new state is committed together with one history record, conditioned
// on the version read at the start of the call. A lost race surfaces as
// concurrent_modification and is never retried here.
func (e *WorkflowEngine) ProcessApproval(ctx context.Context, req types.ApprovalRequest) (types.Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ProcessApproval",
		observability.AttrInstanceID.Int64(int64(req.InstanceID)),
		observability.AttrNodeID.String(req.NodeID),
		observability.AttrAction.String(string(req.Action)),
		observability.AttrActorID.String(req.ActorID),
	)

	outcome, definitionID, err := e.process(ctx, req)
	e.metrics.RecordAction(definitionID, req.Action, err)
	if err != nil {
		e.logFailure("action rejected", err,
			zap.Uint64("instance_id", req.InstanceID),
			zap.String("node_id", req.NodeID),
			zap.String("action", string(req.Action)),
			zap.String("actor_id", req.ActorID),
		)
	}
	observability.EndSpan(span, err)
	return outcome, err
}

// Cancel aborts a running instance on behalf of its initiator.
func (e *WorkflowEngine) Cancel(ctx context.Context, instanceID uint64, actorID, reason string) (types.Outcome, error) {
	return e.ProcessApproval(ctx, types.ApprovalRequest{
		InstanceID: instanceID,
		Action:     types.ActionCancel,
		ActorID:    actorID,
		Comment:    reason,
	})
}

func (e *WorkflowEngine) process(ctx context.Context, req types.ApprovalRequest) (types.Outcome, string, error) {
	if err := ctx.Err(); err != nil {
		return types.Outcome{}, "", err
	}
	if !req.Action.Valid() {
		return types.Outcome{}, "", types.NewError(types.KindValidation, "unknown action %q", req.Action)
	}

	current, err := e.storage.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return types.Outcome{}, "", err
	}
	definitionID := current.DefinitionID

	if err := e.authorize(ctx, current, req); err != nil {
		return types.Outcome{}, definitionID, err
	}

	def, err := e.getDefinition(ctx, current.DefinitionID, current.DefinitionVersion)
	if err != nil {
		return types.Outcome{}, definitionID, err
	}
	node, ok := def.Node(current.CurrentNodeID)
	if !ok {
		return types.Outcome{}, definitionID, types.NewError(types.KindNotFound,
			"node %q not found in definition %q version %d", current.CurrentNodeID, def.ID, def.Version)
	}

	next := current.Clone()
	now := e.now().UTC()
	if now.Before(current.UpdatedAt) {
		now = current.UpdatedAt
	}
	var pending []string

	switch req.Action {
	case types.ActionApprove:
		pending, err = e.approve(ctx, def, node, &next, req.ActorID)
	case types.ActionReject:
		next.Status = types.StatusRejected
		next.Pending = nil
		next.CompletedAt = &now
	case types.ActionReturn:
		pending, err = e.returnTo(ctx, def, node, &next)
	case types.ActionDelegate:
		next.RemovePending(req.ActorID)
		next.AddPending(req.DelegateTargetID)
	case types.ActionCancel:
		next.Status = types.StatusCancelled
		next.Pending = nil
		next.CompletedAt = &now
	}
	if err != nil {
		return types.Outcome{}, definitionID, err
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now

	recordID, err := e.GenerateID()
	if err != nil {
		return types.Outcome{}, definitionID, fmt.Errorf("failed to generate ID: %w", err)
	}
	record := types.ApprovalRecord{
		ID:               recordID,
		InstanceID:       current.ID,
		Sequence:         int(current.Version),
		NodeID:           current.CurrentNodeID,
		ActorID:          req.ActorID,
		Action:           req.Action,
		Comment:          req.Comment,
		DelegateTargetID: req.DelegateTargetID,
		Timestamp:        now,
		ResultingStatus:  next.Status,
		ResultingNodeID:  next.CurrentNodeID,
	}

	start := time.Now()
	err = e.storage.Commit(ctx, next, current.Version, record)
	e.metrics.ObserveCommit(definitionID, time.Since(start))
	if err != nil {
		return types.Outcome{}, definitionID, err
	}

	e.afterCommit(current, next, req, pending)
	return types.Outcome{Status: next.Status, NodeID: next.CurrentNodeID, Version: next.Version}, definitionID, nil
}

// authorize runs the request checks that need only the stored instance.
func (e *WorkflowEngine) authorize(ctx context.Context, inst types.Instance, req types.ApprovalRequest) error {
	if inst.Status.Terminal() {
		return types.NewError(types.KindInvalidState, "instance %d is %s", inst.ID, inst.Status)
	}

	if req.Action == types.ActionCancel {
		if req.NodeID != "" && req.NodeID != inst.CurrentNodeID {
			return types.NewError(types.KindStaleAction, "instance %d is at node %q, not %q", inst.ID, inst.CurrentNodeID, req.NodeID)
		}
		if req.ActorID != inst.InitiatorID {
			return types.NewError(types.KindAuthorization, "only the initiator may cancel instance %d", inst.ID)
		}
		return nil
	}

	if req.NodeID != inst.CurrentNodeID {
		return types.NewError(types.KindStaleAction, "instance %d is at node %q, not %q", inst.ID, inst.CurrentNodeID, req.NodeID)
	}
	if !inst.IsPending(req.ActorID) {
		return types.NewError(types.KindAuthorization, "%q is not a pending approver of node %q", req.ActorID, inst.CurrentNodeID)
	}
	if req.Action == types.ActionDelegate {
		return e.checkDelegate(ctx, inst, req)
	}
	return nil
}

func (e *WorkflowEngine) checkDelegate(ctx context.Context, inst types.Instance, req types.ApprovalRequest) error {
	target := req.DelegateTargetID
	switch {
	case target == "":
		return types.NewError(types.KindValidation, "delegate requires a target")
	case target == req.ActorID:
		return types.NewError(types.KindValidation, "%q cannot delegate to themselves", req.ActorID)
	case inst.IsPending(target):
		return types.NewError(types.KindValidation, "%q is already pending on node %q", target, inst.CurrentNodeID)
	}

	if e.directory == nil {
		return types.NewError(types.KindValidation, "no directory to verify delegate target %q", target)
	}
	active, err := e.directory.IsActive(ctx, target)
	if err != nil {
		return types.WrapError(types.KindValidation, err, "checking delegate target %q", target)
	}
	if !active {
		return types.NewError(types.KindValidation, "delegate target %q is not an active user", target)
	}
	return nil
}

// approve removes actor from the pending set and, once the node is
// satisfied, moves inst on. It returns the approvers of the entered node.
func (e *WorkflowEngine) approve(ctx context.Context, def types.Definition, node types.Node, inst *types.Instance, actor string) ([]string, error) {
	inst.RemovePending(actor)
	if node.EffectivePolicy() == types.PolicyAll && len(inst.Pending) > 0 {
		return nil, nil
	}

	target, err := e.route(node, inst.Context)
	if err != nil {
		return nil, err
	}
	return e.enter(ctx, def, inst, target, actor)
}

// returnTo moves inst back to the node's return target, or to the previous
// approval node on its path, and resolves that node's approvers afresh.
func (e *WorkflowEngine) returnTo(ctx context.Context, def types.Definition, node types.Node, inst *types.Instance) ([]string, error) {
	last := len(inst.Path) - 1
	target := node.ReturnTo
	if target == "" {
		if last < 1 {
			return nil, types.NewError(types.KindValidation, "node %q has no earlier node to return to", node.ID)
		}
		target = inst.Path[last-1].NodeID
	}

	at := -1
	for i := last - 1; i >= 0; i-- {
		if inst.Path[i].NodeID == target {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, types.NewError(types.KindValidation, "instance %d has not passed node %q", inst.ID, target)
	}

	targetNode, ok := def.Node(target)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "node %q not found in definition %q version %d", target, def.ID, def.Version)
	}

	inst.Path = inst.Path[:at+1]
	inst.CurrentNodeID = target
	pending, err := e.resolve(ctx, targetNode, *inst)
	if err != nil {
		return nil, err
	}
	inst.Pending = pending
	return pending, nil
}

// enter moves inst into target on behalf of actor. Condition nodes are
// routed through, an end node completes the instance, and an approval node
// gets its approvers resolved.
func (e *WorkflowEngine) enter(ctx context.Context, def types.Definition, inst *types.Instance, target, actor string) ([]string, error) {
	for steps := 0; steps <= MaxAutoSteps; steps++ {
		node, ok := def.Node(target)
		if !ok {
			return nil, types.NewError(types.KindNotFound, "node %q not found in definition %q version %d", target, def.ID, def.Version)
		}

		switch node.Type {
		case types.NodeEnd:
			now := e.now().UTC()
			inst.CurrentNodeID = node.ID
			inst.Status = types.StatusCompleted
			inst.Pending = nil
			inst.CompletedAt = &now
			return nil, nil

		case types.NodeCondition:
			next, err := e.route(node, inst.Context)
			if err != nil {
				return nil, err
			}
			e.logger.Debug("condition routed",
				zap.Uint64("instance_id", inst.ID),
				zap.String("node_id", node.ID),
				zap.String("target", next),
			)
			target = next

		case types.NodeApproval, types.NodeParallel:
			inst.CurrentNodeID = node.ID
			inst.Path = append(inst.Path, types.Step{NodeID: node.ID, EnteredBy: actor})
			pending, err := e.resolve(ctx, node, *inst)
			if err != nil {
				return nil, err
			}
			inst.Pending = pending
			return pending, nil

		default:
			return nil, types.NewError(types.KindValidation, "cannot enter %s node %q", node.Type, node.ID)
		}
	}
	return nil, types.NewError(types.KindValidation, "instance %d exceeded %d automatic routing steps", inst.ID, MaxAutoSteps)
}

// route takes the first transition of node whose condition holds, or the
// default one.
func (e *WorkflowEngine) route(node types.Node, vars map[string]interface{}) (string, error) {
	for _, t := range node.Transitions {
		if t.IsDefault() {
			return t.Target, nil
		}
		ok, err := e.evaluator.Evaluate(t.Condition, vars)
		if err != nil {
			return "", types.WrapError(types.KindValidation, err, "failed to evaluate condition '%s' on node %q", t.Condition, node.ID)
		}
		if ok {
			return t.Target, nil
		}
	}
	return "", types.NewError(types.KindValidation, "no transition of node %q matches", node.ID)
}

func (e *WorkflowEngine) resolve(ctx context.Context, node types.Node, inst types.Instance) ([]string, error) {
	pending, err := e.resolver.Resolve(ctx, node, inst)
	if err != nil {
		if types.KindOf(err) == "" {
			err = types.WrapError(types.KindUnresolvableApprovers, err, "node %q", node.ID)
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, types.NewError(types.KindUnresolvableApprovers, "node %q resolved to nobody", node.ID)
	}
	e.logger.Debug("approvers resolved",
		zap.Uint64("instance_id", inst.ID),
		zap.String("node_id", node.ID),
		zap.Strings("approvers", pending),
	)
	return pending, nil
}

// afterCommit publishes notifications and records the outcome of a
// committed action.
func (e *WorkflowEngine) afterCommit(before, after types.Instance, req types.ApprovalRequest, pending []string) {
	data := map[string]interface{}{
		"actor_id": req.ActorID,
		"action":   string(req.Action),
	}
	if req.Comment != "" {
		data["comment"] = req.Comment
	}

	switch req.Action {
	case types.ActionApprove:
		if after.Status == types.StatusCompleted {
			e.publishEvent(events.EventInstanceCompleted, after, []string{after.InitiatorID}, data)
		} else if pending != nil {
			e.publishEvent(events.EventApprovalRequired, after, pending, data)
		}
	case types.ActionReject:
		e.publishEvent(events.EventInstanceRejected, after, []string{after.InitiatorID}, data)
	case types.ActionReturn:
		data["returned_from"] = before.CurrentNodeID
		e.publishEvent(events.EventInstanceReturned, after, []string{after.InitiatorID}, data)
		e.publishEvent(events.EventApprovalRequired, after, pending, data)
	case types.ActionDelegate:
		data["delegate_target_id"] = req.DelegateTargetID
		e.publishEvent(events.EventDelegated, after, []string{req.DelegateTargetID}, data)
	case types.ActionCancel:
		e.publishEvent(events.EventInstanceCancelled, after, before.Pending, data)
	}

	if after.Status.Terminal() {
		e.metrics.RecordTerminal(after.DefinitionID, after.Status)
	}
	e.logger.Info("action committed",
		zap.Uint64("instance_id", after.ID),
		zap.String("action", string(req.Action)),
		zap.String("actor_id", req.ActorID),
		zap.String("from_node", before.CurrentNodeID),
		zap.String("to_node", after.CurrentNodeID),
		zap.String("status", string(after.Status)),
		zap.Int64("version", after.Version),
	)
}

// publishEvent queues a notification. Delivery happens after the commit and
// its failure never affects the committed state.
func (e *WorkflowEngine) publishEvent(eventType string, inst types.Instance, recipients []string, data map[string]interface{}) {
	if !e.eventBus.HasSubscribers(eventType) {
		return
	}
	payload := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		payload[k] = v
	}
	payload["definition_id"] = inst.DefinitionID
	payload["business_object_id"] = inst.BusinessObjectID
	payload["node_id"] = inst.CurrentNodeID
	payload["status"] = string(inst.Status)

	event := events.NewEvent(eventType, inst.ID, append([]string(nil), recipients...), payload)
	err := e.eventBus.Publish(context.Background(), event)
	if err == nil || errors.Is(err, events.ErrNoHandler) {
		return
	}
	e.metrics.RecordEventFailure(eventType)
	e.logger.Error("event not queued",
		zap.String("event_type", eventType),
		zap.Uint64("instance_id", inst.ID),
		zap.Error(err),
	)
}

func (e *WorkflowEngine) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if kind := types.KindOf(err); kind != "" {
		e.logger.Warn(msg, append(fields, zap.String("kind", string(kind)))...)
		return
	}
	e.logger.Error(msg, fields...)
}

// GetInstance retrieves an instance snapshot by ID.
func (e *WorkflowEngine) GetInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		inst, err := e.storage.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return &inst, nil
	}
}

// GetHistory returns the approval records of an instance in commit order.
func (e *WorkflowEngine) GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return e.storage.GetHistory(ctx, instanceID)
	}
}

// PendingFor lists the running instances userID can act on right now.
func (e *WorkflowEngine) PendingFor(ctx context.Context, userID string) ([]types.Instance, error) {
	if userID == "" {
		return nil, types.NewError(types.KindValidation, "user id is required")
	}
	return e.storage.PendingFor(ctx, userID)
}

// GetNodeApprovers resolves the approver rule of any approval node of an
// instance's definition against the instance as it stands. Nothing is
// written.
func (e *WorkflowEngine) GetNodeApprovers(ctx context.Context, instanceID uint64, nodeID string) ([]string, error) {
	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.getDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	node, ok := def.Node(nodeID)
	if !ok {
		return nil, types.NewError(types.KindNotFound, "node %q not found in definition %q version %d", nodeID, def.ID, def.Version)
	}
	if !node.Type.RequiresAction() {
		return nil, types.NewError(types.KindValidation, "node %q is a %s node and has no approvers", nodeID, node.Type)
	}
	return e.resolve(ctx, node, inst)
}

// Stop gracefully stops the workflow engine. Queued notifications are
// delivered before it returns.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
