// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// defaultFlowTTL bounds how long an interactive flow may stay open.
const defaultFlowTTL = 15 * time.Minute

// maxAdvanceSteps caps graph traversal per submission, so a cyclic graph
// cannot spin the engine.
const maxAdvanceSteps = 64

// Flow engine errors.
var (
	ErrUnknownFlow          = errors.New("flow: unknown flow id")
	ErrUnknownSession       = errors.New("flow: no state for session")
	ErrFlowExpired          = errors.New("flow: expired")
	ErrUnexpectedCapability = errors.New("flow: capability not expected at current node")
	ErrNoMigrationPath      = errors.New("flow: no migration path")
)

// ResultType classifies a submission outcome.
type ResultType string

// Result types.
const (
	ResultContinue ResultType = "continue"
	ResultRedirect ResultType = "redirect"
	ResultError    ResultType = "error"
)

// Result is returned from Start and Submit. A continue result names the
// node the flow suspended at and the capabilities the UI must fulfill;
// Completed marks a finished flow.
type Result struct {
	Type ResultType `json:"type"`

	NodeKey      string   `json:"node,omitempty"`
	Intent       string   `json:"intent,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Completed    bool     `json:"completed,omitempty"`

	RedirectURL string `json:"redirect_url,omitempty"`

	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// NodeHandler executes a check, action or side-effect node. A returned
// error follows the node's error edge when one exists.
type NodeHandler func(ctx context.Context, st *RuntimeState, node *CompiledNode, input map[string]any) error

// Engine executes compiled plans against durable session state.
type Engine struct {
	system *actor.System
	router *actor.Router

	flowTTL time.Duration
	webhook *WebhookCaller

	mu         sync.RWMutex
	plans      map[string]*CompiledPlan
	handlers   map[NodeType]NodeHandler
	migrations map[string][]Migration
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithFlowTTL overrides the flow expiry window.
func WithFlowTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.flowTTL = ttl }
}

// WithWebhookCaller supplies the HTTP caller for webhook nodes.
func WithWebhookCaller(w *WebhookCaller) EngineOption {
	return func(e *Engine) { e.webhook = w }
}

// NewEngine creates an engine backed by the actor system.
func NewEngine(system *actor.System, router *actor.Router, opts ...EngineOption) *Engine {
	e := &Engine{
		system:     system,
		router:     router,
		flowTTL:    defaultFlowTTL,
		plans:      make(map[string]*CompiledPlan),
		handlers:   make(map[NodeType]NodeHandler),
		migrations: make(map[string][]Migration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register makes a compiled plan executable. Registering the same flow id
// again replaces the plan; live state migrates on next submission.
func (e *Engine) Register(plan *CompiledPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plans[plan.FlowID] = plan
}

// RegisterGraph compiles and registers a definition.
func (e *Engine) RegisterGraph(g *GraphDefinition) (*CompiledPlan, error) {
	plan, err := Compile(g)
	if err != nil {
		return nil, err
	}
	e.Register(plan)
	return plan, nil
}

// RegisterHandler installs the executor for a node type.
func (e *Engine) RegisterHandler(t NodeType, h NodeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// RegisterMigrations installs the version upgrade chain for a flow.
func (e *Engine) RegisterMigrations(flowID string, migrations ...Migration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.migrations[flowID] = append(e.migrations[flowID], migrations...)
}

func (e *Engine) plan(flowID string) (*CompiledPlan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plans[flowID]
	return p, ok
}

func (e *Engine) handler(t NodeType) (NodeHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[t]
	return h, ok
}

func stateKey(tenant, sessionID string) string {
	return "flow-state:" + tenant + ":" + sessionID
}

// StartParams opens a flow for a session.
type StartParams struct {
	Tenant    string
	FlowID    string
	SessionID string
	ClientID  string

	// OAuthParams carries the suspended authorization request parameters.
	OAuthParams map[string]string
}

// Start initializes state at the start node and advances to the first
// suspension point.
func (e *Engine) Start(ctx context.Context, p StartParams) (*Result, error) {
	plan, ok := e.plan(p.FlowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, p.FlowID)
	}

	now := time.Now()
	st := &RuntimeState{
		SessionID:      p.SessionID,
		FlowID:         p.FlowID,
		Tenant:         p.Tenant,
		ClientID:       p.ClientID,
		Version:        plan.Version,
		CollectedData:  make(map[string]any),
		OAuthParams:    p.OAuthParams,
		StartedAt:      now,
		ExpiresAt:      now.Add(e.flowTTL),
		LastActivityAt: now,
	}
	st.visit(plan.Start)

	result := e.advance(ctx, plan, st, nil)

	if err := e.persist(ctx, st); err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitParams is one step submission from the UI layer.
type SubmitParams struct {
	Tenant    string
	SessionID string

	// RequestID deduplicates retries: a request id already processed
	// returns its stored result without re-executing.
	RequestID string

	CapabilityID string
	Response     map[string]any
}

// Submit applies a capability response and advances the flow. All
// submissions for one session run on its actor, so concurrent retries
// serialize and exactly one execution wins.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*Result, error) {
	identity := e.router.RouteFor(p.Tenant, "flow:"+p.SessionID)
	result, err := e.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		st, err := loadState(ctx, store, p.Tenant, p.SessionID)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		if st.Expired(now) {
			return nil, ErrFlowExpired
		}

		if cached, ok := st.replay(p.RequestID); ok && p.RequestID != "" {
			return cached, nil
		}

		plan, ok := e.plan(st.FlowID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, st.FlowID)
		}
		if err := e.migrate(st, plan); err != nil {
			return nil, err
		}

		node, ok := plan.Nodes[st.CurrentNode]
		if !ok {
			return nil, fmt.Errorf("flow %s: state at unknown node %q", st.FlowID, st.CurrentNode)
		}
		if !capabilityExpected(node, p.CapabilityID) {
			return nil, fmt.Errorf("%w: %s at node %s", ErrUnexpectedCapability, p.CapabilityID, node.Key)
		}

		if p.Response != nil {
			if st.CollectedData == nil {
				st.CollectedData = make(map[string]any)
			}
			st.CollectedData[p.CapabilityID] = p.Response
		}
		st.completeCapability(p.CapabilityID)
		st.LastActivityAt = now

		result := e.advance(ctx, plan, st, p.Response)
		if p.RequestID != "" {
			st.snapshot(p.RequestID, result)
		}

		if err := saveState(ctx, store, st); err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}

// State returns a copy of the session's runtime state.
func (e *Engine) State(ctx context.Context, tenant, sessionID string) (*RuntimeState, error) {
	identity := e.router.RouteFor(tenant, "flow:"+sessionID)
	result, err := e.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return loadState(ctx, store, tenant, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*RuntimeState), nil
}

// pendingCapabilities lists the node's capabilities not yet fulfilled.
func pendingCapabilities(node *CompiledNode, st *RuntimeState) []string {
	var pending []string
	for _, c := range node.Capabilities {
		if !st.capabilityDone(c) {
			pending = append(pending, c)
		}
	}
	return pending
}

func capabilityExpected(node *CompiledNode, capabilityID string) bool {
	for _, c := range node.Capabilities {
		if c == capabilityID {
			return true
		}
	}
	return false
}

// advance walks the graph from the current node to the next suspension
// point: a node with unfulfilled capabilities, a redirect, an error node
// or the end. Node execution failures follow error edges where present,
// otherwise the flow answers with an error result and stays put.
func (e *Engine) advance(ctx context.Context, plan *CompiledPlan, st *RuntimeState, input map[string]any) *Result {
	for range maxAdvanceSteps {
		node, ok := plan.Nodes[st.CurrentNode]
		if !ok {
			return errorResult(st.CurrentNode, "server_error", "state at unknown node")
		}

		switch node.Category {
		case CategoryControl:
			switch node.Type {
			case NodeEnd:
				return &Result{Type: ResultContinue, NodeKey: node.Key, Intent: node.Intent, Completed: true}
			case NodeError:
				code := node.ConfigString("error_code")
				if code == "" {
					code = "flow_error"
				}
				return &Result{
					Type:             ResultError,
					NodeKey:          node.Key,
					ErrorCode:        code,
					ErrorDescription: node.ConfigString("error_description"),
				}
			default:
				if node.NextOnSuccess == "" {
					return errorResult(node.Key, "server_error", "control node without successor")
				}
				st.visit(node.NextOnSuccess)
			}

		case CategoryDecision:
			target := ""
			evalCtx := st.evalContext()
			for _, tr := range node.Transitions {
				if tr.Eval(evalCtx) {
					target = tr.Target
					break
				}
			}
			if target == "" {
				target = node.NextOnSuccess
			}
			if target == "" {
				return errorResult(node.Key, "flow_error", "no transition matched")
			}
			st.visit(target)

		case CategorySelection, CategoryAction:
			if pending := pendingCapabilities(node, st); len(pending) > 0 {
				return &Result{
					Type:         ResultContinue,
					NodeKey:      node.Key,
					Intent:       node.Intent,
					Capabilities: pending,
				}
			}
			if result, advanced := e.executeNode(ctx, node, st, input); !advanced {
				return result
			}

		case CategoryCheck:
			if result, advanced := e.executeNode(ctx, node, st, input); !advanced {
				return result
			}

		case CategorySideEffect:
			switch node.Type {
			case NodeRedirect:
				return &Result{
					Type:        ResultRedirect,
					NodeKey:     node.Key,
					RedirectURL: node.ConfigString("url"),
				}
			case NodeWebhook:
				if result, advanced := e.executeWebhook(ctx, node, st); !advanced {
					return result
				}
			case NodeLog:
				logger.Infow("flow log node",
					"flow", st.FlowID, "session", st.SessionID, "node", node.Key,
					"message", node.ConfigString("message"))
				fallthrough
			default:
				if result, advanced := e.executeNode(ctx, node, st, input); !advanced {
					return result
				}
			}
		}
	}

	return errorResult(st.CurrentNode, "server_error", "flow exceeded step budget")
}

// executeNode runs the registered handler and follows the success or
// error edge. It reports advanced=false when the flow must stop here.
func (e *Engine) executeNode(ctx context.Context, node *CompiledNode, st *RuntimeState, input map[string]any) (*Result, bool) {
	var execErr error
	if h, ok := e.handler(node.Type); ok {
		execErr = h(ctx, st, node, input)
	} else if node.Category == CategoryCheck {
		execErr = fmt.Errorf("no handler for check node type %s", node.Type)
	}
	return e.followEdge(node, st, execErr)
}

func (e *Engine) executeWebhook(ctx context.Context, node *CompiledNode, st *RuntimeState) (*Result, bool) {
	var execErr error
	if e.webhook == nil {
		execErr = fmt.Errorf("no webhook caller configured")
	} else {
		execErr = e.webhook.Call(ctx, node.ConfigString("url"), map[string]any{
			"session_id": st.SessionID,
			"flow_id":    st.FlowID,
			"node":       node.Key,
			"data":       st.CollectedData,
		})
	}
	if execErr != nil {
		logger.Warnw("flow webhook failed",
			"flow", st.FlowID, "session", st.SessionID, "node", node.Key, "error", execErr)
	}
	return e.followEdge(node, st, execErr)
}

// followEdge advances along success or error edges after execution.
func (e *Engine) followEdge(node *CompiledNode, st *RuntimeState, execErr error) (*Result, bool) {
	if execErr != nil {
		if node.NextOnError != "" {
			st.visit(node.NextOnError)
			return nil, true
		}
		return errorResult(node.Key, "flow_error", execErr.Error()), false
	}

	// Conditional transitions take precedence over the plain success edge.
	if len(node.Transitions) > 0 {
		evalCtx := st.evalContext()
		for _, tr := range node.Transitions {
			if tr.Eval(evalCtx) {
				st.visit(tr.Target)
				return nil, true
			}
		}
	}
	if node.NextOnSuccess == "" {
		return errorResult(node.Key, "server_error", "node without successor"), false
	}
	st.visit(node.NextOnSuccess)
	return nil, true
}

// migrate upgrades loaded state to the registered plan version.
func (e *Engine) migrate(st *RuntimeState, plan *CompiledPlan) error {
	if st.Version >= plan.Version {
		return nil
	}
	e.mu.RLock()
	chain := e.migrations[plan.FlowID]
	e.mu.RUnlock()

	for st.Version < plan.Version {
		applied := false
		for _, m := range chain {
			if m.FromVersion != st.Version {
				continue
			}
			if err := m.Apply(st); err != nil {
				return fmt.Errorf("flow %s: migration %d->%d: %w", plan.FlowID, m.FromVersion, m.ToVersion, err)
			}
			st.Version = m.ToVersion
			applied = true
			break
		}
		if !applied {
			return fmt.Errorf("%w: flow %s version %d to %d", ErrNoMigrationPath, plan.FlowID, st.Version, plan.Version)
		}
	}
	logger.Debugw("flow state migrated", "flow", plan.FlowID, "session", st.SessionID, "version", st.Version)
	return nil
}

func (e *Engine) persist(ctx context.Context, st *RuntimeState) error {
	identity := e.router.RouteFor(st.Tenant, "flow:"+st.SessionID)
	_, err := e.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, saveState(ctx, store, st)
	})
	return err
}

func loadState(ctx context.Context, store actor.Backend, tenant, sessionID string) (*RuntimeState, error) {
	raw, err := store.Get(ctx, stateKey(tenant, sessionID))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return nil, actor.StorageErr(err)
	}
	st := &RuntimeState{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, actor.StorageErr(err)
	}
	return st, nil
}

func saveState(ctx context.Context, store actor.Backend, st *RuntimeState) error {
	encoded, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode flow state: %w", err)
	}
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return actor.StorageErr(store.Put(ctx, stateKey(st.Tenant, st.SessionID), encoded, ttl))
}

func errorResult(nodeKey, code, description string) *Result {
	return &Result{
		Type:             ResultError,
		NodeKey:          nodeKey,
		ErrorCode:        code,
		ErrorDescription: description,
	}
}
