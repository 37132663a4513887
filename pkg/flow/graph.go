// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package flow drives multi-step interactive flows (login, registration,
// consent) as a directed graph with durable per-session state and
// idempotent step submission. A GraphDefinition is the authored form; it
// compiles to a CompiledPlan whose conditions are pure evaluators, and
// runtime state lives in the actor store keyed by session.
package flow

import (
	"fmt"
)

// NodeType identifies a node's behavior.
type NodeType string

// Node types, grouped by category.
const (
	// Control.
	NodeStart NodeType = "start"
	NodeEnd   NodeType = "end"
	NodeGoto  NodeType = "goto"
	NodeError NodeType = "error"

	// Checks evaluate a predicate against the session or environment.
	NodeCheckSession   NodeType = "check_session"
	NodeCheckAuthLevel NodeType = "check_auth_level"
	NodeCheckRisk      NodeType = "check_risk"

	// Selections suspend for user input.
	NodeAuthMethodSelect NodeType = "auth_method_select"
	NodeIdentifier       NodeType = "identifier"
	NodeCustomForm       NodeType = "custom_form"

	// Actions perform an authentication step.
	NodeLogin          NodeType = "login"
	NodeMFA            NodeType = "mfa"
	NodeRegister       NodeType = "register"
	NodeConsent        NodeType = "consent"
	NodeIssueTokens    NodeType = "issue_tokens"
	NodeRefreshSession NodeType = "refresh_session"
	NodeRevokeSession  NodeType = "revoke_session"
	NodeBindDevice     NodeType = "bind_device"
	NodeLinkAccount    NodeType = "link_account"

	// Side effects.
	NodeRedirect   NodeType = "redirect"
	NodeWebhook    NodeType = "webhook"
	NodeEventEmit  NodeType = "event_emit"
	NodeEmailSend  NodeType = "email_send"
	NodeSMSSend    NodeType = "sms_send"
	NodePushNotify NodeType = "push_notify"
	NodeLog        NodeType = "log"

	// Decisions route on transitions only.
	NodeDecision    NodeType = "decision"
	NodeSwitch      NodeType = "switch"
	NodePolicyCheck NodeType = "policy_check"
)

// Category groups node types by execution semantics.
type Category int

// Node categories.
const (
	CategoryControl Category = iota
	CategoryCheck
	CategorySelection
	CategoryAction
	CategorySideEffect
	CategoryDecision
)

var nodeCategories = map[NodeType]Category{
	NodeStart: CategoryControl,
	NodeEnd:   CategoryControl,
	NodeGoto:  CategoryControl,
	NodeError: CategoryControl,

	NodeCheckSession:   CategoryCheck,
	NodeCheckAuthLevel: CategoryCheck,
	NodeCheckRisk:      CategoryCheck,

	NodeAuthMethodSelect: CategorySelection,
	NodeIdentifier:       CategorySelection,
	NodeCustomForm:       CategorySelection,

	NodeLogin:          CategoryAction,
	NodeMFA:            CategoryAction,
	NodeRegister:       CategoryAction,
	NodeConsent:        CategoryAction,
	NodeIssueTokens:    CategoryAction,
	NodeRefreshSession: CategoryAction,
	NodeRevokeSession:  CategoryAction,
	NodeBindDevice:     CategoryAction,
	NodeLinkAccount:    CategoryAction,

	NodeRedirect:   CategorySideEffect,
	NodeWebhook:    CategorySideEffect,
	NodeEventEmit:  CategorySideEffect,
	NodeEmailSend:  CategorySideEffect,
	NodeSMSSend:    CategorySideEffect,
	NodePushNotify: CategorySideEffect,
	NodeLog:        CategorySideEffect,

	NodeDecision:    CategoryDecision,
	NodeSwitch:      CategoryDecision,
	NodePolicyCheck: CategoryDecision,
}

// CategoryOf returns the category for a node type.
func CategoryOf(t NodeType) (Category, bool) {
	c, ok := nodeCategories[t]
	return c, ok
}

// EdgeType classifies a transition.
type EdgeType string

// Edge types.
const (
	EdgeSuccess     EdgeType = "success"
	EdgeError       EdgeType = "error"
	EdgeConditional EdgeType = "conditional"
)

// Node is an authored graph node.
type Node struct {
	Key    string   `json:"key"`
	Type   NodeType `json:"type"`
	Intent string   `json:"intent,omitempty"`

	// Capabilities the UI must fulfill before this node completes.
	Capabilities []string `json:"capabilities,omitempty"`

	Config map[string]any `json:"config,omitempty"`
}

// Edge is an authored transition between two nodes.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`

	// Condition is required for conditional edges. Conditional edges are
	// evaluated in authored order; the first match wins.
	Condition *Condition `json:"condition,omitempty"`
}

// GraphDefinition is the authored flow.
type GraphDefinition struct {
	ID      string `json:"id"`
	Tenant  string `json:"tenant,omitempty"`
	Version int    `json:"version"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Validate checks structural integrity before compilation.
func (g *GraphDefinition) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	if g.Version < 1 {
		return fmt.Errorf("flow %s: version must be >= 1", g.ID)
	}

	keys := make(map[string]NodeType, len(g.Nodes))
	starts := 0
	for _, n := range g.Nodes {
		if n.Key == "" {
			return fmt.Errorf("flow %s: node with empty key", g.ID)
		}
		if _, dup := keys[n.Key]; dup {
			return fmt.Errorf("flow %s: duplicate node key %q", g.ID, n.Key)
		}
		if _, ok := nodeCategories[n.Type]; !ok {
			return fmt.Errorf("flow %s: node %q has unknown type %q", g.ID, n.Key, n.Type)
		}
		keys[n.Key] = n.Type
		if n.Type == NodeStart {
			starts++
		}
	}
	if starts != 1 {
		return fmt.Errorf("flow %s: exactly one start node required, found %d", g.ID, starts)
	}

	for _, e := range g.Edges {
		if _, ok := keys[e.From]; !ok {
			return fmt.Errorf("flow %s: edge from unknown node %q", g.ID, e.From)
		}
		if _, ok := keys[e.To]; !ok {
			return fmt.Errorf("flow %s: edge to unknown node %q", g.ID, e.To)
		}
		switch e.Type {
		case EdgeSuccess, EdgeError:
		case EdgeConditional:
			if e.Condition == nil {
				return fmt.Errorf("flow %s: conditional edge %s->%s has no condition", g.ID, e.From, e.To)
			}
		default:
			return fmt.Errorf("flow %s: edge %s->%s has unknown type %q", g.ID, e.From, e.To, e.Type)
		}
	}
	return nil
}

// Migration upgrades persisted runtime state from one graph version to the
// next. Migrations apply in order until the state reaches the plan version.
type Migration struct {
	FromVersion int
	ToVersion   int
	Apply       func(*RuntimeState) error
}
