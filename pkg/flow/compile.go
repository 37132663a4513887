// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
)

// CompiledNode is a graph node with its outgoing edges resolved.
type CompiledNode struct {
	Key          string
	Type         NodeType
	Category     Category
	Intent       string
	Capabilities []string
	Config       map[string]any

	NextOnSuccess string
	NextOnError   string
	Transitions   []CompiledTransition
}

// CompiledTransition is a conditional edge with its predicate compiled.
type CompiledTransition struct {
	Target string
	Eval   evaluator
}

// CompiledPlan is an executable flow: nodes keyed by their identifier plus
// the start key. Plans are immutable after compilation and safe to share.
type CompiledPlan struct {
	FlowID  string
	Tenant  string
	Version int

	Start string
	Nodes map[string]*CompiledNode
}

// Compile validates the definition and resolves it to a plan. Conditions
// compile to pure evaluators so submit-time evaluation cannot fail.
func Compile(g *GraphDefinition) (*CompiledPlan, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	plan := &CompiledPlan{
		FlowID:  g.ID,
		Tenant:  g.Tenant,
		Version: g.Version,
		Nodes:   make(map[string]*CompiledNode, len(g.Nodes)),
	}

	for _, n := range g.Nodes {
		category := nodeCategories[n.Type]
		plan.Nodes[n.Key] = &CompiledNode{
			Key:          n.Key,
			Type:         n.Type,
			Category:     category,
			Intent:       n.Intent,
			Capabilities: n.Capabilities,
			Config:       n.Config,
		}
		if n.Type == NodeStart {
			plan.Start = n.Key
		}
	}

	for _, e := range g.Edges {
		node := plan.Nodes[e.From]
		switch e.Type {
		case EdgeSuccess:
			if node.NextOnSuccess != "" {
				return nil, fmt.Errorf("flow %s: node %q has multiple success edges", g.ID, e.From)
			}
			node.NextOnSuccess = e.To
		case EdgeError:
			if node.NextOnError != "" {
				return nil, fmt.Errorf("flow %s: node %q has multiple error edges", g.ID, e.From)
			}
			node.NextOnError = e.To
		case EdgeConditional:
			eval, err := compileCondition(e.Condition)
			if err != nil {
				return nil, fmt.Errorf("flow %s: edge %s->%s: %w", g.ID, e.From, e.To, err)
			}
			node.Transitions = append(node.Transitions, CompiledTransition{Target: e.To, Eval: eval})
		}
	}

	for _, node := range plan.Nodes {
		if node.Category == CategoryDecision && len(node.Transitions) == 0 && node.NextOnSuccess == "" {
			return nil, fmt.Errorf("flow %s: decision node %q has no outgoing transitions", g.ID, node.Key)
		}
	}

	return plan, nil
}

// ConfigString reads a string entry from the node config.
func (n *CompiledNode) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}
