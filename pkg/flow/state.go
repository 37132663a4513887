// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"time"
)

// maxProcessedRequests bounds the idempotency window per session. The
// oldest snapshot is evicted when the window is full.
const maxProcessedRequests = 100

// processedRequest snapshots the result returned for a request id.
type processedRequest struct {
	RequestID string  `json:"request_id"`
	Result    *Result `json:"result"`
}

// RuntimeState is the durable per-session flow state. It lives in the
// actor store keyed by session id, so all submissions for one session are
// totally ordered.
type RuntimeState struct {
	SessionID string `json:"session_id"`
	FlowID    string `json:"flow_id"`
	Tenant    string `json:"tenant"`
	ClientID  string `json:"client_id,omitempty"`

	// Version is the graph version this state was created or migrated to.
	Version int `json:"version"`

	CurrentNode  string   `json:"current_node"`
	VisitedNodes []string `json:"visited_nodes,omitempty"`

	CollectedData         map[string]any `json:"collected_data,omitempty"`
	CompletedCapabilities []string       `json:"completed_capabilities,omitempty"`

	UserID      string            `json:"user_id,omitempty"`
	Claims      map[string]any    `json:"claims,omitempty"`
	OAuthParams map[string]string `json:"oauth_params,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	ProcessedRequests []processedRequest `json:"processed_requests,omitempty"`
}

// Expired reports whether the flow window has passed.
func (st *RuntimeState) Expired(now time.Time) bool {
	return now.After(st.ExpiresAt)
}

// replay returns the stored result for a request id, if any.
func (st *RuntimeState) replay(requestID string) (*Result, bool) {
	for i := range st.ProcessedRequests {
		if st.ProcessedRequests[i].RequestID == requestID {
			return st.ProcessedRequests[i].Result, true
		}
	}
	return nil, false
}

// snapshot records the result under the request id, evicting the oldest
// entry beyond the window.
func (st *RuntimeState) snapshot(requestID string, result *Result) {
	st.ProcessedRequests = append(st.ProcessedRequests, processedRequest{
		RequestID: requestID,
		Result:    result,
	})
	if len(st.ProcessedRequests) > maxProcessedRequests {
		st.ProcessedRequests = st.ProcessedRequests[len(st.ProcessedRequests)-maxProcessedRequests:]
	}
}

// visit appends the node to the visited trail and makes it current.
func (st *RuntimeState) visit(key string) {
	st.CurrentNode = key
	st.VisitedNodes = append(st.VisitedNodes, key)
}

// capabilityDone reports whether the capability was already fulfilled.
func (st *RuntimeState) capabilityDone(capabilityID string) bool {
	for _, c := range st.CompletedCapabilities {
		if c == capabilityID {
			return true
		}
	}
	return false
}

// completeCapability marks the capability fulfilled.
func (st *RuntimeState) completeCapability(capabilityID string) {
	if !st.capabilityDone(capabilityID) {
		st.CompletedCapabilities = append(st.CompletedCapabilities, capabilityID)
	}
}

// evalContext is the view conditions and handlers evaluate against.
func (st *RuntimeState) evalContext() map[string]any {
	return map[string]any{
		"sessionId":    st.SessionID,
		"flowId":       st.FlowID,
		"tenant":       st.Tenant,
		"clientId":     st.ClientID,
		"userId":       st.UserID,
		"node":         st.CurrentNode,
		"data":         st.CollectedData,
		"claims":       st.Claims,
		"oauth":        st.OAuthParams,
		"capabilities": st.CompletedCapabilities,
	}
}
