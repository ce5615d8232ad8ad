// Package coordinator provides a lightweight HTTP server that agents call
// back on: claim heartbeats, lifecycle status reports, and resource-key
// checks. It is the structured health channel that replaces scraping the
// agents' terminal output. All state lives in the durable registry; the
// server itself is stateless apart from the listener.
package coordinator

// HeartbeatRequest is sent periodically by agents to keep their claim alive.
type HeartbeatRequest struct {
	ClaimID string `json:"claim_id"`
}

// HeartbeatResponse acknowledges a heartbeat. OK is false when the claim has
// been reclaimed, telling the agent to stop working.
type HeartbeatResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// StatusRequest reports an agent's self-declared lifecycle phase
// (planning, implementing, testing, completed). Counts as a heartbeat.
type StatusRequest struct {
	ClaimID string `json:"claim_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// StatusResponse acknowledges a status report.
type StatusResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// CheckKeyRequest asks whether a resource key is currently claimed.
type CheckKeyRequest struct {
	ResourceKey string `json:"resource_key"`
}

// CheckKeyResponse returns the claim status for a resource key.
type CheckKeyResponse struct {
	Claimed bool   `json:"claimed"`
	HeldBy  string `json:"held_by,omitempty"`
}

// ClaimInfo is one active claim in a ClaimsResponse.
type ClaimInfo struct {
	ClaimID      string   `json:"claim_id"`
	AgentID      string   `json:"agent_id"`
	WorkItemID   string   `json:"work_item_id"`
	ResourceKeys []string `json:"resource_keys"`
	Status       string   `json:"status"`
}

// ClaimsResponse lists all active claims for agent self-diagnosis.
type ClaimsResponse struct {
	Claims []ClaimInfo `json:"claims"`
}
