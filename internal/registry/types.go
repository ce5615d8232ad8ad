// Package registry provides SQLite-backed persistence for work items,
// claims, and the completed-work log. It is the single point of truth for
// which agent owns which resource keys; claim acquisition behaves as if
// processed one request at a time.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Work item status values.
const (
	ItemPending   = "pending"
	ItemClaimed   = "claimed"
	ItemCompleted = "completed"
	ItemDead      = "dead"
)

// Claim status values reported by agents over their lifetime.
const (
	ClaimPlanning     = "planning"
	ClaimImplementing = "implementing"
	ClaimTesting      = "testing"
	ClaimCompleted    = "completed"
)

// Release outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeAborted = "aborted"
)

// WorkItem is one unit of claimable work. The payload is an opaque blob the
// coordinator never parses; it is handed to the agent command as-is.
type WorkItem struct {
	ID           string
	ResourceKeys []string
	Priority     int
	Payload      []byte
	Status       string
	Requeues     int
	NotBefore    time.Time
	EnqueuedAt   time.Time
}

// Claim is an agent's exclusive ownership of a resource-key set.
type Claim struct {
	ID              string
	AgentID         string
	WorkItemID      string
	ResourceKeys    []string
	Status          string
	CreatedAt       time.Time
	LastHeartbeatAt time.Time
}

// CompletedEntry is one append-only record of successfully finished work.
type CompletedEntry struct {
	AgentID      string
	WorkItemID   string
	ResourceKeys []string
	Summary      string
	CommitRef    string
	FinishedAt   time.Time
}

// ErrUnknownClaim is returned when a heartbeat or status update references a
// claim that has been released or reclaimed.
var ErrUnknownClaim = errors.New("unknown claim")

// ErrUnknownItem is returned when an operation references a work item that
// does not exist.
var ErrUnknownItem = errors.New("unknown work item")

// ConflictError reports a claim attempt that overlaps an active claim.
type ConflictError struct {
	Holder          string   // agent currently holding the overlapping keys
	OverlappingKeys []string // exact keys in contention
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource keys %s held by agent %s",
		strings.Join(e.OverlappingKeys, ","), e.Holder)
}
