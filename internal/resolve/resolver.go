// Package resolve implements the pure claim-conflict decision function.
// It never touches the store: callers hand it a registry snapshot and a
// proposed resource-key set, and the orchestrator acts on the decision.
package resolve

import (
	"time"

	"github.com/farmhand-dev/farmhand/internal/registry"
)

// Decision kinds.
const (
	Allow = "allow"
	Deny  = "deny"
	Defer = "defer"
)

// Decision is the outcome of checking a proposed claim against the active
// registry snapshot. Acquisition is all-or-nothing: an agent gets its entire
// requested key set or none of it, which rules out deadlock by partial
// ownership.
type Decision struct {
	Kind    string
	Holder  string   // blocking agent, set for Deny
	Overlap []string // exact overlapping keys, set for Deny and Defer
}

// Resolve checks the proposed keys against every active claim.
//
// Allow: the set is disjoint from all active claims.
// Deny: exactly one active claim intersects; the decision names the holder
// and the overlapping keys so the denial can be logged precisely.
// Defer: more than one claim intersects. There is no single blocker to wait
// on, so the item goes straight back to the queue.
//
// First claim wins: Resolve never evicts an existing claim.
func Resolve(keys []string, active []registry.Claim) Decision {
	var blockers []registry.Claim
	var overlap []string

	for _, c := range active {
		if hit := intersect(keys, c.ResourceKeys); len(hit) > 0 {
			blockers = append(blockers, c)
			overlap = append(overlap, hit...)
		}
	}

	switch len(blockers) {
	case 0:
		return Decision{Kind: Allow}
	case 1:
		return Decision{Kind: Deny, Holder: blockers[0].AgentID, Overlap: overlap}
	default:
		return Decision{Kind: Defer, Overlap: overlap}
	}
}

// backoffBase is the delay applied to the first denied attempt.
const backoffBase = 15 * time.Second

// backoffCap bounds the exponential growth.
const backoffCap = 10 * time.Minute

// Backoff returns the requeue delay for a work item that has been denied
// `denials` times: capped exponential starting at backoffBase.
func Backoff(denials int) time.Duration {
	if denials < 1 {
		denials = 1
	}
	d := backoffBase
	for i := 1; i < denials; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, k := range b {
		set[k] = true
	}
	var out []string
	for _, k := range a {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}
