package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/farmhand-dev/farmhand/internal/metrics"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

// startTestServer boots a coordinator over a fresh registry and returns the
// store alongside the base URL.
func startTestServer(t *testing.T) (*registry.Store, string) {
	t.Helper()

	store, err := registry.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv, err := NewServer(store, metrics.New())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { _ = srv.Stop() })

	return store, "http://" + srv.Addr()
}

// claimForAgent enqueues an item and claims it.
func claimForAgent(t *testing.T, store *registry.Store, agentID string, keys ...string) *registry.Claim {
	t.Helper()
	item := &registry.WorkItem{ResourceKeys: keys}
	if err := store.Enqueue(item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claim, err := store.TryClaim(agentID, keys, item.ID)
	if err != nil {
		t.Fatalf("TryClaim failed: %v", err)
	}
	return claim
}

func postJSON(t *testing.T, url string, req, resp any) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer r.Body.Close()
	if resp != nil && r.StatusCode == http.StatusOK {
		if err := json.NewDecoder(r.Body).Decode(resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return r
}

func TestHealthEndpoint(t *testing.T) {
	_, base := startTestServer(t)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHeartbeat_KnownAndReclaimedClaims(t *testing.T) {
	store, base := startTestServer(t)
	claim := claimForAgent(t, store, "agent-01", "pkg/auth")

	var hb HeartbeatResponse
	postJSON(t, base+"/heartbeat", HeartbeatRequest{ClaimID: claim.ID}, &hb)
	if !hb.OK {
		t.Errorf("expected heartbeat accepted, got %+v", hb)
	}

	// After release the agent must be told to stop.
	if err := store.Release(claim.ID, registry.OutcomeAborted, "", ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	postJSON(t, base+"/heartbeat", HeartbeatRequest{ClaimID: claim.ID}, &hb)
	if hb.OK || hb.Reason != "claim reclaimed" {
		t.Errorf("expected stop signal for reclaimed claim, got %+v", hb)
	}
}

func TestStatus_UpdatesPhase(t *testing.T) {
	store, base := startTestServer(t)
	claim := claimForAgent(t, store, "agent-01", "pkg/auth")

	var sr StatusResponse
	postJSON(t, base+"/status", StatusRequest{ClaimID: claim.ID, Status: registry.ClaimTesting}, &sr)
	if !sr.OK {
		t.Fatalf("expected status accepted, got %+v", sr)
	}

	got, err := store.ClaimByAgent("agent-01")
	if err != nil {
		t.Fatalf("ClaimByAgent failed: %v", err)
	}
	if got.Status != registry.ClaimTesting {
		t.Errorf("expected phase %q, got %q", registry.ClaimTesting, got.Status)
	}
}

func TestStatus_RejectsUnknownPhase(t *testing.T) {
	store, base := startTestServer(t)
	claim := claimForAgent(t, store, "agent-01", "pkg/auth")

	resp := postJSON(t, base+"/status", StatusRequest{ClaimID: claim.ID, Status: "daydreaming"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown phase, got %d", resp.StatusCode)
	}
}

func TestCheckKey(t *testing.T) {
	store, base := startTestServer(t)
	claimForAgent(t, store, "agent-01", "pkg/auth")

	var ck CheckKeyResponse
	postJSON(t, base+"/check_key", CheckKeyRequest{ResourceKey: "pkg/auth"}, &ck)
	if !ck.Claimed || ck.HeldBy != "agent-01" {
		t.Errorf("expected pkg/auth held by agent-01, got %+v", ck)
	}

	postJSON(t, base+"/check_key", CheckKeyRequest{ResourceKey: "pkg/free"}, &ck)
	if ck.Claimed {
		t.Errorf("expected pkg/free unclaimed, got %+v", ck)
	}
}

func TestClaimsEndpoint(t *testing.T) {
	store, base := startTestServer(t)
	claimForAgent(t, store, "agent-01", "pkg/auth")
	claimForAgent(t, store, "agent-02", "pkg/db")

	resp, err := http.Get(base + "/claims")
	if err != nil {
		t.Fatalf("GET /claims failed: %v", err)
	}
	defer resp.Body.Close()

	var cr ClaimsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(cr.Claims) != 2 {
		t.Errorf("expected 2 claims, got %+v", cr)
	}
}

func TestBadJSONRejected(t *testing.T) {
	_, base := startTestServer(t)

	r, err := http.Post(base+"/heartbeat", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", r.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, base := startTestServer(t)

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from metrics endpoint, got %d", resp.StatusCode)
	}
}
