package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/farmhand-dev/farmhand/internal/metrics"
	"github.com/farmhand-dev/farmhand/internal/registry"
)

// Server is the coordinator HTTP server agents use for heartbeats, status
// reports, and resource-key checks.
type Server struct {
	store    *registry.Store
	listener net.Listener
	server   *http.Server
}

// NewServer creates a coordinator server bound to a random port on
// localhost, backed by the given registry. If m is non-nil its collectors
// are served at /metrics.
func NewServer(store *registry.Store, m *metrics.Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("coordinator: binding listener: %w", err)
	}

	s := &Server{
		store:    store,
		listener: ln,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/check_key", s.handleCheckKey)
	mux.HandleFunc("/claims", s.handleClaims)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	s.server = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the address the server is listening on (e.g. "127.0.0.1:12345").
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving HTTP requests. Call in a goroutine.
func (s *Server) Start() error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	return s.server.Close()
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !readJSON(w, r, &req) {
		return
	}

	err := s.store.Heartbeat(req.ClaimID)
	if errors.Is(err, registry.ErrUnknownClaim) {
		// The claim was reclaimed; the agent should stop.
		writeJSON(w, HeartbeatResponse{OK: false, Reason: "claim reclaimed"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, HeartbeatResponse{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !readJSON(w, r, &req) {
		return
	}

	switch req.Status {
	case registry.ClaimPlanning, registry.ClaimImplementing, registry.ClaimTesting, registry.ClaimCompleted:
	default:
		http.Error(w, fmt.Sprintf("unknown status %q", req.Status), http.StatusBadRequest)
		return
	}

	err := s.store.UpdateClaimStatus(req.ClaimID, req.Status)
	if errors.Is(err, registry.ErrUnknownClaim) {
		writeJSON(w, StatusResponse{OK: false, Reason: "claim reclaimed"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, StatusResponse{OK: true})
}

func (s *Server) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	var req CheckKeyRequest
	if !readJSON(w, r, &req) {
		return
	}

	holder, err := s.store.HolderOf(req.ResourceKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if holder != "" {
		writeJSON(w, CheckKeyResponse{Claimed: true, HeldBy: holder})
		return
	}
	writeJSON(w, CheckKeyResponse{Claimed: false})
}

func (s *Server) handleClaims(w http.ResponseWriter, _ *http.Request) {
	claims, err := s.store.ActiveClaims()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := ClaimsResponse{Claims: make([]ClaimInfo, 0, len(claims))}
	for _, c := range claims {
		resp.Claims = append(resp.Claims, ClaimInfo{
			ClaimID:      c.ID,
			AgentID:      c.AgentID,
			WorkItemID:   c.WorkItemID,
			ResourceKeys: c.ResourceKeys,
			Status:       c.Status,
		})
	}
	writeJSON(w, resp)
}

// --- Helpers ---

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
	}
}
