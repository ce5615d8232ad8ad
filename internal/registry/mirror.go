// mirror.go exports the coordination state as plain documents that agents
// can read for self-diagnosis without opening the database:
// active_work_registry.json, planned_work_queue.json, completed_work_log.jsonl
// and one lock file per agent. The database remains the point of truth; the
// documents are derived views.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	registryDoc  = "active_work_registry.json"
	queueDoc     = "planned_work_queue.json"
	completedDoc = "completed_work_log.jsonl"
	locksDir     = "agent_locks"
)

// claimDoc is the JSON shape of one claim in active_work_registry.json.
type claimDoc struct {
	ClaimID         string    `json:"claim_id"`
	WorkItemID      string    `json:"work_item_id"`
	ResourceKeys    []string  `json:"resource_keys"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// itemDoc is the JSON shape of one entry in planned_work_queue.json.
type itemDoc struct {
	ID           string    `json:"id"`
	ResourceKeys []string  `json:"resource_keys"`
	Priority     int       `json:"priority"`
	Requeues     int       `json:"requeues"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// completedDocEntry is the JSONL shape of one completed-work record.
type completedDocEntry struct {
	AgentID      string    `json:"agent_id"`
	WorkItemID   string    `json:"work_item_id"`
	ResourceKeys []string  `json:"resource_keys"`
	Summary      string    `json:"summary,omitempty"`
	CommitRef    string    `json:"commit_ref,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Mirror writes the coordination documents under dir.
type Mirror struct {
	dir string
}

// NewMirror creates the coordination directory (and its agent_locks/
// subdirectory) if needed.
func NewMirror(dir string) (*Mirror, error) {
	if err := os.MkdirAll(filepath.Join(dir, locksDir), 0755); err != nil {
		return nil, fmt.Errorf("create coordination directory: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

// Export rewrites the registry and queue documents from the current store
// snapshot. Each document is written to a temp file and renamed into place
// so readers never observe a partial write.
func (m *Mirror) Export(s *Store) error {
	claims, err := s.ActiveClaims()
	if err != nil {
		return fmt.Errorf("snapshot claims: %w", err)
	}
	reg := make(map[string]claimDoc, len(claims))
	for _, c := range claims {
		reg[c.AgentID] = claimDoc{
			ClaimID:         c.ID,
			WorkItemID:      c.WorkItemID,
			ResourceKeys:    c.ResourceKeys,
			Status:          c.Status,
			CreatedAt:       c.CreatedAt,
			LastHeartbeatAt: c.LastHeartbeatAt,
		}
	}
	if err := m.writeAtomic(registryDoc, reg); err != nil {
		return err
	}

	pending, err := s.PendingItems()
	if err != nil {
		return fmt.Errorf("snapshot queue: %w", err)
	}
	queue := make([]itemDoc, 0, len(pending))
	for _, it := range pending {
		queue = append(queue, itemDoc{
			ID:           it.ID,
			ResourceKeys: it.ResourceKeys,
			Priority:     it.Priority,
			Requeues:     it.Requeues,
			EnqueuedAt:   it.EnqueuedAt,
		})
	}
	return m.writeAtomic(queueDoc, queue)
}

// AppendCompleted appends one record to completed_work_log.jsonl.
func (m *Mirror) AppendCompleted(e CompletedEntry) error {
	data, err := json.Marshal(completedDocEntry{
		AgentID:      e.AgentID,
		WorkItemID:   e.WorkItemID,
		ResourceKeys: e.ResourceKeys,
		Summary:      e.Summary,
		CommitRef:    e.CommitRef,
		FinishedAt:   e.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal completed entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(m.dir, completedDoc), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open completed log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append completed entry: %w", err)
	}
	return nil
}

// WriteLockFile creates the per-agent lock file mirroring the claim. The
// name embeds the agent ID and a creation timestamp so agents can use a bare
// existence check instead of parsing the full registry document.
func (m *Mirror) WriteLockFile(c *Claim) (string, error) {
	name := fmt.Sprintf("%s_%d.lock", c.AgentID, c.CreatedAt.Unix())
	path := filepath.Join(m.dir, locksDir, name)

	data, err := json.MarshalIndent(claimDoc{
		ClaimID:         c.ID,
		WorkItemID:      c.WorkItemID,
		ResourceKeys:    c.ResourceKeys,
		Status:          c.Status,
		CreatedAt:       c.CreatedAt,
		LastHeartbeatAt: c.LastHeartbeatAt,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal lock file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write lock file: %w", err)
	}
	return path, nil
}

// RemoveLockFiles deletes every lock file belonging to the agent.
func (m *Mirror) RemoveLockFiles(agentID string) error {
	entries, err := os.ReadDir(filepath.Join(m.dir, locksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), agentID+"_") && strings.HasSuffix(entry.Name(), ".lock") {
			path := filepath.Join(m.dir, locksDir, entry.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove lock file %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// writeAtomic marshals v and renames it into place under m.dir.
func (m *Mirror) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(m.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(m.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s into place: %w", name, err)
	}
	return nil
}
