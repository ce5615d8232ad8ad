package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed persistence for the work registry.
// All mutations are committed before they become visible to other callers,
// so the registry survives restarts of the orchestrator itself.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates tables if they
// don't exist. Transactions are opened with an immediate write lock so that
// claim acquisition is serialized through a single point of truth.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		resource_keys TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		status TEXT NOT NULL,
		requeues INTEGER NOT NULL DEFAULT 0,
		not_before DATETIME,
		enqueued_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL UNIQUE,
		work_item_id TEXT NOT NULL,
		resource_keys TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (work_item_id) REFERENCES work_items(id)
	);

	CREATE TABLE IF NOT EXISTS completed (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		work_item_id TEXT NOT NULL UNIQUE,
		resource_keys TEXT NOT NULL,
		summary TEXT,
		commit_ref TEXT,
		finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// TryClaim atomically checks the proposed resource keys against every active
// claim and inserts a new claim if they are all free. The check and insert
// happen in one transaction, so a partially-acquired claim is never visible
// to other callers. Returns *ConflictError if any key is already owned.
func (s *Store) TryClaim(agentID string, keys []string, itemID string) (*Claim, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var itemStatus string
	err = tx.QueryRow(`SELECT status FROM work_items WHERE id = ?`, itemID).Scan(&itemStatus)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownItem
	}
	if err != nil {
		return nil, fmt.Errorf("look up work item: %w", err)
	}
	if itemStatus != ItemPending {
		return nil, fmt.Errorf("work item %s is %s, not pending", itemID, itemStatus)
	}

	// All-or-nothing: the first intersecting claim denies the whole request.
	active, err := scanClaims(tx.Query(
		`SELECT id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at FROM claims`))
	if err != nil {
		return nil, fmt.Errorf("scan active claims: %w", err)
	}
	for _, c := range active {
		if overlap := intersect(keys, c.ResourceKeys); len(overlap) > 0 {
			return nil, &ConflictError{Holder: c.AgentID, OverlappingKeys: overlap}
		}
	}

	now := time.Now().UTC()
	claim := &Claim{
		ID:              uuid.New().String(),
		AgentID:         agentID,
		WorkItemID:      itemID,
		ResourceKeys:    keys,
		Status:          ClaimPlanning,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}

	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshal resource keys: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO claims (id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, agentID, itemID, string(keysJSON), claim.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}

	_, err = tx.Exec(`UPDATE work_items SET status = ? WHERE id = ?`, ItemClaimed, itemID)
	if err != nil {
		return nil, fmt.Errorf("mark work item claimed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claim, nil
}

// Heartbeat updates the claim's last_heartbeat_at timestamp.
// Returns ErrUnknownClaim if the claim was released or reclaimed.
func (s *Store) Heartbeat(claimID string) error {
	res, err := s.db.Exec(
		`UPDATE claims SET last_heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC(), claimID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnknownClaim
	}
	return nil
}

// UpdateClaimStatus records the agent's self-reported lifecycle phase.
// Returns ErrUnknownClaim if the claim no longer exists. The update also
// counts as a heartbeat.
func (s *Store) UpdateClaimStatus(claimID, status string) error {
	res, err := s.db.Exec(
		`UPDATE claims SET status = ?, last_heartbeat_at = ? WHERE id = ?`,
		status, time.Now().UTC(), claimID,
	)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnknownClaim
	}
	return nil
}

// Release removes the claim. On OutcomeSuccess the work item is marked
// completed and a CompletedEntry is appended; on OutcomeAborted the claim is
// simply removed and the work item's fate is left to the caller (requeue or
// dead-letter). Calling Release twice for the same claim is a no-op the
// second time: the completed table's UNIQUE work_item_id constraint and the
// missing claim row make duplicates impossible.
func (s *Store) Release(claimID, outcome, summary, commitRef string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin release transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claims, err := scanClaims(tx.Query(
		`SELECT id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at
		 FROM claims WHERE id = ?`, claimID))
	if err != nil {
		return fmt.Errorf("look up claim: %w", err)
	}
	if len(claims) == 0 {
		return nil // already released
	}
	claim := claims[0]

	if outcome == OutcomeSuccess {
		keysJSON, marshalErr := json.Marshal(claim.ResourceKeys)
		if marshalErr != nil {
			return fmt.Errorf("marshal resource keys: %w", marshalErr)
		}
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO completed (agent_id, work_item_id, resource_keys, summary, commit_ref, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			claim.AgentID, claim.WorkItemID, string(keysJSON), summary, commitRef, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("append completed entry: %w", err)
		}
		_, err = tx.Exec(`UPDATE work_items SET status = ? WHERE id = ?`, ItemCompleted, claim.WorkItemID)
		if err != nil {
			return fmt.Errorf("mark work item completed: %w", err)
		}
	}

	_, err = tx.Exec(`DELETE FROM claims WHERE id = ?`, claimID)
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

// ReclaimStale force-removes every claim whose heartbeat is older than ttl
// and requeues its work item, incrementing the requeue counter. An item whose
// counter reaches maxRequeues is dead-lettered instead of requeued, so work
// whose agent always dies without heartbeating cannot cycle forever;
// maxRequeues <= 0 disables the bound. Returns the reclaimed claims for
// logging. A hung session with no heartbeat must not permanently block its
// resources, so this runs regardless of whether the session process is still
// alive.
func (s *Store) ReclaimStale(ttl time.Duration, maxRequeues int) ([]Claim, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin reclaim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().UTC().Add(-ttl)
	stale, err := scanClaims(tx.Query(
		`SELECT id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at
		 FROM claims WHERE last_heartbeat_at < ?`, cutoff))
	if err != nil {
		return nil, fmt.Errorf("scan stale claims: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	for _, c := range stale {
		if _, err := tx.Exec(`DELETE FROM claims WHERE id = ?`, c.ID); err != nil {
			return nil, fmt.Errorf("delete stale claim %s: %w", c.ID, err)
		}
		// Requeue the work item exactly once per reclamation.
		_, err = tx.Exec(
			`UPDATE work_items SET status = ?, requeues = requeues + 1, not_before = NULL
			 WHERE id = ? AND status = ?`,
			ItemPending, c.WorkItemID, ItemClaimed,
		)
		if err != nil {
			return nil, fmt.Errorf("requeue work item %s: %w", c.WorkItemID, err)
		}
		if maxRequeues > 0 {
			_, err = tx.Exec(
				`UPDATE work_items SET status = ? WHERE id = ? AND status = ? AND requeues >= ?`,
				ItemDead, c.WorkItemID, ItemPending, maxRequeues,
			)
			if err != nil {
				return nil, fmt.Errorf("dead-letter work item %s: %w", c.WorkItemID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return stale, nil
}

// ActiveClaims returns a snapshot of all active claims.
func (s *Store) ActiveClaims() ([]Claim, error) {
	return scanClaims(s.db.Query(
		`SELECT id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at
		 FROM claims ORDER BY created_at ASC`))
}

// ClaimByAgent returns the active claim held by the given agent, or nil.
func (s *Store) ClaimByAgent(agentID string) (*Claim, error) {
	claims, err := scanClaims(s.db.Query(
		`SELECT id, agent_id, work_item_id, resource_keys, status, created_at, last_heartbeat_at
		 FROM claims WHERE agent_id = ?`, agentID))
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	return &claims[0], nil
}

// HolderOf returns the agent holding the given resource key, or "" if free.
func (s *Store) HolderOf(key string) (string, error) {
	claims, err := s.ActiveClaims()
	if err != nil {
		return "", err
	}
	for _, c := range claims {
		for _, k := range c.ResourceKeys {
			if k == key {
				return c.AgentID, nil
			}
		}
	}
	return "", nil
}

// CompletedEntries returns the completed-work log, oldest first.
func (s *Store) CompletedEntries() ([]CompletedEntry, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, work_item_id, resource_keys, COALESCE(summary, ''), COALESCE(commit_ref, ''), finished_at
		 FROM completed ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query completed entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CompletedEntry
	for rows.Next() {
		var e CompletedEntry
		var keysJSON string
		if err := rows.Scan(&e.AgentID, &e.WorkItemID, &keysJSON, &e.Summary, &e.CommitRef, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan completed entry: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &e.ResourceKeys); err != nil {
			return nil, fmt.Errorf("parse resource keys: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// scanClaims consumes a claims query result into a slice.
func scanClaims(rows *sql.Rows, queryErr error) ([]Claim, error) {
	if queryErr != nil {
		return nil, queryErr
	}
	defer func() { _ = rows.Close() }()

	var claims []Claim
	for rows.Next() {
		var c Claim
		var keysJSON string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.WorkItemID, &keysJSON, &c.Status, &c.CreatedAt, &c.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &c.ResourceKeys); err != nil {
			return nil, fmt.Errorf("parse resource keys: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return claims, nil
}

// intersect returns the keys present in both sets, preserving a's order.
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
