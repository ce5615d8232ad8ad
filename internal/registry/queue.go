// queue.go implements the planned-work queue and dead-letter list on top of
// the work_items table.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueue adds a new work item to the queue. If item.ID is empty a UUID is
// assigned. The item is immutable until claimed.
func (s *Store) Enqueue(item *WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = ItemPending
	}
	item.EnqueuedAt = time.Now().UTC()

	keysJSON, err := json.Marshal(item.ResourceKeys)
	if err != nil {
		return fmt.Errorf("marshal resource keys: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO work_items (id, resource_keys, priority, payload, status, requeues, not_before, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(keysJSON), item.Priority, item.Payload, item.Status,
		item.Requeues, nullableTime(item.NotBefore), item.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

// NextPending returns the highest-priority pending work item whose backoff
// delay has elapsed, or nil if the queue is empty. Ties break FIFO on
// enqueue time.
func (s *Store) NextPending() (*WorkItem, error) {
	items, err := s.scanItems(
		`SELECT id, resource_keys, priority, payload, status, requeues, not_before, enqueued_at
		 FROM work_items
		 WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY priority DESC, enqueued_at ASC
		 LIMIT 1`,
		ItemPending, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// Requeue returns a claimed item to the queue with a not-before delay,
// incrementing its requeue counter. The counter feeds the dead-letter bound,
// so Requeue is for failures (reclaimed claims, aborted launches); use
// Postpone for scheduling delays.
func (s *Store) Requeue(itemID string, delay time.Duration) error {
	return s.reschedule(itemID, delay, true)
}

// Postpone returns an item to the queue with a not-before delay without
// touching the requeue counter. A denied or deferred claim is waiting out a
// holder, not failing, so it never walks toward the dead-letter list.
func (s *Store) Postpone(itemID string, delay time.Duration) error {
	return s.reschedule(itemID, delay, false)
}

func (s *Store) reschedule(itemID string, delay time.Duration, countIt bool) error {
	bump := 0
	if countIt {
		bump = 1
	}
	res, err := s.db.Exec(
		`UPDATE work_items SET status = ?, requeues = requeues + ?, not_before = ? WHERE id = ?`,
		ItemPending, bump, time.Now().UTC().Add(delay), itemID,
	)
	if err != nil {
		return fmt.Errorf("requeue work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnknownItem
	}
	return nil
}

// DeadLetter moves a work item to the dead-letter list. Dead items are never
// scheduled again; they stay visible for operator inspection.
func (s *Store) DeadLetter(itemID string) error {
	res, err := s.db.Exec(`UPDATE work_items SET status = ? WHERE id = ?`, ItemDead, itemID)
	if err != nil {
		return fmt.Errorf("dead-letter work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUnknownItem
	}
	return nil
}

// Item returns a single work item by ID.
func (s *Store) Item(itemID string) (*WorkItem, error) {
	items, err := s.scanItems(
		`SELECT id, resource_keys, priority, payload, status, requeues, not_before, enqueued_at
		 FROM work_items WHERE id = ?`, itemID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrUnknownItem
	}
	return &items[0], nil
}

// PendingItems returns all queued items in scheduling order.
func (s *Store) PendingItems() ([]WorkItem, error) {
	return s.scanItems(
		`SELECT id, resource_keys, priority, payload, status, requeues, not_before, enqueued_at
		 FROM work_items WHERE status = ?
		 ORDER BY priority DESC, enqueued_at ASC`, ItemPending)
}

// DeadItems returns the dead-letter list.
func (s *Store) DeadItems() ([]WorkItem, error) {
	return s.scanItems(
		`SELECT id, resource_keys, priority, payload, status, requeues, not_before, enqueued_at
		 FROM work_items WHERE status = ?
		 ORDER BY enqueued_at ASC`, ItemDead)
}

// QueueDepth returns the number of pending work items, including those still
// in their backoff window.
func (s *Store) QueueDepth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM work_items WHERE status = ?`, ItemPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return n, nil
}

func (s *Store) scanItems(query string, args ...any) ([]WorkItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []WorkItem
	for rows.Next() {
		var it WorkItem
		var keysJSON string
		var notBefore sql.NullTime
		if err := rows.Scan(&it.ID, &keysJSON, &it.Priority, &it.Payload, &it.Status, &it.Requeues, &notBefore, &it.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &it.ResourceKeys); err != nil {
			return nil, fmt.Errorf("parse resource keys: %w", err)
		}
		if notBefore.Valid {
			it.NotBefore = notBefore.Time
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
