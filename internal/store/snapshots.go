package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/autopilot/internal/bus"
)

// Snapshot is a full point-in-time copy of one entity's managed state.
// Restores are whole-snapshot: no field-level merging, ever.
type Snapshot struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	Label      string    `json:"label"`
	Context    string    `json:"context"`
	State      string    `json:"state"`
	CapturedAt time.Time `json:"captured_at"`
}

// pageState is the serialized form of a page inside a snapshot row.
type pageState struct {
	Slug            string            `json:"slug"`
	Title           string            `json:"title"`
	MetaDescription string            `json:"meta_description"`
	Content         string            `json:"content"`
	Attributes      map[string]string `json:"attributes"`
}

// CapturePageSnapshot copies a page and all its attributes into the snapshot
// store and returns the new snapshot id. Fails when the page does not exist;
// callers treat any error as "do not mutate".
func (s *Store) CapturePageSnapshot(ctx context.Context, pageID int64, label, contextJSON string) (int64, error) {
	if contextJSON == "" {
		contextJSON = "{}"
	}
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return 0, err
	}
	if page == nil {
		return 0, fmt.Errorf("snapshot capture: page %d not found", pageID)
	}
	attrs, err := s.PageAttributes(ctx, pageID)
	if err != nil {
		return 0, err
	}

	stateJSON, err := json.Marshal(pageState{
		Slug:            page.Slug,
		Title:           page.Title,
		MetaDescription: page.MetaDescription,
		Content:         page.Content,
		Attributes:      attrs,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot state: %w", err)
	}

	var snapshotID int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO snapshots (entity_type, entity_id, label, context, state, captured_at)
			VALUES ('page', ?, ?, ?, ?, ?);
		`, pageID, label, contextJSON, string(stateJSON), s.Now())
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		snapshotID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("snapshot insert id: %w", err)
		}
		return nil
	})
	return snapshotID, err
}

// GetSnapshot fetches a snapshot by id; nil when absent.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID int64) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, label, context, state, captured_at
		FROM snapshots WHERE id = ?;
	`, snapshotID).Scan(&snap.ID, &snap.EntityType, &snap.EntityID, &snap.Label, &snap.Context, &snap.State, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns snapshots for one entity, newest first.
func (s *Store) ListSnapshots(ctx context.Context, entityType string, entityID int64, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, label, context, state, captured_at
		FROM snapshots
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT ?;
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.EntityType, &snap.EntityID, &snap.Label, &snap.Context, &snap.State, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot rows: %w", err)
	}
	return out, nil
}

// RestorePageSnapshot overwrites the page's managed state with the snapshot,
// attributes included: existing attributes are deleted and the snapshot's set
// reinserted so the result matches the capture exactly. Idempotent; restoring
// the same snapshot twice converges to the same state.
func (s *Store) RestorePageSnapshot(ctx context.Context, snapshotID int64) error {
	snap, err := s.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("restore: snapshot %d not found", snapshotID)
	}
	if snap.EntityType != "page" {
		return fmt.Errorf("restore: snapshot %d is for entity type %q, not page", snapshotID, snap.EntityType)
	}

	var state pageState
	if err := json.Unmarshal([]byte(snap.State), &state); err != nil {
		return fmt.Errorf("unmarshal snapshot state: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restore tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE pages
			SET title = ?, meta_description = ?, content = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, state.Title, state.MetaDescription, state.Content, snap.EntityID)
		if err != nil {
			return fmt.Errorf("restore page fields: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("restore rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("restore: page %d not found", snap.EntityID)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM page_attributes WHERE page_id = ?;
		`, snap.EntityID); err != nil {
			return fmt.Errorf("restore clear attributes: %w", err)
		}
		for name, value := range state.Attributes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO page_attributes (page_id, name, value) VALUES (?, ?, ?);
			`, snap.EntityID, name, value); err != nil {
				return fmt.Errorf("restore attribute %q: %w", name, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicSnapshotRestored, bus.SnapshotRestoredEvent{
		SnapshotID: snap.ID,
		EntityType: snap.EntityType,
		EntityID:   snap.EntityID,
		Label:      snap.Label,
	})
	return nil
}
