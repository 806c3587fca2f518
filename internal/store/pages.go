package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Page is the content entity under management. The executor mutates these
// rows; the snapshot store captures and restores them verbatim.
type Page struct {
	ID              int64     `json:"id"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreatePage inserts a page; the slug must be unique.
func (s *Store) CreatePage(ctx context.Context, slug, title, metaDescription, content string) (int64, error) {
	if slug == "" {
		return 0, fmt.Errorf("page slug is required")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pages (slug, title, meta_description, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, slug, title, metaDescription, content)
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("page insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// GetPage fetches a page by id; nil when absent.
func (s *Store) GetPage(ctx context.Context, pageID int64) (*Page, error) {
	var p Page
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, title, meta_description, content, created_at, updated_at
		FROM pages WHERE id = ?;
	`, pageID).Scan(&p.ID, &p.Slug, &p.Title, &p.MetaDescription, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}
	return &p, nil
}

// UpdatePageField sets a single scalar page field. The field name is a column
// picked from a fixed set, never caller input spliced into SQL.
func (s *Store) UpdatePageField(ctx context.Context, pageID int64, field, value string) error {
	var column string
	switch field {
	case "title":
		column = "title"
	case "meta_description":
		column = "meta_description"
	case "content":
		column = "content"
	default:
		return fmt.Errorf("unknown page field %q", field)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pages SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, value, pageID)
		if err != nil {
			return fmt.Errorf("update page %s: %w", field, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("page update rows affected: %w", err)
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// SetPageAttribute upserts one named attribute on a page.
func (s *Store) SetPageAttribute(ctx context.Context, pageID int64, name, value string) error {
	if name == "" {
		return fmt.Errorf("attribute name is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO page_attributes (page_id, name, value)
			VALUES (?, ?, ?)
			ON CONFLICT(page_id, name) DO UPDATE SET value = excluded.value;
		`, pageID, name, value)
		if err != nil {
			return fmt.Errorf("upsert page attribute: %w", err)
		}
		return nil
	})
}

// RemovePageAttribute deletes one named attribute. Removing an absent
// attribute is not an error.
func (s *Store) RemovePageAttribute(ctx context.Context, pageID int64, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM page_attributes WHERE page_id = ? AND name = ?;
		`, pageID, name)
		if err != nil {
			return fmt.Errorf("delete page attribute: %w", err)
		}
		return nil
	})
}

// PageAttributes returns all attributes for a page.
func (s *Store) PageAttributes(ctx context.Context, pageID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value FROM page_attributes WHERE page_id = ? ORDER BY name;
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("query page attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan page attribute: %w", err)
		}
		attrs[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page attribute rows: %w", err)
	}
	return attrs, nil
}

// ListPageIDs returns page ids matching an optional slug prefix, oldest first.
// The bulk runner uses this to expand job filters into work items.
func (s *Store) ListPageIDs(ctx context.Context, slugPrefix string, limit int) ([]int64, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM pages
		WHERE (? = '' OR slug LIKE ? || '%')
		ORDER BY id ASC
		LIMIT ?;
	`, slugPrefix, slugPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("query page ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("page id rows: %w", err)
	}
	return ids, nil
}
