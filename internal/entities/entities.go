// Package entities links events to entities derived from their raw
// payloads.
package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Options scope one linking pass.
type Options struct {
	Source string
	Days   int
	Batch  int
	DryRun bool
}

// DefaultOptions returns the standard linking parameters.
func DefaultOptions() Options {
	return Options{Source: "USAspending", Days: 30, Batch: 500}
}

// Result reports a completed linking pass.
type Result struct {
	Source          string `json:"source"`
	Days            int    `json:"days"`
	Scanned         int    `json:"scanned"`
	Linked          int    `json:"linked"`
	SkippedNoName   int    `json:"skipped_no_name"`
	EntitiesCreated int    `json:"entities_created"`
	DryRun          bool   `json:"dry_run"`
}

// Link walks events with a NULL entity_id, derives the recipient name
// from raw_json, and attaches a get-or-created entity. Running it
// again once everything is linked does zero updates.
func Link(ctx context.Context, db *sql.DB, opts Options) (Result, error) {
	days := opts.Days
	if days < 1 {
		days = 1
	}
	batch := opts.Batch
	if batch < 1 {
		batch = 500
	}

	res := Result{Source: opts.Source, Days: days, DryRun: opts.DryRun}
	since := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	lastID := int64(0)

	for {
		rows, err := db.QueryContext(ctx, `
			SELECT id, raw_json FROM events
			WHERE id > ? AND source = ? AND entity_id IS NULL AND created_at >= ?
			ORDER BY id LIMIT ?`,
			lastID, opts.Source, since, batch)
		if err != nil {
			return res, fmt.Errorf("scan events: %w", err)
		}

		type link struct {
			eventID int64
			name    string
		}
		var pending []link
		n := 0

		for rows.Next() {
			var id int64
			var raw sql.NullString
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return res, fmt.Errorf("scan event: %w", err)
			}
			n++
			lastID = id
			res.Scanned++

			name := ExtractRecipientName([]byte(raw.String))
			if name == "" {
				res.SkippedNoName++
				continue
			}
			pending = append(pending, link{eventID: id, name: name})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return res, err
		}
		rows.Close()

		for _, l := range pending {
			entityID, created, err := getOrCreateEntity(ctx, db, l.name, opts.DryRun)
			if err != nil {
				return res, err
			}
			if created {
				res.EntitiesCreated++
			}
			res.Linked++
			if !opts.DryRun {
				if _, err := db.ExecContext(ctx,
					"UPDATE events SET entity_id = ? WHERE id = ?", entityID, l.eventID,
				); err != nil {
					return res, fmt.Errorf("link event %d: %w", l.eventID, err)
				}
			}
		}

		if n < batch {
			return res, nil
		}
	}
}

// getOrCreateEntity matches case-insensitively on name; duplicates
// resolve to the oldest row.
func getOrCreateEntity(ctx context.Context, db *sql.DB, name string, dryRun bool) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE LOWER(name) = LOWER(?) ORDER BY id LIMIT 1", name,
	).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("lookup entity %q: %w", name, err)
	}

	if dryRun {
		return 0, true, nil
	}

	out, err := db.ExecContext(ctx,
		"INSERT INTO entities (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, false, fmt.Errorf("create entity %q: %w", name, err)
	}
	id, err = out.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("entity id for %q: %w", name, err)
	}
	return id, true, nil
}

// ExtractRecipientName derives the entity name from an event's raw
// payload, canonicalizing whitespace.
func ExtractRecipientName(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"Recipient Name", "recipient_name", "recipient"} {
		if v, ok := obj[key].(string); ok {
			if name := cleanName(v); name != "" {
				return name
			}
		}
	}
	return ""
}

func cleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
