package leads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSnapshotNotFound reports a delta request against a snapshot id
// that does not exist.
var ErrSnapshotNotFound = errors.New("lead snapshot not found")

// Item is one ranked row inside a snapshot.
type Item struct {
	EventHash    string          `json:"event_hash"`
	EventID      int64           `json:"event_id"`
	Rank         int             `json:"rank"`
	Score        int             `json:"score"`
	ScoreDetails json.RawMessage `json:"score_details,omitempty"`
	Event        *EventMeta      `json:"event,omitempty"`
}

// EventMeta is the current event metadata attached to reported items.
type EventMeta struct {
	ID         int64  `json:"id"`
	Hash       string `json:"hash"`
	Source     string `json:"source"`
	DocID      string `json:"doc_id,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
	PlaceText  string `json:"place_text,omitempty"`
	OccurredAt string `json:"occurred_at,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// RankScore is the (rank, score) pair on one side of a change.
type RankScore struct {
	Rank         int             `json:"rank"`
	Score        int             `json:"score"`
	ScoreDetails json.RawMessage `json:"score_details,omitempty"`
}

// Change reports one hash present in both snapshots whose rank or
// score moved.
type Change struct {
	EventHash string     `json:"event_hash"`
	EventID   int64      `json:"event_id"`
	From      RankScore  `json:"from"`
	To        RankScore  `json:"to"`
	Delta     RankDelta  `json:"delta"`
	Event     *EventMeta `json:"event,omitempty"`
}

// RankDelta carries the signed movement.
type RankDelta struct {
	Rank  int `json:"rank"`
	Score int `json:"score"`
}

// DeltaCounts summarizes a delta report.
type DeltaCounts struct {
	From    int `json:"from"`
	To      int `json:"to"`
	New     int `json:"new"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

// DeltaReport is the structured difference between two snapshots,
// keyed by event_hash (the stable cross-snapshot identity; surrogate
// event ids may differ across reloads).
type DeltaReport struct {
	FromSnapshotID int64       `json:"from_snapshot_id"`
	ToSnapshotID   int64       `json:"to_snapshot_id"`
	Counts         DeltaCounts `json:"counts"`
	New            []Item      `json:"new"`
	Removed        []Item      `json:"removed"`
	Changed        []Change    `json:"changed"`
}

// Delta compares two snapshots and reports additions, removals, and
// rank/score changes, each enriched with current event metadata
// fetched in one batch.
func Delta(ctx context.Context, db *sql.DB, fromID, toID int64) (DeltaReport, error) {
	report := DeltaReport{FromSnapshotID: fromID, ToSnapshotID: toID}

	for _, id := range []int64{fromID, toID} {
		var exists bool
		if err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM lead_snapshots WHERE id = ?)", id,
		).Scan(&exists); err != nil {
			return report, fmt.Errorf("check snapshot %d: %w", id, err)
		}
		if !exists {
			return report, fmt.Errorf("lead_snapshot %d: %w", id, ErrSnapshotNotFound)
		}
	}

	fromItems, err := loadItems(ctx, db, fromID)
	if err != nil {
		return report, err
	}
	toItems, err := loadItems(ctx, db, toID)
	if err != nil {
		return report, err
	}

	a := map[string]Item{}
	for _, i := range fromItems {
		a[i.EventHash] = i
	}
	b := map[string]Item{}
	for _, i := range toItems {
		b[i.EventHash] = i
	}

	var newKeys, removedKeys, commonKeys []string
	for k := range b {
		if _, ok := a[k]; ok {
			commonKeys = append(commonKeys, k)
		} else {
			newKeys = append(newKeys, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			removedKeys = append(removedKeys, k)
		}
	}
	sort.Strings(newKeys)
	sort.Strings(removedKeys)
	sort.Strings(commonKeys)

	var changed []Change
	for _, k := range commonKeys {
		ai, bi := a[k], b[k]
		if ai.Score == bi.Score && ai.Rank == bi.Rank {
			continue
		}
		changed = append(changed, Change{
			EventHash: k,
			EventID:   bi.EventID,
			From:      RankScore{Rank: ai.Rank, Score: ai.Score, ScoreDetails: ai.ScoreDetails},
			To:        RankScore{Rank: bi.Rank, Score: bi.Score, ScoreDetails: bi.ScoreDetails},
			Delta:     RankDelta{Rank: bi.Rank - ai.Rank, Score: bi.Score - ai.Score},
		})
	}

	var eventIDs []int64
	for _, k := range newKeys {
		eventIDs = append(eventIDs, b[k].EventID)
	}
	for _, k := range removedKeys {
		eventIDs = append(eventIDs, a[k].EventID)
	}
	for _, c := range changed {
		eventIDs = append(eventIDs, c.EventID)
	}

	meta, err := eventMeta(ctx, db, eventIDs)
	if err != nil {
		return report, err
	}

	report.New = make([]Item, 0, len(newKeys))
	for _, k := range newKeys {
		item := b[k]
		item.Event = meta[item.EventID]
		report.New = append(report.New, item)
	}
	report.Removed = make([]Item, 0, len(removedKeys))
	for _, k := range removedKeys {
		item := a[k]
		item.Event = meta[item.EventID]
		report.Removed = append(report.Removed, item)
	}
	for i := range changed {
		changed[i].Event = meta[changed[i].EventID]
	}
	report.Changed = changed

	report.Counts = DeltaCounts{
		From:    len(fromItems),
		To:      len(toItems),
		New:     len(report.New),
		Removed: len(report.Removed),
		Changed: len(changed),
	}
	return report, nil
}

func loadItems(ctx context.Context, db *sql.DB, snapshotID int64) ([]Item, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_hash, event_id, rank, score, score_details
		FROM lead_snapshot_items WHERE snapshot_id = ? ORDER BY rank`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d items: %w", snapshotID, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var i Item
		var details sql.NullString
		if err := rows.Scan(&i.EventHash, &i.EventID, &i.Rank, &i.Score, &details); err != nil {
			return nil, fmt.Errorf("scan snapshot item: %w", err)
		}
		if details.Valid {
			i.ScoreDetails = json.RawMessage(details.String)
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func eventMeta(ctx context.Context, db *sql.DB, eventIDs []int64) (map[int64]*EventMeta, error) {
	out := map[int64]*EventMeta{}
	if len(eventIDs) == 0 {
		return out, nil
	}

	seen := map[int64]bool{}
	var unique []int64
	for _, id := range eventIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	placeholders := strings.Repeat("?,", len(unique))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(unique))
	for i, id := range unique {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, hash, source, doc_id, source_url, snippet, place_text, occurred_at, created_at
		FROM events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load event metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m EventMeta
		var docID, sourceURL, snippet, placeText, occurredAt, createdAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Hash, &m.Source, &docID, &sourceURL, &snippet, &placeText, &occurredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event metadata: %w", err)
		}
		m.DocID = docID.String
		m.SourceURL = sourceURL.String
		m.Snippet = snippet.String
		m.PlaceText = placeText.String
		m.OccurredAt = occurredAt.String
		m.CreatedAt = createdAt.String
		out[m.ID] = &m
	}
	return out, rows.Err()
}
