package leads

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func insertSnapshot(t *testing.T, conn *sql.DB, items map[string]RankScore, hashToEvent map[string]int64) int64 {
	t.Helper()
	res, err := conn.Exec(`
		INSERT INTO lead_snapshots (created_at, min_score, item_limit, scoring_version)
		VALUES ('2026-08-10T00:00:00Z', 1, 200, 'v1')`)
	if err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	id, _ := res.LastInsertId()
	for hash, rs := range items {
		if _, err := conn.Exec(`
			INSERT INTO lead_snapshot_items (snapshot_id, event_id, event_hash, rank, score, created_at)
			VALUES (?, ?, ?, ?, ?, '2026-08-10T00:00:00Z')`,
			id, hashToEvent[hash], hash, rs.Rank, rs.Score); err != nil {
			t.Fatalf("insert item %s: %v", hash, err)
		}
	}
	return id
}

func TestDelta(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	hashToEvent := map[string]int64{"h1": 1, "h2": 2, "h3": 3}
	for hash, id := range hashToEvent {
		if _, err := conn.Exec(`
			INSERT INTO events (id, category, source, hash, snippet, created_at)
			VALUES (?, 'award', 'USAspending', ?, 'snippet text', '2026-08-01T00:00:00Z')`,
			id, hash); err != nil {
			t.Fatalf("insert event %s: %v", hash, err)
		}
	}

	fromID := insertSnapshot(t, conn, map[string]RankScore{
		"h1": {Rank: 1, Score: 10},
		"h2": {Rank: 2, Score: 5},
	}, hashToEvent)
	toID := insertSnapshot(t, conn, map[string]RankScore{
		"h2": {Rank: 1, Score: 20},
		"h3": {Rank: 2, Score: 7},
	}, hashToEvent)

	report, err := Delta(ctx, conn, fromID, toID)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}

	if report.Counts.From != 2 || report.Counts.To != 2 {
		t.Errorf("counts = %+v", report.Counts)
	}
	if report.Counts.New != 1 || report.Counts.Removed != 1 || report.Counts.Changed != 1 {
		t.Fatalf("counts = %+v, want new=1 removed=1 changed=1", report.Counts)
	}

	if report.New[0].EventHash != "h3" {
		t.Errorf("new = %+v", report.New)
	}
	if report.Removed[0].EventHash != "h1" {
		t.Errorf("removed = %+v", report.Removed)
	}

	c := report.Changed[0]
	if c.EventHash != "h2" {
		t.Fatalf("changed = %+v", c)
	}
	if c.From.Rank != 2 || c.From.Score != 5 || c.To.Rank != 1 || c.To.Score != 20 {
		t.Errorf("from/to = %+v / %+v", c.From, c.To)
	}
	if c.Delta.Rank != -1 || c.Delta.Score != 15 {
		t.Errorf("delta = %+v, want rank=-1 score=+15", c.Delta)
	}

	// every reported item carries current event metadata
	if report.New[0].Event == nil || report.New[0].Event.Snippet != "snippet text" {
		t.Errorf("new item metadata = %+v", report.New[0].Event)
	}
	if report.Removed[0].Event == nil || c.Event == nil {
		t.Error("removed/changed items missing metadata")
	}
}

func TestDeltaIdenticalSnapshots(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	if _, err := conn.Exec(`
		INSERT INTO events (id, category, source, hash, created_at)
		VALUES (1, 'award', 'USAspending', 'h1', '2026-08-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	items := map[string]RankScore{"h1": {Rank: 1, Score: 10}}
	hashToEvent := map[string]int64{"h1": 1}
	a := insertSnapshot(t, conn, items, hashToEvent)
	b := insertSnapshot(t, conn, items, hashToEvent)

	report, err := Delta(ctx, conn, a, b)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if report.Counts.New != 0 || report.Counts.Removed != 0 || report.Counts.Changed != 0 {
		t.Fatalf("identical snapshots should produce an empty delta: %+v", report.Counts)
	}
}

func TestDeltaMissingSnapshot(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	id := insertSnapshot(t, conn, nil, nil)

	_, err := Delta(ctx, conn, id, 999)
	if err == nil {
		t.Fatal("expected error for missing snapshot")
	}
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("error should wrap ErrSnapshotNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "lead_snapshot 999") {
		t.Fatalf("error = %v", err)
	}
}
