package tagging

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shadowscope/shadowscope/internal/db"
)

const testOntology = `{
	"version": "test-1",
	"packs": [{
		"id": "energy",
		"name": "Directed Energy",
		"rules": [
			{"id": "laser", "type": "phrase", "pattern": "laser", "weight": 5},
			{"id": "hel", "type": "regex", "pattern": "high.energy", "weight": 3}
		]
	}]
}`

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.EnsureSchema(conn); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return conn
}

func writeOntology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ontology.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write ontology: %v", err)
	}
	return path
}

func insertEvent(t *testing.T, conn *sql.DB, id int64, snippet string) {
	t.Helper()
	_, err := conn.Exec(`
		INSERT INTO events (id, category, source, snippet, hash, created_at)
		VALUES (?, 'award', 'USAspending', ?, ?, ?)`,
		id, snippet, "hash-"+snippet+string(rune('0'+id)),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("insert event %d: %v", id, err)
	}
}

func TestApply(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	path := writeOntology(t, testOntology)

	insertEvent(t, conn, 1, "contract for laser testbed")
	insertEvent(t, conn, 2, "office supplies")

	res, err := Apply(ctx, conn, path, DefaultOptions())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Scanned != 2 || res.Updated != 1 || res.Unchanged != 1 {
		t.Fatalf("result = %+v, want scanned=2 updated=1 unchanged=1", res)
	}
	if res.Ontology.Hash == "" || res.Ontology.Version != "test-1" {
		t.Errorf("ontology summary = %+v", res.Ontology)
	}

	var keywords string
	if err := conn.QueryRow("SELECT keywords FROM events WHERE id = 1").Scan(&keywords); err != nil {
		t.Fatalf("load keywords: %v", err)
	}
	if keywords != `["energy:laser"]` {
		t.Errorf("keywords = %q", keywords)
	}

	// audit row
	var status string
	var scanned int
	err = conn.QueryRow(
		"SELECT status, scanned FROM analysis_runs WHERE id = ?", res.AnalysisRunID,
	).Scan(&status, &scanned)
	if err != nil {
		t.Fatalf("load analysis run: %v", err)
	}
	if status != "success" || scanned != 2 {
		t.Errorf("analysis run status=%q scanned=%d", status, scanned)
	}
}

func TestApplyIdempotent(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	path := writeOntology(t, testOntology)

	insertEvent(t, conn, 1, "laser array")

	if _, err := Apply(ctx, conn, path, DefaultOptions()); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	res, err := Apply(ctx, conn, path, DefaultOptions())
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if res.Updated != 0 || res.Unchanged != 1 {
		t.Fatalf("second pass = %+v, want no updates", res)
	}
}

func TestApplyDryRun(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	path := writeOntology(t, testOntology)

	insertEvent(t, conn, 1, "laser array")

	opts := DefaultOptions()
	opts.DryRun = true
	res, err := Apply(ctx, conn, path, opts)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("dry run should still count updates: %+v", res)
	}

	var keywords sql.NullString
	if err := conn.QueryRow("SELECT keywords FROM events WHERE id = 1").Scan(&keywords); err != nil {
		t.Fatalf("load keywords: %v", err)
	}
	if keywords.Valid {
		t.Fatalf("dry run wrote keywords: %q", keywords.String)
	}

	var dryRun int
	if err := conn.QueryRow(
		"SELECT dry_run FROM analysis_runs WHERE id = ?", res.AnalysisRunID,
	).Scan(&dryRun); err != nil {
		t.Fatalf("load analysis run: %v", err)
	}
	if dryRun != 1 {
		t.Error("audit row should record dry_run")
	}
}

func TestApplyRejectsInvalidOntology(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	path := writeOntology(t, `{"version": "x", "packs": [{"id": "a", "name": "A", "rules": []}]}`)

	_, err := Apply(ctx, conn, path, DefaultOptions())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "ontology invalid") {
		t.Fatalf("error = %v", err)
	}

	// no audit row when the ontology never validated
	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM analysis_runs").Scan(&count); err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 0 {
		t.Fatalf("analysis_runs = %d rows, want 0", count)
	}
}

func TestApplyRemovesStaleTags(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	insertEvent(t, conn, 1, "office supplies")
	// stale tags from an earlier ontology revision
	if _, err := conn.Exec(
		`UPDATE events SET keywords = '["old:rule"]', clauses = '[{"pack":"old","rule":"rule","type":"phrase","weight":2,"field":"snippet","match":"x"}]' WHERE id = 1`,
	); err != nil {
		t.Fatalf("seed stale tags: %v", err)
	}

	path := writeOntology(t, testOntology)
	res, err := Apply(ctx, conn, path, DefaultOptions())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("result = %+v, want one update", res)
	}

	var keywords string
	if err := conn.QueryRow("SELECT keywords FROM events WHERE id = 1").Scan(&keywords); err != nil {
		t.Fatalf("load keywords: %v", err)
	}
	if keywords != "[]" {
		t.Errorf("keywords = %q, want cleared", keywords)
	}
}
