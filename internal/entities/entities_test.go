package entities

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowscope/shadowscope/internal/db"
)

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

func insertUnlinked(t *testing.T, conn *sql.DB, id int64, rawJSON string) {
	t.Helper()
	var raw any
	if rawJSON != "" {
		raw = rawJSON
	}
	_, err := conn.Exec(`
		INSERT INTO events (id, category, source, raw_json, hash, created_at)
		VALUES (?, 'award', 'USAspending', ?, ?, ?)`,
		id, raw, fmt.Sprintf("hash-%d", id), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("insert event %d: %v", id, err)
	}
}

func TestLink(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	insertUnlinked(t, conn, 1, `{"Recipient Name": "Acme Corp"}`)
	insertUnlinked(t, conn, 2, `{"Recipient Name": "ACME CORP"}`)
	insertUnlinked(t, conn, 3, `{"Recipient Name": "Other Inc"}`)
	insertUnlinked(t, conn, 4, `{"no": "name"}`)

	res, err := Link(ctx, conn, DefaultOptions())
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if res.Scanned != 4 || res.Linked != 3 || res.SkippedNoName != 1 {
		t.Fatalf("result = %+v", res)
	}
	// case-insensitive match: Acme Corp and ACME CORP share one entity
	if res.EntitiesCreated != 2 {
		t.Fatalf("entities_created = %d, want 2", res.EntitiesCreated)
	}

	var e1, e2 int64
	if err := conn.QueryRow("SELECT entity_id FROM events WHERE id = 1").Scan(&e1); err != nil {
		t.Fatalf("load event 1: %v", err)
	}
	if err := conn.QueryRow("SELECT entity_id FROM events WHERE id = 2").Scan(&e2); err != nil {
		t.Fatalf("load event 2: %v", err)
	}
	if e1 != e2 {
		t.Errorf("case-variant names got different entities: %d vs %d", e1, e2)
	}

	var unlinked sql.NullInt64
	if err := conn.QueryRow("SELECT entity_id FROM events WHERE id = 4").Scan(&unlinked); err != nil {
		t.Fatalf("load event 4: %v", err)
	}
	if unlinked.Valid {
		t.Error("nameless event must stay unlinked")
	}
}

func TestLinkIdempotent(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	insertUnlinked(t, conn, 1, `{"Recipient Name": "Acme Corp"}`)
	if _, err := Link(ctx, conn, DefaultOptions()); err != nil {
		t.Fatalf("first link: %v", err)
	}

	res, err := Link(ctx, conn, DefaultOptions())
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if res.Scanned != 0 || res.Linked != 0 || res.EntitiesCreated != 0 {
		t.Fatalf("second pass = %+v, want a no-op", res)
	}
}

func TestLinkDryRun(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	insertUnlinked(t, conn, 1, `{"Recipient Name": "Acme Corp"}`)

	opts := DefaultOptions()
	opts.DryRun = true
	res, err := Link(ctx, conn, opts)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if res.Linked != 1 || res.EntitiesCreated != 1 {
		t.Fatalf("dry run should still count: %+v", res)
	}

	var entities, linked int
	if err := conn.QueryRow("SELECT COUNT(*) FROM entities").Scan(&entities); err != nil {
		t.Fatalf("count entities: %v", err)
	}
	if err := conn.QueryRow("SELECT COUNT(*) FROM events WHERE entity_id IS NOT NULL").Scan(&linked); err != nil {
		t.Fatalf("count linked: %v", err)
	}
	if entities != 0 || linked != 0 {
		t.Fatalf("dry run wrote: entities=%d linked=%d", entities, linked)
	}
}

func TestExtractRecipientName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"Recipient Name": "Acme Corp"}`, "Acme Corp"},
		{`{"recipient_name": "  Spaced   Out  "}`, "Spaced Out"},
		{`{"recipient": "Fallback LLC"}`, "Fallback LLC"},
		{`{"Recipient Name": "   "}`, ""},
		{`{"other": 1}`, ""},
		{`not json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := ExtractRecipientName([]byte(tc.raw)); got != tc.want {
			t.Errorf("ExtractRecipientName(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
