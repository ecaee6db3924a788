package correlate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shadowscope/shadowscope/internal/tagger"
)

// windowExpr orders events by when they happened, falling back to when
// they were ingested.
const windowExpr = "COALESCE(occurred_at, created_at)"

func collectSameEntity(ctx context.Context, db *sql.DB, p Params, since, now time.Time) (int, []group, error) {
	sinceTS := since.Format(time.RFC3339)

	query := "SELECT entity_id, COUNT(*) FROM events WHERE entity_id IS NOT NULL AND " + windowExpr + " >= ?"
	args := []any{sinceTS}
	if p.Source != "" {
		query += " AND source = ?"
		args = append(args, p.Source)
	}
	query += " GROUP BY entity_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("group by entity: %w", err)
	}
	defer rows.Close()

	type entityGroup struct {
		entityID int64
		count    int
	}
	var seen []entityGroup
	for rows.Next() {
		var g entityGroup
		if err := rows.Scan(&g.entityID, &g.count); err != nil {
			return 0, nil, fmt.Errorf("scan entity group: %w", err)
		}
		seen = append(seen, g)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	var eligible []group
	for _, eg := range seen {
		if eg.count < p.MinEvents {
			continue
		}

		var name, uei sql.NullString
		err := db.QueryRowContext(ctx, "SELECT name, uei FROM entities WHERE id = ?", eg.entityID).Scan(&name, &uei)
		if err != nil && err != sql.ErrNoRows {
			return 0, nil, fmt.Errorf("load entity %d: %w", eg.entityID, err)
		}
		entityName := name.String
		if entityName == "" {
			entityName = fmt.Sprintf("entity_id=%d", eg.entityID)
		}

		idQuery := "SELECT id FROM events WHERE entity_id = ? AND " + windowExpr + " >= ?"
		idArgs := []any{eg.entityID, sinceTS}
		if p.Source != "" {
			idQuery += " AND source = ?"
			idArgs = append(idArgs, p.Source)
		}
		idQuery += " ORDER BY id"
		eventIDs, err := queryIDs(ctx, db, idQuery, idArgs...)
		if err != nil {
			return 0, nil, fmt.Errorf("load entity events: %w", err)
		}

		lanesHit := map[string]any{
			"lane":        LaneSameEntity,
			"entity_id":   eg.entityID,
			"event_count": eg.count,
			"since":       since.Format(time.RFC3339),
			"until":       now.Format(time.RFC3339),
		}
		if uei.Valid {
			lanesHit["uei"] = uei.String
		} else {
			lanesHit["uei"] = nil
		}

		eligible = append(eligible, group{
			Discriminator: fmt.Sprintf("entity:%d", eg.entityID),
			EventIDs:      eventIDs,
			Score:         strconv.Itoa(eg.count),
			LanesHit:      lanesHit,
			Summary:       fmt.Sprintf("%d events share entity %s", eg.count, entityName),
			Rationale: fmt.Sprintf("Grouped events with entity_id=%d within last %d days (min_events=%d).",
				eg.entityID, p.WindowDays, p.MinEvents),
		})
	}

	return len(seen), eligible, nil
}

func collectSameIdentifier(ctx context.Context, db *sql.DB, p Params, since, now time.Time) (int, []group, error) {
	byIdent := map[string][]int64{}

	err := scanEvents(ctx, db, p, since, "raw_json", func(id int64, raw []byte) {
		ident := ExtractIdentifier(raw)
		if ident == "" {
			return
		}
		byIdent[ident] = append(byIdent[ident], id)
	})
	if err != nil {
		return 0, nil, err
	}

	var eligible []group
	for _, ident := range sortedKeys(byIdent) {
		ids := byIdent[ident]
		if len(ids) < p.MinEvents {
			continue
		}
		eligible = append(eligible, group{
			Discriminator: "id:" + ident,
			EventIDs:      ids,
			Score:         strconv.Itoa(len(ids)),
			LanesHit: map[string]any{
				"lane":        LaneSameIdentifier,
				"identifier":  ident,
				"event_count": len(ids),
				"since":       since.Format(time.RFC3339),
				"until":       now.Format(time.RFC3339),
			},
			Summary: fmt.Sprintf("%d events share identifier %s", len(ids), ident),
			Rationale: fmt.Sprintf("Grouped events with identifier %s within last %d days (min_events=%d).",
				ident, p.WindowDays, p.MinEvents),
		})
	}

	return len(byIdent), eligible, nil
}

func collectSameKeyword(ctx context.Context, db *sql.DB, p Params, since, now time.Time) (int, []group, error) {
	byKeyword := map[string][]int64{}

	err := scanEvents(ctx, db, p, since, "keywords", func(id int64, raw []byte) {
		for _, kw := range normalizedKeywords(raw) {
			byKeyword[kw] = append(byKeyword[kw], id)
		}
	})
	if err != nil {
		return 0, nil, err
	}

	var eligible []group
	for _, kw := range sortedKeys(byKeyword) {
		ids := byKeyword[kw]
		if len(ids) < p.MinEvents || len(ids) > p.MaxEvents {
			continue
		}
		eligible = append(eligible, group{
			Discriminator: "kw:" + kw,
			EventIDs:      ids,
			Score:         strconv.Itoa(len(ids)),
			LanesHit: map[string]any{
				"lane":        LaneSameKeyword,
				"keyword":     kw,
				"event_count": len(ids),
				"since":       since.Format(time.RFC3339),
				"until":       now.Format(time.RFC3339),
			},
			Summary: fmt.Sprintf("%d events share keyword %s", len(ids), kw),
			Rationale: fmt.Sprintf("Grouped events tagged %s within last %d days (min_events=%d, max_events=%d).",
				kw, p.WindowDays, p.MinEvents, p.MaxEvents),
		})
	}

	return len(byKeyword), eligible, nil
}

func collectKeywordPair(ctx context.Context, db *sql.DB, p Params, since, now time.Time) (int, []group, error) {
	type pairGroup struct {
		a, b string
		ids  []int64
	}
	byPair := map[string]*pairGroup{}

	err := scanEvents(ctx, db, p, since, "keywords", func(id int64, raw []byte) {
		kws := normalizedKeywords(raw)
		if len(kws) < 2 || len(kws) > p.MaxKeywordsPerEvent {
			return
		}
		for i := 0; i < len(kws); i++ {
			for j := i + 1; j < len(kws); j++ {
				key := kws[i] + "||" + kws[j]
				pg := byPair[key]
				if pg == nil {
					pg = &pairGroup{a: kws[i], b: kws[j]}
					byPair[key] = pg
				}
				pg.ids = append(pg.ids, id)
			}
		}
	})
	if err != nil {
		return 0, nil, err
	}

	var eligible []group
	for _, key := range sortedKeys(byPair) {
		pg := byPair[key]
		if len(pg.ids) < p.MinEvents || len(pg.ids) > p.MaxEvents {
			continue
		}
		eligible = append(eligible, group{
			Discriminator: "pair:" + PairDigest(pg.a, pg.b),
			EventIDs:      pg.ids,
			Score:         strconv.Itoa(len(pg.ids)),
			LanesHit: map[string]any{
				"lane":        LaneKeywordPair,
				"keywords":    []string{pg.a, pg.b},
				"event_count": len(pg.ids),
				"since":       since.Format(time.RFC3339),
				"until":       now.Format(time.RFC3339),
			},
			Summary: fmt.Sprintf("%d events share keyword pair %s + %s", len(pg.ids), pg.a, pg.b),
			Rationale: fmt.Sprintf("Grouped events tagged both %s and %s within last %d days (min_events=%d, max_events=%d).",
				pg.a, pg.b, p.WindowDays, p.MinEvents, p.MaxEvents),
		})
	}

	return len(byPair), eligible, nil
}

// scanEvents pages through the window by id cursor, calling fn with
// one extra column per event. Pagination bounds memory, not
// concurrency.
func scanEvents(ctx context.Context, db *sql.DB, p Params, since time.Time, column string, fn func(id int64, raw []byte)) error {
	sinceTS := since.Format(time.RFC3339)
	batch := batchSize(p)
	lastID := int64(0)

	for {
		query := "SELECT id, " + column + " FROM events WHERE id > ? AND " + windowExpr + " >= ?"
		args := []any{lastID, sinceTS}
		if p.Source != "" {
			query += " AND source = ?"
			args = append(args, p.Source)
		}
		query += " ORDER BY id LIMIT ?"
		args = append(args, batch)

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("scan events: %w", err)
		}

		n := 0
		for rows.Next() {
			var id int64
			var raw sql.NullString
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan event row: %w", err)
			}
			n++
			lastID = id
			fn(id, []byte(raw.String))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if n < batch {
			return nil
		}
	}
}

func queryIDs(ctx context.Context, db *sql.DB, query string, args ...any) ([]int64, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExtractIdentifier pulls the UEI-style unique-entity identifier out
// of an event's raw payload and normalizes it (trim, uppercase).
// Events carry it before entity linking has run, so the lane does not
// depend on entity_id.
func ExtractIdentifier(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"Recipient UEI", "recipient_uei", "uei"} {
		if v, ok := obj[key].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return strings.ToUpper(s)
			}
		}
	}
	return ""
}

// NormalizeKeyword canonicalizes one keyword token for grouping and
// key generation: trim, lower-case, and escape the key delimiter so a
// token can never collide with the lane-key format.
func NormalizeKeyword(kw string) string {
	kw = strings.ToLower(strings.TrimSpace(kw))
	return strings.ReplaceAll(kw, "|", "%7C")
}

// normalizedKeywords decodes a stored keywords column and returns the
// sorted, deduplicated normalized tokens.
func normalizedKeywords(raw []byte) []string {
	seen := map[string]bool{}
	var out []string
	for _, kw := range tagger.DecodeKeywords(raw) {
		n := NormalizeKeyword(kw)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PairDigest returns the fixed-length discriminator for an unordered
// keyword pair: the first 16 hex chars of SHA-256 over the canonical
// pair string (sorted keywords joined by "||"). Bounded key length,
// stable across runs.
func PairDigest(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "||" + b))
	return fmt.Sprintf("%x", sum)[:16]
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
