// Package leads ranks events by investigative relevance and persists
// immutable ranked snapshots plus deltas between them.
package leads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shadowscope/shadowscope/internal/correlate"
	"github.com/shadowscope/shadowscope/internal/scoring"
	"github.com/shadowscope/shadowscope/internal/tagger"
)

// Options scope one ranking pass.
type Options struct {
	ScanLimit      int
	Limit          int
	MinScore       int
	Source         string
	ExcludeSource  string
	ScoringVersion string
	// v2 knobs
	PairBonusMultiplier int
	PairBonusCap        int
	TopN                int
	RestScale           float64
}

// DefaultOptions returns the standard ranking parameters.
func DefaultOptions() Options {
	return Options{
		ScanLimit:           5000,
		Limit:               200,
		MinScore:            1,
		ScoringVersion:      "v1",
		PairBonusMultiplier: 3,
		PairBonusCap:        12,
		TopN:                6,
		RestScale:           0.5,
	}
}

// Ranked is one scored lead candidate.
type Ranked struct {
	EventID   int64
	EventHash string
	Score     int
	Details   scoring.Details
}

// Compute scans the most recent ScanLimit events, applies the filters
// and the chosen scoring formula, and returns the top Limit ranked by
// (score desc, event id desc); ties favor the more recent event.
func Compute(ctx context.Context, db *sql.DB, opts Options) ([]Ranked, int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, entity_id, source, hash, keywords, clauses
		FROM events ORDER BY id DESC LIMIT ?`, opts.ScanLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("scan events: %w", err)
	}
	defer rows.Close()

	type eventRow struct {
		id       int64
		entityID sql.NullInt64
		source   string
		hash     string
		keywords sql.NullString
		clauses  sql.NullString
	}
	var events []eventRow
	for rows.Next() {
		var e eventRow
		if err := rows.Scan(&e.id, &e.entityID, &e.source, &e.hash, &e.keywords, &e.clauses); err != nil {
			return nil, 0, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	scanned := len(events)

	v2 := strings.HasPrefix(strings.ToLower(opts.ScoringVersion), "v2")

	pairCounts := map[int64]int{}
	if v2 && len(events) > 0 {
		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.id
		}
		pairCounts, err = pairMembershipCounts(ctx, db, opts.Source, ids)
		if err != nil {
			return nil, 0, err
		}
	}

	var ranked []Ranked
	for _, e := range events {
		if opts.Source != "" && e.source != opts.Source {
			continue
		}
		if opts.ExcludeSource != "" && e.source == opts.ExcludeSource {
			continue
		}

		keywords := tagger.DecodeKeywords([]byte(e.keywords.String))
		clauses := tagger.DecodeClauses([]byte(e.clauses.String))
		hasEntity := e.entityID.Valid

		var score int
		var details scoring.Details
		if v2 {
			pairN := pairCounts[e.id]
			pairBonus := opts.PairBonusMultiplier * pairN
			if pairBonus > opts.PairBonusCap {
				pairBonus = opts.PairBonusCap
			}
			score, details = scoring.V2(keywords, clauses, scoring.V2Options{
				HasEntity: hasEntity,
				PairBonus: pairBonus,
				TopN:      opts.TopN,
				RestScale: opts.RestScale,
			})
			details["pair_count"] = pairN
		} else {
			score, details = scoring.V1(keywords, clauses, hasEntity)
		}

		if score >= opts.MinScore {
			ranked = append(ranked, Ranked{EventID: e.id, EventHash: e.hash, Score: score, Details: details})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].EventID > ranked[j].EventID
	})
	if len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}
	return ranked, scanned, nil
}

// pairMembershipCounts returns, per event, how many keyword_pair lane
// correlations currently include it.
func pairMembershipCounts(ctx context.Context, db *sql.DB, source string, eventIDs []int64) (map[int64]int, error) {
	likePat := correlate.LaneKeywordPair + "|%|%|pair:%"
	if source != "" {
		likePat = correlate.LaneKeywordPair + "|" + source + "|%|pair:%"
	}

	placeholders := strings.Repeat("?,", len(eventIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{likePat}
	for _, id := range eventIDs {
		args = append(args, id)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT cl.event_id, COUNT(*)
		FROM correlation_links cl
		JOIN correlations c ON c.id = cl.correlation_id
		WHERE c.correlation_key LIKE ? AND cl.event_id IN (`+placeholders+`)
		GROUP BY cl.event_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("pair membership counts: %w", err)
	}
	defer rows.Close()

	counts := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan pair count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// SnapshotParams scope one snapshot run.
type SnapshotParams struct {
	// AnalysisRunID, when non-zero, must reference an existing
	// analysis_runs row.
	AnalysisRunID int64
	Notes         string
	Options
}

// SnapshotResult reports what was persisted.
type SnapshotResult struct {
	SnapshotID     int64  `json:"snapshot_id"`
	AnalysisRunID  int64  `json:"analysis_run_id,omitempty"`
	Source         string `json:"source"`
	ExcludeSource  string `json:"exclude_source,omitempty"`
	MinScore       int    `json:"min_score"`
	Limit          int    `json:"limit"`
	ScanLimit      int    `json:"scan_limit"`
	ScoringVersion string `json:"scoring_version"`
	Scanned        int    `json:"scanned"`
	Items          int    `json:"items"`
}

// CreateSnapshot ranks the current window and persists it as a new
// immutable snapshot. Snapshots are write-once; only new ones are ever
// created.
func CreateSnapshot(ctx context.Context, db *sql.DB, p SnapshotParams) (SnapshotResult, error) {
	var res SnapshotResult

	if p.AnalysisRunID != 0 {
		var exists bool
		err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM analysis_runs WHERE id = ?)", p.AnalysisRunID,
		).Scan(&exists)
		if err != nil {
			return res, fmt.Errorf("check analysis run: %w", err)
		}
		if !exists {
			return res, fmt.Errorf("analysis_run_id %d not found in analysis_runs; run 'shadowscope ontology apply' and use the printed analysis_run_id, or omit it", p.AnalysisRunID)
		}
	}

	ranked, scanned, err := Compute(ctx, db, p.Options)
	if err != nil {
		return res, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	var runID any
	if p.AnalysisRunID != 0 {
		runID = p.AnalysisRunID
	}
	out, err := tx.ExecContext(ctx, `
		INSERT INTO lead_snapshots (analysis_run_id, created_at, source, exclude_source, min_score, item_limit, scoring_version, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, now, nullable(p.Source), nullable(p.ExcludeSource), p.MinScore, p.Limit, p.ScoringVersion, nullable(p.Notes),
	)
	if err != nil {
		return res, fmt.Errorf("insert snapshot: %w", err)
	}
	snapshotID, err := out.LastInsertId()
	if err != nil {
		return res, fmt.Errorf("snapshot id: %w", err)
	}

	for i, r := range ranked {
		details, err := json.Marshal(r.Details)
		if err != nil {
			return res, fmt.Errorf("marshal score details: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lead_snapshot_items (snapshot_id, event_id, event_hash, rank, score, score_details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snapshotID, r.EventID, r.EventHash, i+1, r.Score, string(details), now,
		); err != nil {
			return res, fmt.Errorf("insert snapshot item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit snapshot tx: %w", err)
	}

	res = SnapshotResult{
		SnapshotID:     snapshotID,
		AnalysisRunID:  p.AnalysisRunID,
		Source:         p.Source,
		ExcludeSource:  p.ExcludeSource,
		MinScore:       p.MinScore,
		Limit:          p.Limit,
		ScanLimit:      p.ScanLimit,
		ScoringVersion: p.ScoringVersion,
		Scanned:        scanned,
		Items:          len(ranked),
	}
	return res, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
