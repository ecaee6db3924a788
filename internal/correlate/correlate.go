// Package correlate groups events that share an attribute within a
// time window and reconciles persisted correlation rows against the
// live grouping. Four lanes share one driver; each lane is a small
// policy that extracts a discriminator per group of events.
package correlate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Lane name constants. The lane is the first segment of every
// correlation key and scopes all reconciliation work.
const (
	LaneSameEntity     = "same_entity"
	LaneSameIdentifier = "same_identifier"
	LaneSameKeyword    = "same_keyword"
	LaneKeywordPair    = "keyword_pair"
)

const defaultBatch = 500

// Engine runs lane rebuilds against one database handle. There is no
// package-level state; callers own the handle and its lifetime.
type Engine struct {
	DB *sql.DB
}

// NewEngine returns an Engine bound to db.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{DB: db}
}

// Params scope one rebuild pass.
type Params struct {
	WindowDays int
	// Source restricts the pass to one event source; empty means all
	// sources and is recorded as "*" in correlation keys.
	Source    string
	MinEvents int
	// MaxEvents bounds group size for the keyword and pair lanes, to
	// exclude near-universal keywords.
	MaxEvents int
	// MaxKeywordsPerEvent bounds pair enumeration per event.
	MaxKeywordsPerEvent int
	RadiusKM            float64
	// DryRun computes the full summary but issues no writes.
	DryRun bool
	// Batch is the scan page size; 0 means 500.
	Batch int
	// Now overrides the window anchor, for tests. Zero means now.
	Now time.Time
}

// Summary reports what one rebuild pass did (or, under DryRun, would
// have done; the counts are identical either way).
type Summary struct {
	Lane                string `json:"lane"`
	Source              string `json:"source"`
	WindowDays          int    `json:"window_days"`
	Since               string `json:"since"`
	Until               string `json:"until"`
	DryRun              bool   `json:"dry_run"`
	GroupsSeen          int    `json:"groups_seen"`
	Eligible            int    `json:"eligible"`
	CorrelationsCreated int    `json:"correlations_created"`
	CorrelationsUpdated int    `json:"correlations_updated"`
	CorrelationsDeleted int    `json:"correlations_deleted"`
	LinksCreated        int    `json:"links_created"`
	LinksDeleted        int    `json:"links_deleted"`
}

// group is one eligible discriminator with its current member set.
type group struct {
	Discriminator string // e.g. "entity:7", "kw:pack:alpha"
	EventIDs      []int64
	Score         string
	LanesHit      map[string]any
	Summary       string
	Rationale     string
}

// laneSpec plugs a lane policy into the shared driver.
type laneSpec struct {
	Name     string
	Validate func(Params) error
	Collect  func(ctx context.Context, db *sql.DB, p Params, since, now time.Time) (groupsSeen int, eligible []group, err error)
}

// RebuildSameEntity reconciles the same_entity lane: events grouped by
// resolved entity reference.
func (e *Engine) RebuildSameEntity(ctx context.Context, p Params) (Summary, error) {
	return e.rebuild(ctx, laneSpec{Name: LaneSameEntity, Collect: collectSameEntity}, p)
}

// RebuildSameIdentifier reconciles the same_identifier lane: events
// grouped by the normalized unique-entity identifier extracted from
// raw_json, independent of entity-linking status.
func (e *Engine) RebuildSameIdentifier(ctx context.Context, p Params) (Summary, error) {
	return e.rebuild(ctx, laneSpec{Name: LaneSameIdentifier, Collect: collectSameIdentifier}, p)
}

// RebuildSameKeyword reconciles the same_keyword lane: events grouped
// by each normalized "pack:rule" token they carry.
func (e *Engine) RebuildSameKeyword(ctx context.Context, p Params) (Summary, error) {
	return e.rebuild(ctx, laneSpec{
		Name:     LaneSameKeyword,
		Validate: validateMaxEvents,
		Collect:  collectSameKeyword,
	}, p)
}

// RebuildKeywordPair reconciles the keyword_pair lane: events indexed
// under every unordered pair of their keywords.
func (e *Engine) RebuildKeywordPair(ctx context.Context, p Params) (Summary, error) {
	return e.rebuild(ctx, laneSpec{
		Name: LaneKeywordPair,
		Validate: func(p Params) error {
			if err := validateMaxEvents(p); err != nil {
				return err
			}
			if p.MaxKeywordsPerEvent < 2 {
				return fmt.Errorf("max_keywords_per_event must be >= 2")
			}
			return nil
		},
		Collect: collectKeywordPair,
	}, p)
}

func validateMaxEvents(p Params) error {
	if p.MaxEvents < p.MinEvents {
		return fmt.Errorf("max_events must be >= min_events")
	}
	return nil
}

// rebuild is the shared reconciliation driver. It computes the
// eligible discriminator→member mapping for the window, then upserts
// matching correlation rows, replaces each touched row's full link
// set, and deletes stale rows under this lane's key prefix. All writes
// happen in one transaction.
func (e *Engine) rebuild(ctx context.Context, spec laneSpec, p Params) (Summary, error) {
	// fail fast, before any read or write
	if p.WindowDays <= 0 {
		return Summary{}, fmt.Errorf("window_days must be > 0")
	}
	if p.MinEvents < 2 {
		return Summary{}, fmt.Errorf("min_events must be >= 2")
	}
	if spec.Validate != nil {
		if err := spec.Validate(p); err != nil {
			return Summary{}, err
		}
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	since := now.AddDate(0, 0, -p.WindowDays)

	sum := Summary{
		Lane:       spec.Name,
		Source:     p.Source,
		WindowDays: p.WindowDays,
		Since:      since.Format(time.RFC3339),
		Until:      now.Format(time.RFC3339),
		DryRun:     p.DryRun,
	}

	groupsSeen, eligible, err := spec.Collect(ctx, e.DB, p, since, now)
	if err != nil {
		return sum, fmt.Errorf("%s collect: %w", spec.Name, err)
	}
	sum.GroupsSeen = groupsSeen
	sum.Eligible = len(eligible)

	keyPrefix := fmt.Sprintf("%s|%s|%d|", spec.Name, sourceKey(p.Source), p.WindowDays)

	existing, err := loadExisting(ctx, e.DB, keyPrefix)
	if err != nil {
		return sum, fmt.Errorf("load existing correlations: %w", err)
	}

	eligibleKeys := make(map[string]bool, len(eligible))
	for _, g := range eligible {
		eligibleKeys[keyPrefix+g.Discriminator] = true
	}

	// Count current memberships before the write tx opens so the reads
	// never compete with it for a connection. These feed LinksDeleted
	// for both the real and dry-run paths.
	linkCounts := make(map[int64]int)
	for _, g := range eligible {
		corrID, exists := existing[keyPrefix+g.Discriminator]
		if !exists {
			continue
		}
		var n int
		if err := e.DB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM correlation_links WHERE correlation_id = ?", corrID,
		).Scan(&n); err != nil {
			return sum, fmt.Errorf("count links: %w", err)
		}
		linkCounts[corrID] = n
	}

	var tx *sql.Tx
	if !p.DryRun {
		tx, err = e.DB.BeginTx(ctx, nil)
		if err != nil {
			return sum, fmt.Errorf("begin rebuild tx: %w", err)
		}
		defer tx.Rollback()
	}

	for _, g := range eligible {
		key := keyPrefix + g.Discriminator
		corrID, exists := existing[key]

		lanesHit, err := json.Marshal(g.LanesHit)
		if err != nil {
			return sum, fmt.Errorf("marshal lanes_hit: %w", err)
		}

		if exists {
			sum.CorrelationsUpdated++
			if !p.DryRun {
				_, err = tx.ExecContext(ctx, `
					UPDATE correlations
					SET score = ?, window_days = ?, radius_km = ?, lanes_hit = ?, summary = ?, rationale = ?, created_at = ?
					WHERE id = ?`,
					g.Score, p.WindowDays, p.RadiusKM, string(lanesHit), g.Summary, g.Rationale, now.Format(time.RFC3339), corrID,
				)
				if err != nil {
					return sum, fmt.Errorf("update correlation %s: %w", key, err)
				}
			}

			// existing membership is replaced wholesale below
			sum.LinksDeleted += linkCounts[corrID]
		} else {
			sum.CorrelationsCreated++
			if !p.DryRun {
				res, err := tx.ExecContext(ctx, `
					INSERT INTO correlations (correlation_key, score, window_days, radius_km, lanes_hit, summary, rationale, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					key, g.Score, p.WindowDays, p.RadiusKM, string(lanesHit), g.Summary, g.Rationale, now.Format(time.RFC3339),
				)
				if err != nil {
					return sum, fmt.Errorf("insert correlation %s: %w", key, err)
				}
				corrID, err = res.LastInsertId()
				if err != nil {
					return sum, fmt.Errorf("correlation id for %s: %w", key, err)
				}
			}
		}

		sum.LinksCreated += len(g.EventIDs)
		if !p.DryRun {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM correlation_links WHERE correlation_id = ?", corrID,
			); err != nil {
				return sum, fmt.Errorf("clear links for %s: %w", key, err)
			}
			for _, eventID := range g.EventIDs {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO correlation_links (correlation_id, event_id) VALUES (?, ?)",
					corrID, eventID,
				); err != nil {
					return sum, fmt.Errorf("insert link for %s: %w", key, err)
				}
			}
		}
	}

	// stale cleanup, scoped to this lane/source/window prefix only
	var staleKeys []string
	for key := range existing {
		if !eligibleKeys[key] {
			staleKeys = append(staleKeys, key)
		}
	}
	sum.CorrelationsDeleted = len(staleKeys)
	if !p.DryRun && len(staleKeys) > 0 {
		placeholders := strings.Repeat("?,", len(staleKeys))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(staleKeys))
		for i, k := range staleKeys {
			args[i] = k
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM correlations WHERE correlation_key IN ("+placeholders+")", args...,
		); err != nil {
			return sum, fmt.Errorf("delete stale correlations: %w", err)
		}
	}

	if !p.DryRun {
		if err := tx.Commit(); err != nil {
			return sum, fmt.Errorf("commit rebuild tx: %w", err)
		}
	}

	return sum, nil
}

// loadExisting maps correlation_key -> id for every row under the
// lane's key prefix.
func loadExisting(ctx context.Context, db *sql.DB, keyPrefix string) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, correlation_key FROM correlations WHERE correlation_key LIKE ?", keyPrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := map[string]int64{}
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		existing[key] = id
	}
	return existing, rows.Err()
}

func sourceKey(source string) string {
	if source == "" {
		return "*"
	}
	return source
}

func batchSize(p Params) int {
	if p.Batch > 0 {
		return p.Batch
	}
	return defaultBatch
}
