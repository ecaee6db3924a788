// Package tagging applies an ontology to stored events, recording an
// audit row per run.
package tagging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shadowscope/shadowscope/internal/ontology"
	"github.com/shadowscope/shadowscope/internal/tagger"
)

// Options scope one tagging pass.
type Options struct {
	Days   int
	Source string
	Batch  int
	DryRun bool
}

// DefaultOptions returns the standard tagging parameters.
func DefaultOptions() Options {
	return Options{Days: 30, Source: "USAspending", Batch: 500}
}

// Result reports a completed tagging pass.
type Result struct {
	AnalysisRunID int64            `json:"analysis_run_id"`
	DryRun        bool             `json:"dry_run"`
	Source        string           `json:"source"`
	Days          int              `json:"days"`
	Since         string           `json:"since"`
	Scanned       int              `json:"scanned"`
	Updated       int              `json:"updated"`
	Unchanged     int              `json:"unchanged"`
	Ontology      ontology.Summary `json:"ontology"`
}

// Apply loads and validates the ontology at path, then re-tags every
// event in the window, updating only rows whose canonical keywords or
// clauses actually changed. Each pass records an analysis_runs audit
// row with the ontology fingerprint and scanned/updated/unchanged
// counters.
func Apply(ctx context.Context, db *sql.DB, path string, opts Options) (Result, error) {
	var res Result

	doc, err := ontology.Load(path)
	if err != nil {
		return res, err
	}
	if errs := ontology.Validate(doc); len(errs) > 0 {
		return res, fmt.Errorf("ontology invalid: %s", strings.Join(errs, "; "))
	}

	summary := ontology.Summarize(doc)
	meta, rules := tagger.Compile(doc)

	days := opts.Days
	if days < 1 {
		days = 1
	}
	batch := opts.Batch
	if batch < 1 {
		batch = 500
	}

	now := time.Now().UTC()
	since := now.AddDate(0, 0, -days).Format(time.RFC3339)

	runRes, err := db.ExecContext(ctx, `
		INSERT INTO analysis_runs (analysis_type, status, started_at, source, days, ontology_version, ontology_hash, dry_run)
		VALUES ('ontology_apply', 'running', ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339), opts.Source, days, summary.Version, summary.Hash, boolInt(opts.DryRun),
	)
	if err != nil {
		return res, fmt.Errorf("insert analysis run: %w", err)
	}
	runID, err := runRes.LastInsertId()
	if err != nil {
		return res, fmt.Errorf("analysis run id: %w", err)
	}

	res = Result{
		AnalysisRunID: runID,
		DryRun:        opts.DryRun,
		Source:        opts.Source,
		Days:          days,
		Since:         since,
		Ontology:      summary,
	}

	if err := applyRules(ctx, db, meta, rules, opts, since, batch, &res); err != nil {
		finishRun(ctx, db, runID, &res, err)
		return res, err
	}

	finishRun(ctx, db, runID, &res, nil)
	return res, nil
}

func applyRules(ctx context.Context, db *sql.DB, meta tagger.Meta, rules []tagger.CompiledRule, opts Options, since string, batch int, res *Result) error {
	lastID := int64(0)

	for {
		rows, err := db.QueryContext(ctx, `
			SELECT id, snippet, place_text, doc_id, source_url, keywords, clauses
			FROM events
			WHERE id > ? AND source = ?
			  AND (created_at >= ? OR occurred_at IS NULL OR occurred_at >= ?)
			ORDER BY id LIMIT ?`,
			lastID, opts.Source, since, since, batch)
		if err != nil {
			return fmt.Errorf("scan events: %w", err)
		}

		type pending struct {
			id       int64
			keywords string
			clauses  string
		}
		var updates []pending
		n := 0

		for rows.Next() {
			var id int64
			var snippet, placeText, docID, sourceURL, keywords, clauses sql.NullString
			if err := rows.Scan(&id, &snippet, &placeText, &docID, &sourceURL, &keywords, &clauses); err != nil {
				rows.Close()
				return fmt.Errorf("scan event: %w", err)
			}
			n++
			lastID = id
			res.Scanned++

			tagged := tagger.Tag(meta, rules, map[string]string{
				"snippet":    snippet.String,
				"place_text": placeText.String,
				"doc_id":     docID.String,
				"source_url": sourceURL.String,
			})

			newKeywords := canonKeywords(tagged.Keywords)
			newClauses := canonClauses(tagged.Clauses)
			oldKeywords := canonKeywords(tagger.DecodeKeywords([]byte(keywords.String)))
			oldClauses := canonClauses(tagger.DecodeClauses([]byte(clauses.String)))

			if newKeywords == oldKeywords && newClauses == oldClauses {
				res.Unchanged++
				continue
			}

			res.Updated++
			updates = append(updates, pending{id: id, keywords: newKeywords, clauses: newClauses})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if !opts.DryRun {
			for _, u := range updates {
				if _, err := db.ExecContext(ctx,
					"UPDATE events SET keywords = ?, clauses = ? WHERE id = ?",
					u.keywords, u.clauses, u.id,
				); err != nil {
					return fmt.Errorf("update event %d: %w", u.id, err)
				}
			}
		}

		if n < batch {
			return nil
		}
	}
}

func finishRun(ctx context.Context, db *sql.DB, runID int64, res *Result, runErr error) {
	status := "success"
	errText := any(nil)
	if runErr != nil {
		status = "failed"
		errText = runErr.Error()
	}
	_, _ = db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = ?, ended_at = ?, scanned = ?, updated = ?, unchanged = ?, error = ?
		WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), res.Scanned, res.Updated, res.Unchanged, errText, runID)
}

// canonKeywords renders a sorted, deduplicated keyword list as its
// canonical JSON text, the form stored on the row.
func canonKeywords(keywords []string) string {
	seen := map[string]bool{}
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	data, _ := json.Marshal(out)
	return string(data)
}

// canonClauses renders clauses in (pack, rule, field, match) order as
// canonical JSON text.
func canonClauses(clauses []tagger.Clause) string {
	sorted := make([]tagger.Clause, len(clauses))
	copy(sorted, clauses)
	tagger.SortClauses(sorted)
	data, _ := json.Marshal(sorted)
	return string(data)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
