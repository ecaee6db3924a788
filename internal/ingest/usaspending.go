// Package ingest pulls procurement records from external APIs into the
// event store.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the USAspending award-search endpoint.
const DefaultBaseURL = "https://api.usaspending.gov/api/v2/search/spending_by_award/"

// SourceName is the source recorded on every ingested event.
const SourceName = "USAspending"

const maxPageLimit = 500

// Client fetches and normalizes USAspending awards.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Retries counts re-attempts after a 5xx or transport error.
	Retries int
	// Backoff is the base delay between retries, doubled per attempt.
	Backoff time.Duration
}

// NewClient returns a Client with production defaults.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     logger,
		Retries:    3,
		Backoff:    500 * time.Millisecond,
	}
}

// Options scope one ingest run.
type Options struct {
	Days  int
	Limit int
	Pages int
	// SnapshotDir receives one raw JSON file per fetched page; empty
	// disables snapshots.
	SnapshotDir string
}

// Result reports a completed ingest run.
type Result struct {
	RunID       string `json:"run_id"`
	Fetched     int    `json:"fetched"`
	Normalized  int    `json:"normalized"`
	Inserted    int    `json:"inserted"`
	SnapshotDir string `json:"snapshot_dir,omitempty"`
}

// Event is one normalized procurement record ready for insertion.
type Event struct {
	Category   string
	OccurredAt string // RFC3339 UTC, empty when the action date is unparseable
	Source     string
	SourceURL  string
	DocID      string
	PlaceText  string
	Snippet    string
	RawJSON    string
	Hash       string
}

// Run fetches up to Limit awards across at most Pages API pages,
// writes raw page snapshots, and inserts normalized events deduped by
// content hash. Every run is recorded in ingest_runs.
func (c *Client) Run(ctx context.Context, db *sql.DB, opts Options) (Result, error) {
	runID := uuid.New().String()
	res := Result{RunID: runID, SnapshotDir: opts.SnapshotDir}

	started := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO ingest_runs (id, source, started_at, snapshot_dir)
		VALUES (?, ?, ?, ?)`,
		runID, SourceName, started, opts.SnapshotDir); err != nil {
		return res, fmt.Errorf("insert ingest run: %w", err)
	}

	err := c.run(ctx, db, opts, &res)

	ended := time.Now().UTC().Format(time.RFC3339)
	errText := any(nil)
	if err != nil {
		errText = err.Error()
	}
	_, _ = db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET ended_at = ?, fetched = ?, normalized = ?, inserted = ?, error = ?
		WHERE id = ?`,
		ended, res.Fetched, res.Normalized, res.Inserted, errText, runID)

	return res, err
}

func (c *Client) run(ctx context.Context, db *sql.DB, opts Options, res *Result) error {
	days := opts.Days
	if days < 1 {
		days = 1
	}
	pages := opts.Pages
	if pages < 1 {
		pages = 1
	}

	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	if opts.SnapshotDir != "" {
		if err := os.MkdirAll(opts.SnapshotDir, 0755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	for page := 1; page <= pages; page++ {
		if res.Fetched >= opts.Limit {
			break
		}
		pageLimit := opts.Limit - res.Fetched
		if pageLimit > maxPageLimit {
			pageLimit = maxPageLimit
		}

		raw, err := c.fetchPage(ctx, since, pageLimit, page)
		if err != nil {
			return err
		}

		if opts.SnapshotDir != "" {
			name := fmt.Sprintf("page_%d_%s.json", page, uuid.New().String())
			if err := os.WriteFile(filepath.Join(opts.SnapshotDir, name), raw, 0644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
		}

		var body struct {
			Results []map[string]any `json:"results"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("decode page %d: %w", page, err)
		}

		c.Logger.Info("fetched awards page", "page", page, "rows", len(body.Results))
		res.Fetched += len(body.Results)

		events := NormalizeAwards(body.Results)
		res.Normalized += len(events)

		inserted, err := insertEvents(ctx, db, events)
		if err != nil {
			return err
		}
		res.Inserted += inserted

		if len(body.Results) < pageLimit {
			break
		}
	}
	return nil
}

// fetchPage posts one search request, retrying transport errors and
// 5xx responses with doubling backoff.
func (c *Client) fetchPage(ctx context.Context, since string, limit, page int) ([]byte, error) {
	payload := map[string]any{
		"fields": []string{
			"Award ID", "Recipient Name", "Action Date", "Award Amount",
			"Awarding Agency", "Funding Agency", "Description", "Place of Performance",
		},
		"filters": map[string]any{
			"award_type_codes": []string{"A", "B", "C", "D", "IDV"},
			"time_period": []map[string]string{{
				"start_date": since,
				"end_date":   time.Now().UTC().Format("2006-01-02"),
			}},
		},
		"limit": limit,
		"page":  page,
		"sort":  "Action Date",
		"order": "desc",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			delay := c.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "ShadowScope/0.1")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("usaspending returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("usaspending returned %d", resp.StatusCode)
		}
		return data, nil
	}
	return nil, fmt.Errorf("fetch page %d: %w", page, lastErr)
}

// NormalizeAwards maps raw API rows to event records. The hash is a
// SHA-256 over the award's unique key, the dedupe identity across
// ingest runs.
func NormalizeAwards(records []map[string]any) []Event {
	events := make([]Event, 0, len(records))
	for _, record := range records {
		uniqueKey := stringField(record, "internal_id")
		if uniqueKey == "" {
			uniqueKey = stringField(record, "generated_unique_award_id")
		}
		if uniqueKey == "" {
			data, _ := json.Marshal(record)
			uniqueKey = string(data)
		}
		sum := sha256.Sum256([]byte(uniqueKey))

		docID := stringField(record, "piid")
		if docID == "" {
			docID = stringField(record, "Award ID")
		}
		if docID == "" {
			docID = stringField(record, "generated_unique_award_id")
		}

		rawJSON, _ := json.Marshal(record)

		events = append(events, Event{
			Category:   "procurement",
			OccurredAt: parseActionDate(firstString(record, "Action Date", "action_date")),
			Source:     SourceName,
			SourceURL:  "https://www.usaspending.gov/award/" + stringField(record, "generated_unique_award_id"),
			DocID:      docID,
			PlaceText:  firstString(record, "Place of Performance", "place_of_performance"),
			Snippet:    firstString(record, "Description", "description"),
			RawJSON:    string(rawJSON),
			Hash:       fmt.Sprintf("%x", sum),
		})
	}
	return events
}

func insertEvents(ctx context.Context, db *sql.DB, events []Event) (int, error) {
	inserted := 0
	now := time.Now().UTC().Format(time.RFC3339)

	for _, e := range events {
		out, err := db.ExecContext(ctx, `
			INSERT INTO events (category, occurred_at, source, source_url, doc_id, place_text, snippet, raw_json, keywords, clauses, hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', '[]', ?, ?)
			ON CONFLICT(hash) DO NOTHING`,
			e.Category, nullable(e.OccurredAt), e.Source, nullable(e.SourceURL), nullable(e.DocID),
			nullable(e.PlaceText), nullable(e.Snippet), e.RawJSON, e.Hash, now,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert event %s: %w", e.Hash, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// parseActionDate accepts the handful of date shapes the API has been
// seen returning.
func parseActionDate(value string) string {
	if value == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006", "20060102", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

func stringField(record map[string]any, key string) string {
	s, _ := record[key].(string)
	return s
}

func firstString(record map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringField(record, key); s != "" {
			return s
		}
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
