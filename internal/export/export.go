// Package export writes event and correlation data to CSV/JSONL files.
package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EventsResult reports a completed export.
type EventsResult struct {
	CSVPath   string `json:"csv"`
	JSONLPath string `json:"jsonl"`
	Count     int    `json:"count"`
}

var eventColumns = []string{
	"id", "hash", "entity_id", "category", "source", "doc_id",
	"source_url", "place_text", "snippet", "keywords", "clauses",
	"occurred_at", "created_at",
}

// Events writes every event to both a CSV and a JSONL file under
// outDir, stamped with the current date.
func Events(ctx context.Context, db *sql.DB, outDir string) (EventsResult, error) {
	var res EventsResult

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return res, fmt.Errorf("create export dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102")
	res.CSVPath = filepath.Join(outDir, "events_"+stamp+".csv")
	res.JSONLPath = filepath.Join(outDir, "events_"+stamp+".jsonl")

	rows, err := db.QueryContext(ctx, `
		SELECT id, hash, entity_id, category, source, doc_id, source_url,
		       place_text, snippet, keywords, clauses, occurred_at, created_at
		FROM events ORDER BY id`)
	if err != nil {
		return res, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	csvFile, err := os.Create(res.CSVPath)
	if err != nil {
		return res, fmt.Errorf("create csv: %w", err)
	}
	defer csvFile.Close()

	jsonlFile, err := os.Create(res.JSONLPath)
	if err != nil {
		return res, fmt.Errorf("create jsonl: %w", err)
	}
	defer jsonlFile.Close()

	w := csv.NewWriter(csvFile)
	if err := w.Write(eventColumns); err != nil {
		return res, fmt.Errorf("write csv header: %w", err)
	}

	enc := json.NewEncoder(jsonlFile)

	for rows.Next() {
		var id int64
		var entityID sql.NullInt64
		var hash, category, source string
		var docID, sourceURL, placeText, snippet, keywords, clauses, occurredAt, createdAt sql.NullString
		if err := rows.Scan(&id, &hash, &entityID, &category, &source, &docID, &sourceURL,
			&placeText, &snippet, &keywords, &clauses, &occurredAt, &createdAt); err != nil {
			return res, fmt.Errorf("scan event: %w", err)
		}

		entity := ""
		if entityID.Valid {
			entity = strconv.FormatInt(entityID.Int64, 10)
		}

		if err := w.Write([]string{
			strconv.FormatInt(id, 10), hash, entity, category, source, docID.String,
			sourceURL.String, placeText.String, snippet.String, keywords.String,
			clauses.String, occurredAt.String, createdAt.String,
		}); err != nil {
			return res, fmt.Errorf("write csv row: %w", err)
		}

		record := map[string]any{
			"id":          id,
			"hash":        hash,
			"category":    category,
			"source":      source,
			"doc_id":      docID.String,
			"source_url":  sourceURL.String,
			"place_text":  placeText.String,
			"snippet":     snippet.String,
			"keywords":    json.RawMessage(jsonOrNull(keywords)),
			"clauses":     json.RawMessage(jsonOrNull(clauses)),
			"occurred_at": occurredAt.String,
			"created_at":  createdAt.String,
		}
		if entityID.Valid {
			record["entity_id"] = entityID.Int64
		}
		if err := enc.Encode(record); err != nil {
			return res, fmt.Errorf("write jsonl row: %w", err)
		}

		res.Count++
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return res, fmt.Errorf("flush csv: %w", err)
	}
	return res, nil
}

func jsonOrNull(v sql.NullString) string {
	if !v.Valid || v.String == "" {
		return "null"
	}
	return v.String
}

// CorrelationsOptions filters a correlation export.
type CorrelationsOptions struct {
	Source     string `json:"source,omitempty"`      // keep only correlations with a linked event from this source
	Lane       string `json:"lane,omitempty"`        // correlation_key prefix, e.g. "same_entity"
	WindowDays int    `json:"window_days,omitempty"` // 0 means any window
	MinScore   int    `json:"min_score"`             // negative disables the filter
	Limit      int    `json:"limit"`
}

// CorrelationsResult reports a completed correlation export.
type CorrelationsResult struct {
	JSONPath string `json:"json"`
	Count    int    `json:"count"`
}

type correlationExport struct {
	ID             int64             `json:"id"`
	CorrelationKey string            `json:"correlation_key"`
	Score          string            `json:"score"`
	WindowDays     int               `json:"window_days"`
	RadiusKM       float64           `json:"radius_km"`
	LanesHit       json.RawMessage   `json:"lanes_hit"`
	Summary        string            `json:"summary,omitempty"`
	Rationale      string            `json:"rationale,omitempty"`
	CreatedAt      string            `json:"created_at,omitempty"`
	EventCount     int               `json:"event_count"`
	Events         []correlatedEvent `json:"events"`
}

type correlatedEvent struct {
	ID         int64         `json:"id"`
	Hash       string        `json:"hash"`
	Source     string        `json:"source"`
	DocID      string        `json:"doc_id,omitempty"`
	SourceURL  string        `json:"source_url,omitempty"`
	OccurredAt string        `json:"occurred_at,omitempty"`
	CreatedAt  string        `json:"created_at,omitempty"`
	Snippet    string        `json:"snippet,omitempty"`
	PlaceText  string        `json:"place_text,omitempty"`
	Entity     *linkedEntity `json:"entity"`
}

type linkedEntity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	UEI  string `json:"uei,omitempty"`
}

// Correlations writes the filtered correlations, each with its linked
// events, to a dated JSON file under outDir. The min-score filter is
// applied after loading: score is stored as text and non-numeric
// values never pass a numeric threshold.
func Correlations(ctx context.Context, db *sql.DB, outDir string, opts CorrelationsOptions) (CorrelationsResult, error) {
	var res CorrelationsResult

	if opts.Limit <= 0 {
		opts.Limit = 500
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return res, fmt.Errorf("create export dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102")
	res.JSONPath = filepath.Join(outDir, "correlations_"+stamp+".json")

	query := `
		SELECT id, correlation_key, score, window_days, radius_km, lanes_hit, summary, rationale, created_at
		FROM correlations WHERE 1=1`
	var args []any

	// the lane is the first key segment, so a prefix match scopes it
	if opts.Lane != "" {
		query += " AND correlation_key LIKE ?"
		args = append(args, opts.Lane+"|%")
	}
	if opts.WindowDays > 0 {
		query += " AND window_days = ?"
		args = append(args, opts.WindowDays)
	}
	if opts.Source != "" {
		query += ` AND id IN (
			SELECT DISTINCT cl.correlation_id
			FROM correlation_links cl
			JOIN events e ON e.id = cl.event_id
			WHERE e.source = ?)`
		args = append(args, opts.Source)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("query correlations: %w", err)
	}
	defer rows.Close()

	items := []correlationExport{}
	for rows.Next() {
		var c correlationExport
		var lanesHit string
		var summary, rationale, createdAt sql.NullString
		if err := rows.Scan(&c.ID, &c.CorrelationKey, &c.Score, &c.WindowDays,
			&c.RadiusKM, &lanesHit, &summary, &rationale, &createdAt); err != nil {
			return res, fmt.Errorf("scan correlation: %w", err)
		}
		c.LanesHit = json.RawMessage(lanesHit)
		c.Summary = summary.String
		c.Rationale = rationale.String
		c.CreatedAt = createdAt.String
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	if opts.MinScore >= 0 {
		kept := items[:0]
		for _, c := range items {
			n, err := strconv.Atoi(c.Score)
			if err == nil && n >= opts.MinScore {
				kept = append(kept, c)
			}
		}
		items = kept
	}

	for i := range items {
		events, err := correlationEvents(ctx, db, items[i].ID)
		if err != nil {
			return res, err
		}
		items[i].Events = events
		items[i].EventCount = len(events)
	}

	payload := map[string]any{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"source":      opts.Source,
		"lane":        opts.Lane,
		"window_days": opts.WindowDays,
		"min_score":   opts.MinScore,
		"limit":       opts.Limit,
		"count":       len(items),
		"items":       items,
	}

	f, err := os.Create(res.JSONPath)
	if err != nil {
		return res, fmt.Errorf("create json: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return res, fmt.Errorf("write json: %w", err)
	}

	res.Count = len(items)
	return res, nil
}

func correlationEvents(ctx context.Context, db *sql.DB, correlationID int64) ([]correlatedEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT e.id, e.hash, e.source, e.doc_id, e.source_url, e.occurred_at,
		       e.created_at, e.snippet, e.place_text, en.id, en.name, en.uei
		FROM correlation_links cl
		JOIN events e ON e.id = cl.event_id
		LEFT JOIN entities en ON en.id = e.entity_id
		WHERE cl.correlation_id = ?
		ORDER BY e.id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query correlation %d events: %w", correlationID, err)
	}
	defer rows.Close()

	events := []correlatedEvent{}
	for rows.Next() {
		var ev correlatedEvent
		var docID, sourceURL, occurredAt, createdAt, snippet, placeText sql.NullString
		var entID sql.NullInt64
		var entName, entUEI sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Hash, &ev.Source, &docID, &sourceURL,
			&occurredAt, &createdAt, &snippet, &placeText, &entID, &entName, &entUEI); err != nil {
			return nil, fmt.Errorf("scan correlated event: %w", err)
		}
		ev.DocID = docID.String
		ev.SourceURL = sourceURL.String
		ev.OccurredAt = occurredAt.String
		ev.CreatedAt = createdAt.String
		ev.Snippet = snippet.String
		ev.PlaceText = placeText.String
		if entID.Valid {
			ev.Entity = &linkedEntity{ID: entID.Int64, Name: entName.String, UEI: entUEI.String}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
