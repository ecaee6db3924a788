// Package api exposes read-only views over correlations, lead
// snapshots and deltas. Mutation stays with the CLI.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shadowscope/shadowscope/internal/leads"
)

// Server holds the handler dependencies.
type Server struct {
	DB     *sql.DB
	Logger *slog.Logger
}

// NewServer returns a Server bound to db.
func NewServer(db *sql.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{DB: db, Logger: logger}
}

// Router builds the chi router for the read-only API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleListEvents)
	r.Get("/correlations", s.handleListCorrelations)
	r.Get("/correlations/{id}", s.handleGetCorrelation)
	r.Get("/leads/snapshots/{id}", s.handleGetSnapshot)
	r.Get("/leads/deltas", s.handleDelta)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventOut struct {
	ID         int64           `json:"id"`
	EntityID   *int64          `json:"entity_id"`
	Category   string          `json:"category"`
	Source     string          `json:"source"`
	DocID      string          `json:"doc_id,omitempty"`
	SourceURL  string          `json:"source_url,omitempty"`
	PlaceText  string          `json:"place_text,omitempty"`
	Snippet    string          `json:"snippet,omitempty"`
	Keywords   json.RawMessage `json:"keywords,omitempty"`
	Clauses    json.RawMessage `json:"clauses,omitempty"`
	Hash       string          `json:"hash"`
	OccurredAt string          `json:"occurred_at,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("source")
	dateFrom := q.Get("date_from")
	dateTo := q.Get("date_to")
	snippet := q.Get("q")
	limit := clamp(intParam(q.Get("limit"), 50), 1, 500)
	offset := intParam(q.Get("offset"), 0)

	where := " WHERE 1=1"
	var args []any
	if source != "" {
		where += " AND source = ?"
		args = append(args, source)
	}
	if dateFrom != "" {
		where += " AND occurred_at >= ?"
		args = append(args, dateFrom)
	}
	if dateTo != "" {
		where += " AND occurred_at <= ?"
		args = append(args, dateTo)
	}
	if snippet != "" {
		where += " AND snippet LIKE ?"
		args = append(args, "%"+snippet+"%")
	}

	var total int
	if err := s.DB.QueryRowContext(r.Context(),
		"SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		s.fail(w, r, err)
		return
	}

	query := `SELECT id, entity_id, category, source, doc_id, source_url, place_text,
		snippet, keywords, clauses, hash, occurred_at, created_at
		FROM events` + where +
		" ORDER BY occurred_at IS NULL, occurred_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.DB.QueryContext(r.Context(), query, append(args, limit, offset)...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rows.Close()

	items := []eventOut{}
	for rows.Next() {
		var e eventOut
		var entityID sql.NullInt64
		var docID, sourceURL, placeText, snip, keywords, clauses, occurredAt, createdAt sql.NullString
		if err := rows.Scan(&e.ID, &entityID, &e.Category, &e.Source, &docID, &sourceURL,
			&placeText, &snip, &keywords, &clauses, &e.Hash, &occurredAt, &createdAt); err != nil {
			s.fail(w, r, err)
			return
		}
		if entityID.Valid {
			e.EntityID = &entityID.Int64
		}
		e.DocID = docID.String
		e.SourceURL = sourceURL.String
		e.PlaceText = placeText.String
		e.Snippet = snip.String
		if keywords.Valid {
			e.Keywords = json.RawMessage(keywords.String)
		}
		if clauses.Valid {
			e.Clauses = json.RawMessage(clauses.String)
		}
		e.OccurredAt = occurredAt.String
		e.CreatedAt = createdAt.String
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

type correlationOut struct {
	ID             int64           `json:"id"`
	CorrelationKey string          `json:"correlation_key"`
	Score          string          `json:"score"`
	WindowDays     int             `json:"window_days"`
	RadiusKM       float64         `json:"radius_km"`
	LanesHit       json.RawMessage `json:"lanes_hit"`
	Summary        string          `json:"summary,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
}

func (s *Server) handleListCorrelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lane := q.Get("lane")
	windowDays := intParam(q.Get("window_days"), 0)
	minScore := intParam(q.Get("min_score"), -1)
	limit := clamp(intParam(q.Get("limit"), 50), 1, 500)
	offset := intParam(q.Get("offset"), 0)

	query := "SELECT id, correlation_key, score, window_days, radius_km, lanes_hit, summary, rationale, created_at FROM correlations WHERE 1=1"
	var args []any

	// the lane is the first key segment, so a prefix match scopes it
	if lane != "" {
		query += " AND correlation_key LIKE ?"
		args = append(args, lane+"|%")
	}
	if windowDays > 0 {
		query += " AND window_days = ?"
		args = append(args, windowDays)
	}
	if minScore >= 0 {
		// score is stored as text for legacy compatibility; cast is
		// best-effort
		query += " AND CAST(score AS INTEGER) >= ?"
		args = append(args, minScore)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(r.Context(), query, args...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rows.Close()

	items := []correlationOut{}
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"limit":  limit,
		"offset": offset,
		"items":  items,
	})
}

func (s *Server) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid correlation id", http.StatusBadRequest)
		return
	}

	row := s.DB.QueryRowContext(r.Context(), `
		SELECT id, correlation_key, score, window_days, radius_km, lanes_hit, summary, rationale, created_at
		FROM correlations WHERE id = ?`, id)
	c, err := scanCorrelation(row)
	if err == sql.ErrNoRows {
		http.Error(w, "correlation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rows, err := s.DB.QueryContext(r.Context(), `
		SELECT e.id, e.hash, e.source, e.doc_id, e.occurred_at, e.created_at, e.snippet, e.place_text
		FROM correlation_links cl
		JOIN events e ON e.id = cl.event_id
		WHERE cl.correlation_id = ?
		ORDER BY e.id`, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rows.Close()

	events := []map[string]any{}
	for rows.Next() {
		var eid int64
		var hash, source string
		var docID, occurredAt, createdAt, snippet, placeText sql.NullString
		if err := rows.Scan(&eid, &hash, &source, &docID, &occurredAt, &createdAt, &snippet, &placeText); err != nil {
			s.fail(w, r, err)
			return
		}
		events = append(events, map[string]any{
			"id":          eid,
			"hash":        hash,
			"source":      source,
			"doc_id":      docID.String,
			"occurred_at": occurredAt.String,
			"created_at":  createdAt.String,
			"snippet":     snippet.String,
			"place_text":  placeText.String,
		})
	}
	if err := rows.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"correlation": c,
		"events":      events,
		"event_count": len(events),
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid snapshot id", http.StatusBadRequest)
		return
	}

	var createdAt, scoringVersion string
	var source, notes sql.NullString
	var minScore, itemLimit int
	err = s.DB.QueryRowContext(r.Context(), `
		SELECT created_at, source, min_score, item_limit, scoring_version, notes
		FROM lead_snapshots WHERE id = ?`, id,
	).Scan(&createdAt, &source, &minScore, &itemLimit, &scoringVersion, &notes)
	if err == sql.ErrNoRows {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rows, err := s.DB.QueryContext(r.Context(), `
		SELECT event_hash, event_id, rank, score, score_details
		FROM lead_snapshot_items WHERE snapshot_id = ? ORDER BY rank`, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rows.Close()

	items := []map[string]any{}
	for rows.Next() {
		var hash string
		var eventID int64
		var rank, score int
		var details sql.NullString
		if err := rows.Scan(&hash, &eventID, &rank, &score, &details); err != nil {
			s.fail(w, r, err)
			return
		}
		item := map[string]any{
			"event_hash": hash,
			"event_id":   eventID,
			"rank":       rank,
			"score":      score,
		}
		if details.Valid {
			item["score_details"] = json.RawMessage(details.String)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":              id,
		"created_at":      createdAt,
		"source":          source.String,
		"min_score":       minScore,
		"limit":           itemLimit,
		"scoring_version": scoringVersion,
		"notes":           notes.String,
		"items":           items,
	})
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	from := intParam(r.URL.Query().Get("from"), 0)
	to := intParam(r.URL.Query().Get("to"), 0)
	if from <= 0 || to <= 0 {
		http.Error(w, "from and to snapshot ids are required", http.StatusBadRequest)
		return
	}

	report, err := leads.Delta(r.Context(), s.DB, int64(from), int64(to))
	if errors.Is(err, leads.ErrSnapshotNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListenAndServe runs the API until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.Logger.Info("api listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.Logger.Error("request failed", "path", r.URL.Path, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCorrelation(row rowScanner) (correlationOut, error) {
	var c correlationOut
	var lanesHit string
	var summary, rationale, createdAt sql.NullString
	err := row.Scan(&c.ID, &c.CorrelationKey, &c.Score, &c.WindowDays, &c.RadiusKM, &lanesHit, &summary, &rationale, &createdAt)
	if err != nil {
		return c, err
	}
	c.LanesHit = json.RawMessage(lanesHit)
	c.Summary = summary.String
	c.Rationale = rationale.String
	c.CreatedAt = createdAt.String
	return c, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
