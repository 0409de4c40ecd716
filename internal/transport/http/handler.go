// Package httptransport is the thin HTTP layer over the ingestion and
// assessment services. Handlers parse and validate input, delegate, and
// translate coded domain errors into JSON responses; no business logic lives
// here.
package httptransport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"regradar/internal/assess"
	"regradar/internal/detector"
	"regradar/internal/ledger"
	"regradar/pkg/domain"
	dErrors "regradar/pkg/domain-errors"
	"regradar/pkg/platform/sentinel"
)

// Assessor is the slice of the assessment service the API needs.
type Assessor interface {
	Regenerate(ctx context.Context, versionID domain.VersionID) (*assess.Assessment, error)
}

// Handler serves the read API and the ingestion endpoint.
type Handler struct {
	ledger      ledger.Store
	assessments assess.Store
	assessor    Assessor
	detector    *detector.Detector
	log         *slog.Logger
	apiKey      string
}

// New creates a Handler. An empty apiKey disables authentication, for local
// development only.
func New(lg ledger.Store, assessments assess.Store, assessor Assessor, det *detector.Detector, log *slog.Logger, apiKey string) *Handler {
	return &Handler{
		ledger:      lg,
		assessments: assessments,
		assessor:    assessor,
		detector:    det,
		log:         log,
		apiKey:      apiKey,
	}
}

// Register mounts all routes on the given router. /healthz and /metrics stay
// outside the authenticated group so probes and scrapers need no key.
func (h *Handler) Register(r chi.Router) {
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/v1/ingest", h.handleIngest)
		r.Get("/v1/changes", h.handleListChanges)
		r.Get("/v1/documents/{id}", h.handleGetDocument)
		r.Get("/v1/impacts/{id}", h.handleGetImpact)
		r.Post("/v1/versions/{id}/regenerate", h.handleRegenerate)
	})
}

// requireAPIKey checks the X-API-Key header against the configured key.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	SourceID   string `json:"source_id"`
	ExternalID string `json:"external_id"`
	Content    string `json:"content"`
}

type ingestResponse struct {
	Status        string  `json:"status"`
	DocumentID    string  `json:"document_id"`
	VersionID     *string `json:"version_id,omitempty"`
	ChangeEventID *string `json:"change_event_id,omitempty"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	sourceID, err := domain.ParseSourceID(req.SourceID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	result, err := h.detector.Ingest(ctx, sourceID, req.ExternalID, []byte(req.Content))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	resp := ingestResponse{
		Status:     string(result.Status),
		DocumentID: result.Document.ID.String(),
	}
	if result.Version != nil {
		v := result.Version.ID.String()
		resp.VersionID = &v
	}
	if result.ChangeEventID != nil {
		e := result.ChangeEventID.String()
		resp.ChangeEventID = &e
	}
	status := http.StatusOK
	if result.Status == detector.StatusChanged {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

type documentRef struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Source     string `json:"source"`
}

type diffBody struct {
	Kind     string `json:"kind"`
	Unified  string `json:"unified"`
	Sections any    `json:"sections,omitempty"`
}

type impactBody struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Actions   []string  `json:"actions"`
	Score     *float64  `json:"score"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type changeBody struct {
	ID        string      `json:"id"`
	VersionID string      `json:"version_id"`
	CreatedAt time.Time   `json:"created_at"`
	Document  documentRef `json:"document"`
	Diff      diffBody    `json:"diff"`
	Impact    *impactBody `json:"impact"`
}

type paginationBody struct {
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"next_offset"`
	PrevOffset *int `json:"prev_offset"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// handleListChanges returns change events joined with their document and
// impact assessment, newest first by default. min_score drops events whose
// assessment is missing, degraded, or scored below the threshold; limit and
// offset page the result; sort accepts date, -date, score and -score.
func (h *Handler) handleListChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var filter ledger.ChangeFilter
	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		filter.Since = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.Until = &end
	}
	if v := q.Get("source_id"); v != "" {
		id, err := domain.ParseSourceID(v)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		filter.SourceID = &id
	}
	var minScore *float64
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil || score < 0 || score > 1 {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidInput, "min_score must be a number in [0, 1]"))
			return
		}
		minScore = &score
	}

	limit := defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidInput, "limit must be an integer in [1, 200]"))
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidInput, "offset must be a non-negative integer"))
			return
		}
		offset = n
	}
	sortKey := q.Get("sort")
	switch sortKey {
	case "", "date", "-date", "score", "-score":
	default:
		h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidInput, "invalid sort parameter"))
		return
	}

	// Date-ordered pages without a score filter page in the store, so only
	// the requested slice gets joined. Score-based filtering and sorting need
	// the assessments first, so those page in memory after the join.
	if minScore == nil && (sortKey == "" || sortKey == "-date") {
		total, err := h.ledger.CountChangeEvents(ctx, filter)
		if err != nil {
			h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "count change events"))
			return
		}
		filter.Limit = limit
		filter.Offset = offset
		events, err := h.ledger.ListChangeEvents(ctx, filter)
		if err != nil {
			h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "list change events"))
			return
		}
		items := make([]changeBody, 0, len(events))
		for _, event := range events {
			body, err := h.changeBody(ctx, event)
			if err != nil {
				h.writeError(ctx, w, err)
				return
			}
			items = append(items, body)
		}
		writeJSON(w, http.StatusOK, changesPage(items, total, limit, offset))
		return
	}

	events, err := h.ledger.ListChangeEvents(ctx, filter)
	if err != nil {
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "list change events"))
		return
	}

	all := make([]changeBody, 0, len(events))
	for _, event := range events {
		body, err := h.changeBody(ctx, event)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		if minScore != nil {
			if body.Impact == nil || body.Impact.Score == nil || *body.Impact.Score < *minScore {
				continue
			}
		}
		all = append(all, body)
	}
	sortChanges(all, sortKey)

	total := len(all)
	if offset < len(all) {
		all = all[offset:]
	} else {
		all = nil
	}
	if limit < len(all) {
		all = all[:limit]
	}
	writeJSON(w, http.StatusOK, changesPage(all, total, limit, offset))
}

func changesPage(items []changeBody, total, limit, offset int) map[string]any {
	if items == nil {
		items = []changeBody{}
	}
	p := paginationBody{Total: total, Limit: limit, Offset: offset}
	if next := offset + limit; next < total {
		p.NextOffset = &next
	}
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		p.PrevOffset = &prev
	}
	return map[string]any{"items": items, "pagination": p}
}

// sortChanges orders items in place; scored items come before unscored ones
// on either score order.
func sortChanges(items []changeBody, key string) {
	switch key {
	case "date":
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		})
	case "score":
		sort.SliceStable(items, func(i, j int) bool {
			a, aok := scoreOfChange(items[i])
			b, bok := scoreOfChange(items[j])
			if aok != bok {
				return aok
			}
			return aok && a < b
		})
	case "-score":
		sort.SliceStable(items, func(i, j int) bool {
			a, aok := scoreOfChange(items[i])
			b, bok := scoreOfChange(items[j])
			if aok != bok {
				return aok
			}
			return aok && a > b
		})
	}
}

func scoreOfChange(c changeBody) (float64, bool) {
	if c.Impact == nil || c.Impact.Score == nil {
		return 0, false
	}
	return *c.Impact.Score, true
}

func (h *Handler) changeBody(ctx context.Context, event *ledger.ChangeEvent) (changeBody, error) {
	version, err := h.ledger.GetVersion(ctx, event.VersionID)
	if err != nil {
		return changeBody{}, dErrors.Wrap(err, dErrors.CodeInternal, "load version")
	}
	doc, err := h.ledger.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return changeBody{}, dErrors.Wrap(err, dErrors.CodeInternal, "load document")
	}
	src, err := h.ledger.GetSource(ctx, doc.SourceID)
	if err != nil {
		return changeBody{}, dErrors.Wrap(err, dErrors.CodeInternal, "load source")
	}

	body := changeBody{
		ID:        event.ID.String(),
		VersionID: event.VersionID.String(),
		CreatedAt: event.CreatedAt,
		Document: documentRef{
			ID:         doc.ID.String(),
			ExternalID: doc.ExternalID,
			Source:     src.Name,
		},
		Diff: diffBody{
			Kind:     string(event.Diff.Kind),
			Unified:  event.Diff.Unified,
			Sections: event.Diff.Sections,
		},
	}

	impact, err := h.assessments.GetByVersion(ctx, event.VersionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return body, nil
		}
		return changeBody{}, dErrors.Wrap(err, dErrors.CodeInternal, "load assessment")
	}
	body.Impact = impactToBody(impact)
	return body, nil
}

type versionBody struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Hash      string    `json:"content_hash"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := domain.ParseDocumentID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	doc, err := h.ledger.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeNotFound, "document not found"))
			return
		}
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "load document"))
		return
	}
	src, err := h.ledger.GetSource(ctx, doc.SourceID)
	if err != nil {
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "load source"))
		return
	}
	versions, err := h.ledger.ListVersions(ctx, doc.ID)
	if err != nil {
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "list versions"))
		return
	}

	vs := make([]versionBody, 0, len(versions))
	for _, v := range versions {
		vs = append(vs, versionBody{
			ID:        v.ID.String(),
			Seq:       v.Seq,
			Hash:      string(v.ContentHash),
			CreatedAt: v.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          doc.ID.String(),
		"external_id": doc.ExternalID,
		"source":      src.Name,
		"created_at":  doc.CreatedAt,
		"versions":    vs,
	})
}

func (h *Handler) handleGetImpact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := domain.ParseAssessmentID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	a, err := h.assessments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeNotFound, "assessment not found"))
			return
		}
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeInternal, "load assessment"))
		return
	}

	body := impactToBody(a)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         body.ID,
		"version_id": a.VersionID.String(),
		"summary":    body.Summary,
		"actions":    body.Actions,
		"score":      body.Score,
		"status":     body.Status,
		"created_at": body.CreatedAt,
	})
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	versionID, err := domain.ParseVersionID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	a, err := h.assessor.Regenerate(ctx, versionID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, impactToBody(a))
}

func impactToBody(a *assess.Assessment) *impactBody {
	return &impactBody{
		ID:        a.ID.String(),
		Summary:   a.Summary,
		Actions:   a.Actions,
		Score:     a.Score,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
	}
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeInvalidInput, "date must be YYYY-MM-DD")
	}
	return t.UTC(), nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError translates coded domain errors into the JSON error envelope.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := dErrors.ToHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "request failed", "error", err.Error())
	}
	var de *dErrors.Error
	message := ""
	if errors.As(err, &de) {
		message = de.Message
	}
	writeJSON(w, status, errorBody{Error: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
