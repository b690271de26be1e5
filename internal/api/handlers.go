package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qalyd/qalyd/internal/bills"
	"github.com/qalyd/qalyd/internal/query"
	"github.com/qalyd/qalyd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultMaxUploadMB = 20

type AppDeps struct {
	Store       *storage.Store
	Queries     *query.Service
	DataDir     string
	Token       string
	MaxUploadMB int
}

// SubmitQueryRequest is the body of POST /queries.
type SubmitQueryRequest struct {
	Text     string   `json:"text"`
	BillRefs []string `json:"bill_refs"`
}

// QueryView is the wire shape of a query record.
type QueryView struct {
	QueryID      string   `json:"query_id"`
	Text         string   `json:"text"`
	BillRefs     []string `json:"bill_refs"`
	Status       string   `json:"status"`
	Result       string   `json:"result,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Model        string   `json:"model,omitempty"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// SubmitQueryResponse is a QueryView plus whether the cache answered.
type SubmitQueryResponse struct {
	QueryView
	Cached bool `json:"cached"`
}

// HistoryResponse is one page of past queries, newest first.
type HistoryResponse struct {
	Queries       []QueryView `json:"queries"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

// BillView is the wire shape of an uploaded bill.
type BillView struct {
	BillID       string `json:"bill_id"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	Summary      string `json:"summary,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	UploadedAt   string `json:"uploaded_at"`
	ProcessedAt  string `json:"processed_at,omitempty"`
}

// StatsResponse reports cache effectiveness and record counts.
type StatsResponse struct {
	CacheHits       int64          `json:"cache_hits"`
	CacheMisses     int64          `json:"cache_misses"`
	Coalesced       int64          `json:"coalesced"`
	QueriesByStatus map[string]int `json:"queries_by_status"`
	BillsByStatus   map[string]int `json:"bills_by_status"`
}

// NewHandler returns the qalyd HTTP API. /health is open; everything else
// requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	if deps.MaxUploadMB <= 0 {
		deps.MaxUploadMB = defaultMaxUploadMB
	}

	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/queries", handleSubmitQuery(deps))
		r.Get("/queries", handleQueryHistory(deps))
		r.Get("/queries/{id}", handleGetQuery(deps))
		r.Post("/bills", handleUploadBill(deps))
		r.Get("/bills", handleListBills(deps))
		r.Get("/bills/{id}", handleGetBill(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmitQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		q, cached, err := deps.Queries.Submit(r.Context(), query.Submission{
			Text:     req.Text,
			BillRefs: req.BillRefs,
		})
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SubmitQueryResponse{
			QueryView: queryView(q),
			Cached:    cached,
		})
	}
}

func handleGetQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		q, err := deps.Queries.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queryView(q))
	}
}

func handleQueryHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter storage.HistoryFilter

		if status := r.URL.Query().Get("status"); status != "" {
			switch s := storage.QueryStatus(status); s {
			case storage.StatusPending, storage.StatusInFlight, storage.StatusComplete, storage.StatusFailed:
				filter.Status = s
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
				return
			}
		}
		filter.BillRef = r.URL.Query().Get("bill")

		from, err := parseTimeParam(r, "from")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		filter.From = from

		to, err := parseTimeParam(r, "to")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		filter.To = to

		pageSize := parseIntParam(r, "page_size", 0, 100)
		pageToken := r.URL.Query().Get("page_token")

		queries, next, err := deps.Queries.History(filter, pageToken, pageSize)
		if errors.Is(err, storage.ErrInvalidCursor) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid page token")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queries: %v", err)
			return
		}

		views := make([]QueryView, len(queries))
		for i, q := range queries {
			views[i] = queryView(q)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(HistoryResponse{
			Queries:       views,
			NextPageToken: next,
		})
	}
}

func handleUploadBill(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, int64(deps.MaxUploadMB)<<20)

		file, header, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %dMB limit", deps.MaxUploadMB)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field: %v", err)
			return
		}
		defer file.Close()

		bill, err := bills.SaveUpload(deps.Store, deps.DataDir, header.Filename, file)
		if errors.Is(err, bills.ErrUnsupportedType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save upload: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(billView(bill))
	}
}

func handleListBills(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		records, err := deps.Store.ListBills(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list bills: %v", err)
			return
		}

		views := make([]BillView, len(records))
		for i, b := range records {
			views[i] = billView(b)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetBill(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		bill, err := deps.Store.GetBill(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "bill not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get bill: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(billView(bill))
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Queries.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to gather stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsResponse(stats))
	}
}

func queryView(q storage.Query) QueryView {
	v := QueryView{
		QueryID:      q.ID,
		Text:         q.RawText,
		BillRefs:     q.ContextRefs,
		Status:       string(q.Status),
		Result:       q.Result,
		ErrorKind:    q.ErrorKind,
		ErrorMessage: q.ErrorMessage,
		Model:        q.Model,
		CreatedAt:    q.CreatedAt.Format(time.RFC3339),
	}
	if v.BillRefs == nil {
		v.BillRefs = []string{}
	}
	if !q.CompletedAt.IsZero() {
		v.CompletedAt = q.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func billView(b storage.Bill) BillView {
	v := BillView{
		BillID:       b.ID,
		Filename:     b.Filename,
		Status:       string(b.Status),
		Summary:      b.Summary,
		ErrorMessage: b.ErrorMessage,
		SizeBytes:    b.SizeBytes,
		UploadedAt:   b.UploadedAt.Format(time.RFC3339),
	}
	if !b.ProcessedAt.IsZero() {
		v.ProcessedAt = b.ProcessedAt.Format(time.RFC3339)
	}
	return v
}

func statsResponse(st query.Stats) StatsResponse {
	queries := make(map[string]int, len(st.QueriesByStatus))
	for k, v := range st.QueriesByStatus {
		queries[string(k)] = v
	}
	billCounts := make(map[string]int, len(st.BillsByStatus))
	for k, v := range st.BillsByStatus {
		billCounts[string(k)] = v
	}
	return StatsResponse{
		CacheHits:       st.CacheHits,
		CacheMisses:     st.CacheMisses,
		Coalesced:       st.Coalesced,
		QueriesByStatus: queries,
		BillsByStatus:   billCounts,
	}
}

// parseTimeParam accepts RFC3339 timestamps or bare dates.
func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid %s: %q (want RFC3339 or YYYY-MM-DD)", key, s)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
