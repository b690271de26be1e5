package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qalyd/qalyd/internal/query"
	"github.com/qalyd/qalyd/internal/reasoning"
	"github.com/qalyd/qalyd/internal/storage"
)

const testToken = "test-token-12345"

type stubReasoner struct {
	calls  atomic.Int64
	result string
	err    error
}

func (r *stubReasoner) Research(_ context.Context, _ string, _ []reasoning.BillContext) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return r.result, nil
}

func (r *stubReasoner) Model() string { return "stub-model" }

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store, *stubReasoner) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reasoner := &stubReasoner{result: "research findings"}
	svc := query.NewService(store, reasoner, time.Hour)

	handler := NewHandler(AppDeps{
		Store:       store,
		Queries:     svc,
		DataDir:     t.TempDir(),
		Token:       token,
		MaxUploadMB: 1,
	})
	return handler, store, reasoner
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func seedQuery(t *testing.T, store *storage.Store, id string, status storage.QueryStatus, createdAt time.Time) {
	t.Helper()
	q := storage.Query{
		ID:             id,
		RawText:        "query " + id,
		NormalizedText: "query " + id,
		ContextRefs:    []string{},
		Fingerprint:    "fp-" + id,
		Status:         status,
		CreatedAt:      createdAt,
	}
	if status.Terminal() {
		q.CompletedAt = createdAt.Add(time.Second)
	}
	if err := store.CreateQuery(q); err != nil {
		t.Fatalf("CreateQuery(%q) failed: %v", id, err)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/health", "", "")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", body, `{"status":"ok"}`)
	}
}

func TestSubmitQuery_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/queries", `{"text":"hello"}`, "")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestSubmitQuery(t *testing.T) {
	h, _, reasoner := setupHandler(t, testToken)

	body := `{"text":"What is the QALY impact of statins?"}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/queries", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp SubmitQueryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QueryID == "" {
		t.Fatal("response missing query_id")
	}
	if resp.Status != "complete" {
		t.Errorf("status = %q, want %q", resp.Status, "complete")
	}
	if resp.Result != "research findings" {
		t.Errorf("result = %q, want %q", resp.Result, "research findings")
	}
	if resp.Model != "stub-model" {
		t.Errorf("model = %q, want %q", resp.Model, "stub-model")
	}
	if resp.Cached {
		t.Error("first submission reported cached = true")
	}
	if got := reasoner.calls.Load(); got != 1 {
		t.Errorf("reasoner calls = %d, want 1", got)
	}
}

func TestSubmitQuery_CachedOnRepeat(t *testing.T) {
	h, _, reasoner := setupHandler(t, testToken)

	body := `{"text":"cost per QALY of dialysis"}`

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/queries", body, testToken))
	var first SubmitQueryResponse
	json.NewDecoder(rr.Body).Decode(&first)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/queries", body, testToken))
	var second SubmitQueryResponse
	json.NewDecoder(rr.Body).Decode(&second)

	if !second.Cached {
		t.Error("second submission reported cached = false")
	}
	if second.QueryID != first.QueryID {
		t.Errorf("second query_id = %q, want %q", second.QueryID, first.QueryID)
	}
	if got := reasoner.calls.Load(); got != 1 {
		t.Errorf("reasoner calls = %d, want 1", got)
	}
}

func TestSubmitQuery_EmptyText(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/queries", `{"text":"   "}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSubmitQuery_UnknownBill(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	body := `{"text":"analyze this","bill_refs":["b-missing"]}`
	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/queries", body, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "b-missing") {
		t.Errorf("error body %q does not name the unknown bill", rr.Body.String())
	}
}

func TestSubmitQuery_FailureIsTerminalRecord(t *testing.T) {
	h, _, reasoner := setupHandler(t, testToken)
	reasoner.err = &reasoning.ServiceError{Class: reasoning.ClassAuth, Message: "bad key"}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodPost, "/queries", `{"text":"doomed"}`, testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp SubmitQueryResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Status != "failed" {
		t.Errorf("status = %q, want %q", resp.Status, "failed")
	}
	if resp.ErrorKind != "auth" {
		t.Errorf("error_kind = %q, want %q", resp.ErrorKind, "auth")
	}
	if resp.ErrorMessage == "" {
		t.Error("error_message is empty")
	}
}

func TestGetQuery(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)
	seedQuery(t, store, "q-get-1", storage.StatusComplete, time.Now().UTC().Truncate(time.Second))

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries/q-get-1", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var got QueryView
	json.NewDecoder(rr.Body).Decode(&got)
	if got.QueryID != "q-get-1" {
		t.Errorf("query_id = %q, want %q", got.QueryID, "q-get-1")
	}
	if got.CompletedAt == "" {
		t.Error("completed_at missing for terminal query")
	}
}

func TestGetQuery_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries/nonexistent", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestQueryHistory_Paginated(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		seedQuery(t, store, fmt.Sprintf("q-%02d", i), storage.StatusComplete, base.Add(time.Duration(i)*time.Minute))
	}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries?page_size=2", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var page HistoryResponse
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Queries) != 2 {
		t.Fatalf("got %d queries, want 2", len(page.Queries))
	}
	if page.Queries[0].QueryID != "q-04" {
		t.Errorf("first query = %q, want %q (newest first)", page.Queries[0].QueryID, "q-04")
	}
	if page.NextPageToken == "" {
		t.Fatal("missing next_page_token")
	}

	rr = httptest.NewRecorder()
	req = authReq(http.MethodGet, "/queries?page_size=2&page_token="+page.NextPageToken, "", testToken)
	h.ServeHTTP(rr, req)

	var next HistoryResponse
	json.NewDecoder(rr.Body).Decode(&next)
	if len(next.Queries) != 2 {
		t.Fatalf("got %d queries on page 2, want 2", len(next.Queries))
	}
	if next.Queries[0].QueryID != "q-02" {
		t.Errorf("page 2 first query = %q, want %q", next.Queries[0].QueryID, "q-02")
	}
}

func TestQueryHistory_StatusFilter(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	now := time.Now().UTC().Truncate(time.Second)
	seedQuery(t, store, "q-done", storage.StatusComplete, now.Add(-2*time.Minute))
	seedQuery(t, store, "q-bad", storage.StatusFailed, now.Add(-time.Minute))

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries?status=failed", "", testToken)
	h.ServeHTTP(rr, req)

	var page HistoryResponse
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Queries) != 1 || page.Queries[0].QueryID != "q-bad" {
		t.Errorf("status filter returned %+v, want just q-bad", page.Queries)
	}
}

func TestQueryHistory_UnknownStatus(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries?status=bogus", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestQueryHistory_InvalidPageToken(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries?page_token=not-base64!", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestQueryHistory_InvalidFromDate(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries?from=yesterday", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestQueryHistory_Empty(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/queries", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var page HistoryResponse
	json.NewDecoder(rr.Body).Decode(&page)
	if page.Queries == nil {
		t.Error("queries is null, want []")
	}
	if len(page.Queries) != 0 {
		t.Errorf("got %d queries, want 0", len(page.Queries))
	}
}

func uploadRequest(t *testing.T, filename, content, token string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/bills", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestUploadBill(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "er-visit.txt", "ER visit, $1200", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp BillView
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.BillID == "" {
		t.Fatal("response missing bill_id")
	}
	if resp.Status != "pending" {
		t.Errorf("status = %q, want %q", resp.Status, "pending")
	}
	if resp.Filename != "er-visit.txt" {
		t.Errorf("filename = %q, want %q", resp.Filename, "er-visit.txt")
	}

	bill, err := store.GetBill(resp.BillID)
	if err != nil {
		t.Fatalf("GetBill(%q) failed: %v", resp.BillID, err)
	}
	if bill.SizeBytes != int64(len("ER visit, $1200")) {
		t.Errorf("SizeBytes = %d, want %d", bill.SizeBytes, len("ER visit, $1200"))
	}
}

func TestUploadBill_UnsupportedType(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "malware.exe", "MZ", testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestUploadBill_MissingFileField(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/bills", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestUploadBill_TooLarge(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	big := strings.Repeat("x", 2<<20)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "big.txt", big, testToken))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestListBills(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, uploadRequest(t, fmt.Sprintf("bill-%d.txt", i), "line items", testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("upload %d: status = %d", i, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/bills?limit=2", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var views []BillView
	json.NewDecoder(rr.Body).Decode(&views)
	if len(views) != 2 {
		t.Fatalf("got %d bills, want 2", len(views))
	}
}

func TestGetBill_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/bills/nonexistent", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestStats(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	body := `{"text":"average cost of an MRI"}`
	h.ServeHTTP(httptest.NewRecorder(), authReq(http.MethodPost, "/queries", body, testToken))
	h.ServeHTTP(httptest.NewRecorder(), authReq(http.MethodPost, "/queries", body, testToken))

	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/stats", "", testToken)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var stats StatsResponse
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.CacheMisses != 1 {
		t.Errorf("cache_misses = %d, want 1", stats.CacheMisses)
	}
	if stats.CacheHits != 1 {
		t.Errorf("cache_hits = %d, want 1", stats.CacheHits)
	}
	if stats.QueriesByStatus["complete"] != 1 {
		t.Errorf("queries_by_status[complete] = %d, want 1", stats.QueriesByStatus["complete"])
	}
}
