package bills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qalyd/qalyd/internal/storage"
)

type fakeBillStore struct {
	mu        sync.Mutex
	pending   []*storage.Bill
	completed map[string]string
	failed    map[string]string
	created   []storage.Bill
}

func (f *fakeBillStore) ClaimNextPendingBill() (*storage.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	b := f.pending[0]
	f.pending = f.pending[1:]
	return b, nil
}

func (f *fakeBillStore) CompleteBill(id, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed == nil {
		f.completed = make(map[string]string)
	}
	f.completed[id] = summary
	return nil
}

func (f *fakeBillStore) FailBill(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	return nil
}

func (f *fakeBillStore) CreateBill(b storage.Bill) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, b)
	return nil
}

type fakeSummarizer struct {
	mu       sync.Mutex
	texts    map[string]string
	err      error
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeSummarizer) Summarize(ctx context.Context, filename, text string) (string, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if cur <= m || f.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	if f.texts == nil {
		f.texts = make(map[string]string)
	}
	f.texts[filename] = text
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "summary of " + filename, nil
}

func writeBillFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// TestRunOnceProcessesBill claims one bill, extracts its text and stores the summary.
func TestRunOnceProcessesBill(t *testing.T) {
	dir := t.TempDir()
	path := writeBillFile(t, dir, "invoice.txt", "Hospital invoice: ER visit, $4,200")

	store := &fakeBillStore{pending: []*storage.Bill{{ID: "b-1", Filename: "invoice.txt", Path: path}}}
	sum := &fakeSummarizer{}
	w := NewWorker(store, sum, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Error("RunOnce = false, want true")
	}

	if got := store.completed["b-1"]; got != "summary of invoice.txt" {
		t.Errorf("completed summary = %q, want summarizer output", got)
	}
	if got := sum.texts["invoice.txt"]; !strings.Contains(got, "$4,200") {
		t.Errorf("summarizer received %q, want extracted text", got)
	}
	if len(store.failed) != 0 {
		t.Errorf("failed = %v, want none", store.failed)
	}
}

// TestRunOnceNoPendingBills verifies an empty queue is not an error.
func TestRunOnceNoPendingBills(t *testing.T) {
	w := NewWorker(&fakeBillStore{}, &fakeSummarizer{}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce = true, want false")
	}
}

// TestRunOnceFailsBillOnSummarizerError marks the bill failed and keeps going.
func TestRunOnceFailsBillOnSummarizerError(t *testing.T) {
	dir := t.TempDir()
	path := writeBillFile(t, dir, "bad.txt", "some bill text")

	store := &fakeBillStore{pending: []*storage.Bill{{ID: "b-err", Filename: "bad.txt", Path: path}}}
	sum := &fakeSummarizer{err: errors.New("model unavailable")}
	w := NewWorker(store, sum, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Error("RunOnce = false, want true")
	}
	if reason := store.failed["b-err"]; !strings.Contains(reason, "model unavailable") {
		t.Errorf("failure reason = %q, want summarizer error", reason)
	}
	if len(store.completed) != 0 {
		t.Errorf("completed = %v, want none", store.completed)
	}
}

// TestRunOnceFailsBillOnUnreadableFile verifies extraction errors fail the bill.
func TestRunOnceFailsBillOnUnreadableFile(t *testing.T) {
	store := &fakeBillStore{pending: []*storage.Bill{{ID: "b-gone", Filename: "gone.txt", Path: "/nonexistent/gone.txt"}}}
	w := NewWorker(store, &fakeSummarizer{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := store.failed["b-gone"]; !ok {
		t.Errorf("failed = %v, want b-gone marked failed", store.failed)
	}
}

// TestRunOnceDrainsInBatches verifies one iteration takes at most a batch.
func TestRunOnceDrainsInBatches(t *testing.T) {
	dir := t.TempDir()
	store := &fakeBillStore{}
	for _, id := range []string{"b-1", "b-2", "b-3", "b-4", "b-5"} {
		path := writeBillFile(t, dir, id+".txt", "text for "+id)
		store.pending = append(store.pending, &storage.Bill{ID: id, Filename: id + ".txt", Path: path})
	}
	w := NewWorker(store, &fakeSummarizer{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if len(store.completed) != 4 {
		t.Errorf("completed after first batch = %d, want 4", len(store.completed))
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(store.completed) != 5 {
		t.Errorf("completed after second batch = %d, want 5", len(store.completed))
	}
}

// TestRunOnceLimitsConcurrentSummaries verifies at most two summarizer calls
// run at once within a batch.
func TestRunOnceLimitsConcurrentSummaries(t *testing.T) {
	dir := t.TempDir()
	store := &fakeBillStore{}
	for _, id := range []string{"b-1", "b-2", "b-3", "b-4"} {
		path := writeBillFile(t, dir, id+".txt", "text for "+id)
		store.pending = append(store.pending, &storage.Bill{ID: id, Filename: id + ".txt", Path: path})
	}
	sum := &fakeSummarizer{delay: 30 * time.Millisecond}
	w := NewWorker(store, sum, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if m := sum.maxSeen.Load(); m > 2 {
		t.Errorf("max concurrent summaries = %d, want <= 2", m)
	}
	if len(store.completed) != 4 {
		t.Errorf("completed = %d, want 4", len(store.completed))
	}
}

// TestRunStopsWhenCancelled verifies the poll loop exits on context cancel.
func TestRunStopsWhenCancelled(t *testing.T) {
	w := NewWorker(&fakeBillStore{}, &fakeSummarizer{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// TestExtractText covers the plain text path, trimming and the empty case.
func TestExtractText(t *testing.T) {
	dir := t.TempDir()

	path := writeBillFile(t, dir, "note.txt", "  line item: $50  \n")
	text, err := ExtractText(path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "line item: $50" {
		t.Errorf("text = %q, want trimmed content", text)
	}

	empty := writeBillFile(t, dir, "empty.txt", "   \n\t")
	if _, err := ExtractText(empty); err == nil {
		t.Error("ExtractText on empty document, want error")
	}
}

// TestExtractTextTruncates caps oversized documents.
func TestExtractTextTruncates(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("a", maxExtractChars+500)
	path := writeBillFile(t, dir, "long.txt", long)

	text, err := ExtractText(path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if len(text) != maxExtractChars {
		t.Errorf("len = %d, want %d", len(text), maxExtractChars)
	}
}

// TestSaveUpload stores the file under dataDir/bills and records a pending bill.
func TestSaveUpload(t *testing.T) {
	dir := t.TempDir()
	store := &fakeBillStore{}

	b, err := SaveUpload(store, dir, "er-bill.txt", strings.NewReader("charges: $123"))
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}

	if b.Filename != "er-bill.txt" {
		t.Errorf("Filename = %q, want er-bill.txt", b.Filename)
	}
	if b.Status != storage.BillPending {
		t.Errorf("Status = %q, want pending", b.Status)
	}
	if b.SizeBytes != int64(len("charges: $123")) {
		t.Errorf("SizeBytes = %d, want %d", b.SizeBytes, len("charges: $123"))
	}

	data, err := os.ReadFile(b.Path)
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(data) != "charges: $123" {
		t.Errorf("stored content = %q, want original upload", data)
	}
	if filepath.Dir(b.Path) != filepath.Join(dir, "bills") {
		t.Errorf("stored under %q, want %q", filepath.Dir(b.Path), filepath.Join(dir, "bills"))
	}
	if len(store.created) != 1 || store.created[0].ID != b.ID {
		t.Errorf("created records = %+v, want one matching bill", store.created)
	}
}

// TestSaveUploadRejectsUnknownType refuses anything but pdf and txt.
func TestSaveUploadRejectsUnknownType(t *testing.T) {
	store := &fakeBillStore{}

	_, err := SaveUpload(store, t.TempDir(), "malware.exe", strings.NewReader("x"))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("error = %v, want ErrUnsupportedType", err)
	}
	if len(store.created) != 0 {
		t.Errorf("created = %+v, want none", store.created)
	}
}
