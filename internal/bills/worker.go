package bills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qalyd/qalyd/internal/storage"
)

const (
	batchSize     = 4
	maxConcurrent = 2
)

// BillStore abstracts the bill queue operations.
type BillStore interface {
	ClaimNextPendingBill() (*storage.Bill, error)
	CompleteBill(id, summary string) error
	FailBill(id, reason string) error
}

// Summarizer produces a short summary of a document's text.
type Summarizer interface {
	Summarize(ctx context.Context, filename, text string) (string, error)
}

// Worker drains pending bills from the store, extracts their text and stores
// the summarizer's output.
type Worker struct {
	store      BillStore
	summarizer Summarizer
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store BillStore, summarizer Summarizer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		summarizer: summarizer,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for pending bills until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims up to a batch of pending bills and processes them, at most
// two summarizer calls at a time. Returns true if any bill was processed
// (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var claimed []*storage.Bill
	for len(claimed) < batchSize {
		b, err := w.store.ClaimNextPendingBill()
		if err != nil {
			return len(claimed) > 0, fmt.Errorf("claiming bill: %w", err)
		}
		if b == nil {
			break
		}
		claimed = append(claimed, b)
	}
	if len(claimed) == 0 {
		return false, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, b := range claimed {
		g.Go(func() error {
			if err := w.processBill(gctx, b); err != nil {
				w.logger.Warn("bill processing failed", "bill_id", b.ID, "error", err)
				if failErr := w.store.FailBill(b.ID, err.Error()); failErr != nil {
					w.logger.Error("failed to mark bill as failed", "bill_id", b.ID, "error", failErr)
				}
			}
			return nil
		})
	}
	g.Wait()
	return true, nil
}

func (w *Worker) processBill(ctx context.Context, b *storage.Bill) error {
	text, err := ExtractText(b.Path)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}

	summary, err := w.summarizer.Summarize(ctx, b.Filename, text)
	if err != nil {
		return fmt.Errorf("summarizing: %w", err)
	}

	if err := w.store.CompleteBill(b.ID, summary); err != nil {
		return fmt.Errorf("recording summary: %w", err)
	}

	w.logger.Info("bill processed", "bill_id", b.ID, "filename", b.Filename)
	return nil
}
