package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qalyd/qalyd/internal/fingerprint"
	"github.com/qalyd/qalyd/internal/inflight"
	"github.com/qalyd/qalyd/internal/reasoning"
	"github.com/qalyd/qalyd/internal/storage"
)

const (
	// DefaultCacheTTL is how long a completed result satisfies repeat
	// submissions of the same fingerprint.
	DefaultCacheTTL = 24 * time.Hour

	defaultPageSize = 20
	maxPageSize     = 100
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateQuery(q storage.Query) error
	GetQuery(id string) (storage.Query, error)
	MarkQueryInFlight(id string) error
	CompleteQuery(id, result, model string) (storage.Query, error)
	FailQuery(id, kind, message string) (storage.Query, error)
	LookupCached(fingerprint string, ttl time.Duration) (storage.Query, error)
	History(filter storage.HistoryFilter, pageToken string, pageSize int) ([]storage.Query, string, error)
	CountQueriesByStatus() (map[storage.QueryStatus]int, error)
	GetBill(id string) (storage.Bill, error)
	BillExists(id string) (bool, error)
	CountBillsByStatus() (map[storage.BillStatus]int, error)
}

// Reasoner runs research calls against the reasoning service.
type Reasoner interface {
	Research(ctx context.Context, queryText string, bills []reasoning.BillContext) (string, error)
	Model() string
}

// Submission is one research query request.
type Submission struct {
	Text     string
	BillRefs []string
}

// Service orchestrates submissions: validate, fingerprint, consult the cache,
// and coalesce concurrent identical queries into one reasoning call.
type Service struct {
	store    Store
	reasoner Reasoner
	flights  inflight.Coordinator
	cacheTTL time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// NewService creates a Service. cacheTTL <= 0 selects DefaultCacheTTL.
func NewService(store Store, reasoner Reasoner, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Service{store: store, reasoner: reasoner, cacheTTL: cacheTTL}
}

// Submit resolves a submission to a query record with a terminal status. The
// bool reports whether the result came from the cache. A reasoning failure is
// not an error here: it resolves to a failed record. Errors are reserved for
// rejected input (ValidationError) and storage trouble.
//
// ctx bounds only this caller's wait. Once a reasoning call is in flight it
// runs to completion and its outcome is recorded even if every submitter has
// gone away.
func (s *Service) Submit(ctx context.Context, sub Submission) (storage.Query, bool, error) {
	for _, ref := range sub.BillRefs {
		exists, err := s.store.BillExists(ref)
		if err != nil {
			return storage.Query{}, false, fmt.Errorf("checking bill %s: %w", ref, err)
		}
		if !exists {
			return storage.Query{}, false, &ValidationError{Reason: fmt.Sprintf("unknown bill reference %q", ref)}
		}
	}

	fp, err := fingerprint.Build(sub.Text, sub.BillRefs)
	if err != nil {
		return storage.Query{}, false, &ValidationError{Reason: err.Error()}
	}

	cached, err := s.store.LookupCached(fp.Digest, s.cacheTTL)
	if err == nil {
		s.hits.Add(1)
		slog.Debug("cache hit", "query_id", cached.ID, "fingerprint", fp.Digest)
		return cached, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Query{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	s.misses.Add(1)

	flightCtx := context.WithoutCancel(ctx)
	result, shared, err := s.flights.Join(ctx, fp.Digest, func() (*storage.Query, error) {
		return s.runFlight(flightCtx, fp, sub)
	})
	if err != nil {
		return storage.Query{}, false, err
	}
	if shared {
		s.coalesced.Add(1)
	}
	return *result, false, nil
}

// runFlight owns the single execution for a fingerprint: it creates the one
// record every coalesced submitter shares, calls the reasoning service, and
// records the terminal state.
func (s *Service) runFlight(ctx context.Context, fp fingerprint.Fingerprint, sub Submission) (*storage.Query, error) {
	// A completion may have landed between the submitter's lookup and this
	// flight starting.
	if cached, err := s.store.LookupCached(fp.Digest, s.cacheTTL); err == nil {
		return &cached, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	q := storage.Query{
		ID:             uuid.New().String(),
		RawText:        sub.Text,
		NormalizedText: fp.NormalizedText,
		ContextRefs:    fp.ContextRefs,
		Fingerprint:    fp.Digest,
		Status:         storage.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateQuery(q); err != nil {
		return nil, fmt.Errorf("creating query record: %w", err)
	}
	if err := s.store.MarkQueryInFlight(q.ID); err != nil {
		return nil, fmt.Errorf("marking query in flight: %w", err)
	}

	slog.Info("research query dispatched",
		"query_id", q.ID, "fingerprint", fp.Digest, "bills", len(fp.ContextRefs))

	bills, err := s.billContexts(fp.ContextRefs)
	if err != nil {
		return nil, err
	}

	result, err := s.reasoner.Research(ctx, sub.Text, bills)
	if err != nil {
		kind := errorKind(err)
		failed, ferr := s.store.FailQuery(q.ID, kind, err.Error())
		if ferr != nil {
			return nil, fmt.Errorf("recording query failure: %w", ferr)
		}
		slog.Warn("research query failed", "query_id", q.ID, "kind", kind)
		return &failed, nil
	}

	done, err := s.store.CompleteQuery(q.ID, result, s.reasoner.Model())
	if err != nil {
		return nil, fmt.Errorf("recording query result: %w", err)
	}
	slog.Info("research query complete", "query_id", q.ID)
	return &done, nil
}

// billContexts loads summaries for the referenced bills. Bills still waiting
// on the summarizer contribute nothing yet.
func (s *Service) billContexts(refs []string) ([]reasoning.BillContext, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	contexts := make([]reasoning.BillContext, 0, len(refs))
	for _, ref := range refs {
		b, err := s.store.GetBill(ref)
		if err != nil {
			return nil, fmt.Errorf("loading bill %s: %w", ref, err)
		}
		if b.Summary == "" {
			continue
		}
		contexts = append(contexts, reasoning.BillContext{Filename: b.Filename, Summary: b.Summary})
	}
	return contexts, nil
}

func errorKind(err error) string {
	var svcErr *reasoning.ServiceError
	if errors.As(err, &svcErr) {
		return string(svcErr.Class)
	}
	return "unknown"
}

// Get returns one query by ID.
func (s *Service) Get(id string) (storage.Query, error) {
	return s.store.GetQuery(id)
}

// History returns a page of past queries, newest first.
func (s *Service) History(filter storage.HistoryFilter, pageToken string, pageSize int) ([]storage.Query, string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.store.History(filter, pageToken, pageSize)
}

// Stats is a point-in-time snapshot of cache counters and record counts.
type Stats struct {
	CacheHits       int64
	CacheMisses     int64
	Coalesced       int64
	QueriesByStatus map[storage.QueryStatus]int
	BillsByStatus   map[storage.BillStatus]int
}

// Stats reports cache effectiveness and store contents. Coalesced counts
// submissions that shared a flight with at least one other submission.
func (s *Service) Stats() (Stats, error) {
	queries, err := s.store.CountQueriesByStatus()
	if err != nil {
		return Stats{}, fmt.Errorf("counting queries: %w", err)
	}
	bills, err := s.store.CountBillsByStatus()
	if err != nil {
		return Stats{}, fmt.Errorf("counting bills: %w", err)
	}
	return Stats{
		CacheHits:       s.hits.Load(),
		CacheMisses:     s.misses.Load(),
		Coalesced:       s.coalesced.Load(),
		QueriesByStatus: queries,
		BillsByStatus:   bills,
	}, nil
}
