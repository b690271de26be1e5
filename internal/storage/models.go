package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
// (or, for cache lookups, when no fresh completed record exists).
var ErrNotFound = errors.New("not found")

// QueryStatus is the lifecycle state of a Query.
// pending → in_flight → complete | failed; terminal states never change.
type QueryStatus string

const (
	StatusPending  QueryStatus = "pending"
	StatusInFlight QueryStatus = "in_flight"
	StatusComplete QueryStatus = "complete"
	StatusFailed   QueryStatus = "failed"
)

// Terminal reports whether the status is final.
func (s QueryStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Query is a single unit of research work and its outcome.
type Query struct {
	ID             string
	RawText        string
	NormalizedText string
	ContextRefs    []string // bill IDs, sorted; stored as a JSON array
	Fingerprint    string
	Status         QueryStatus
	Result         string
	ErrorKind      string
	ErrorMessage   string
	Model          string
	CreatedAt      time.Time
	CompletedAt    time.Time // zero until the query reaches a terminal state
}

// BillStatus is the lifecycle state of an uploaded bill.
type BillStatus string

const (
	BillPending    BillStatus = "pending"
	BillProcessing BillStatus = "processing"
	BillProcessed  BillStatus = "processed"
	BillFailed     BillStatus = "failed"
)

// Bill is an uploaded reference document and its summarization state.
type Bill struct {
	ID           string
	Filename     string
	Path         string
	Status       BillStatus
	Summary      string
	ErrorMessage string
	SizeBytes    int64
	UploadedAt   time.Time
	ProcessedAt  time.Time // zero until processed or failed
}

// HistoryFilter narrows a history listing. Zero values mean "no constraint".
type HistoryFilter struct {
	Status  QueryStatus // exact status match
	BillRef string      // queries whose context refs contain this bill ID
	From    time.Time   // created_at >= From
	To      time.Time   // created_at < To
}
