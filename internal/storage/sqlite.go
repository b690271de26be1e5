package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for queries and bills.
// The queries table doubles as the fingerprint cache: lookups hit an index
// on (fingerprint, status, completed_at), so no separate cache table exists.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "qalyd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Queries ---

const queryColumns = `id, raw_text, normalized_text, context_refs, fingerprint, status,
	result, error_kind, error_message, model, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(r rowScanner) (Query, error) {
	var q Query
	var refsJSON, createdAt string
	var completedAt sql.NullString
	err := r.Scan(&q.ID, &q.RawText, &q.NormalizedText, &refsJSON, &q.Fingerprint, &q.Status,
		&q.Result, &q.ErrorKind, &q.ErrorMessage, &q.Model, &createdAt, &completedAt)
	if err != nil {
		return Query{}, err
	}
	if err := json.Unmarshal([]byte(refsJSON), &q.ContextRefs); err != nil {
		return Query{}, fmt.Errorf("parsing context_refs for query %s: %w", q.ID, err)
	}
	if q.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Query{}, fmt.Errorf("parsing created_at for query %s: %w", q.ID, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		if q.CompletedAt, err = time.Parse(time.RFC3339, completedAt.String); err != nil {
			return Query{}, fmt.Errorf("parsing completed_at for query %s: %w", q.ID, err)
		}
	}
	return q, nil
}

// CreateQuery inserts a new query record. Status defaults to pending and
// created_at to the current time when unset.
func (s *Store) CreateQuery(q Query) error {
	status := q.Status
	if status == "" {
		status = StatusPending
	}
	refs := q.ContextRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshalling context refs: %w", err)
	}
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var completedAt any
	if !q.CompletedAt.IsZero() {
		completedAt = q.CompletedAt.UTC().Format(time.RFC3339)
	}

	_, err = s.db.Exec(`
		INSERT INTO queries (id, raw_text, normalized_text, context_refs, fingerprint, status, result, error_kind, error_message, model, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.RawText, q.NormalizedText, string(refsJSON), q.Fingerprint, string(status),
		q.Result, q.ErrorKind, q.ErrorMessage, q.Model,
		createdAt.UTC().Format(time.RFC3339), completedAt,
	)
	return err
}

func (s *Store) GetQuery(id string) (Query, error) {
	row := s.db.QueryRow(`SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	return q, err
}

// MarkQueryInFlight transitions a pending query to in_flight.
func (s *Store) MarkQueryInFlight(id string) error {
	res, err := s.db.Exec(`UPDATE queries SET status = 'in_flight' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteQuery transitions a query to complete and records its result.
// Idempotent: a query already in a terminal state is left unchanged and
// returned as-is.
func (s *Store) CompleteQuery(id, result, model string) (Query, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE queries SET status = 'complete', result = ?, model = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('complete', 'failed')`,
		result, model, now, id,
	)
	if err != nil {
		return Query{}, err
	}
	return s.GetQuery(id)
}

// FailQuery transitions a query to failed and records the error.
// Idempotent in the same way as CompleteQuery.
func (s *Store) FailQuery(id, kind, message string) (Query, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE queries SET status = 'failed', error_kind = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('complete', 'failed')`,
		kind, message, now, id,
	)
	if err != nil {
		return Query{}, err
	}
	return s.GetQuery(id)
}

// LookupCached returns the newest completed query for a fingerprint whose
// completed_at falls within the TTL window. Stale completions and failed
// queries stay in history but are never returned here.
func (s *Store) LookupCached(fp string, ttl time.Duration) (Query, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	row := s.db.QueryRow(`
		SELECT `+queryColumns+` FROM queries
		WHERE fingerprint = ? AND status = 'complete' AND completed_at > ?
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		fp, cutoff,
	)
	q, err := scanQuery(row)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	return q, err
}

// History returns a page of queries ordered by created_at descending
// (id descending breaks ties). The returned token fetches the next page;
// it is empty when no further rows exist. Page tokens encode a keyset
// cursor, so concurrent inserts never shift or duplicate returned pages.
func (s *Store) History(filter HistoryFilter, pageToken string, pageSize int) ([]Query, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BillRef != "" {
		// Refs are stored as a JSON array of quoted IDs.
		conds = append(conds, "instr(context_refs, ?) > 0")
		args = append(args, `"`+filter.BillRef+`"`)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}
	if pageToken != "" {
		c, err := decodeHistoryCursor(pageToken)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}

	query := `SELECT ` + queryColumns + ` FROM queries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, pageSize+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var results []Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, "", err
		}
		results = append(results, q)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(results) > pageSize {
		results = results[:pageSize]
		last := results[len(results)-1]
		next = historyCursor{
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339),
			ID:        last.ID,
		}.encode()
	}
	return results, next, nil
}

// CountQueriesByStatus returns the number of queries per status.
func (s *Store) CountQueriesByStatus() (map[QueryStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[QueryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[QueryStatus(status)] = n
	}
	return counts, rows.Err()
}

// --- Bills ---

const billColumns = `id, filename, path, status, summary, error_message, size_bytes, uploaded_at, processed_at`

func scanBill(r rowScanner) (Bill, error) {
	var b Bill
	var uploadedAt string
	var processedAt sql.NullString
	err := r.Scan(&b.ID, &b.Filename, &b.Path, &b.Status, &b.Summary, &b.ErrorMessage,
		&b.SizeBytes, &uploadedAt, &processedAt)
	if err != nil {
		return Bill{}, err
	}
	if b.UploadedAt, err = time.Parse(time.RFC3339, uploadedAt); err != nil {
		return Bill{}, fmt.Errorf("parsing uploaded_at for bill %s: %w", b.ID, err)
	}
	if processedAt.Valid && processedAt.String != "" {
		if b.ProcessedAt, err = time.Parse(time.RFC3339, processedAt.String); err != nil {
			return Bill{}, fmt.Errorf("parsing processed_at for bill %s: %w", b.ID, err)
		}
	}
	return b, nil
}

// CreateBill inserts a new bill record. Status defaults to pending and
// uploaded_at to the current time when unset.
func (s *Store) CreateBill(b Bill) error {
	status := b.Status
	if status == "" {
		status = BillPending
	}
	uploadedAt := b.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO bills (id, filename, path, status, summary, error_message, size_bytes, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Filename, b.Path, string(status), b.Summary, b.ErrorMessage,
		b.SizeBytes, uploadedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetBill(id string) (Bill, error) {
	row := s.db.QueryRow(`SELECT `+billColumns+` FROM bills WHERE id = ?`, id)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return Bill{}, ErrNotFound
	}
	return b, err
}

// BillExists reports whether a bill with the given ID exists.
func (s *Store) BillExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM bills WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListBills(limit int) ([]Bill, error) {
	rows, err := s.db.Query(`
		SELECT `+billColumns+` FROM bills ORDER BY uploaded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// ClaimNextPendingBill atomically claims the oldest pending bill for
// processing. Returns nil when no pending bill exists.
func (s *Store) ClaimNextPendingBill() (*Bill, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT ` + billColumns + ` FROM bills
		WHERE status = 'pending'
		ORDER BY uploaded_at ASC, id ASC
		LIMIT 1`)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next bill: %w", err)
	}

	res, err := tx.Exec(`UPDATE bills SET status = 'processing' WHERE id = ? AND status = 'pending'`, b.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming bill %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed bill rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	b.Status = BillProcessing
	return &b, nil
}

// CompleteBill marks a bill processed and stores its summary.
func (s *Store) CompleteBill(id, summary string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE bills SET status = 'processed', summary = ?, error_message = '', processed_at = ?
		WHERE id = ?`,
		summary, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailBill marks a bill failed and records the reason.
func (s *Store) FailBill(id, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE bills SET status = 'failed', error_message = ?, processed_at = ?
		WHERE id = ?`,
		reason, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountBillsByStatus returns the number of bills per status.
func (s *Store) CountBillsByStatus() (map[BillStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM bills GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[BillStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[BillStatus(status)] = n
	}
	return counts, rows.Err()
}
