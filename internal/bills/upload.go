package bills

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qalyd/qalyd/internal/storage"
)

// ErrUnsupportedType rejects uploads that are neither PDF nor plain text.
var ErrUnsupportedType = errors.New("unsupported file type (want .pdf or .txt)")

// UploadStore records new bills.
type UploadStore interface {
	CreateBill(b storage.Bill) error
}

// SaveUpload streams an uploaded document into dataDir/bills and records it
// as pending so the worker picks it up.
func SaveUpload(s UploadStore, dataDir, filename string, r io.Reader) (storage.Bill, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".pdf" && ext != ".txt" {
		return storage.Bill{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	dir := filepath.Join(dataDir, "bills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.Bill{}, fmt.Errorf("creating bills directory: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(dir, id+ext)
	f, err := os.Create(path)
	if err != nil {
		return storage.Bill{}, fmt.Errorf("creating file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return storage.Bill{}, fmt.Errorf("writing file: %w", err)
	}

	b := storage.Bill{
		ID:         id,
		Filename:   filepath.Base(filename),
		Path:       path,
		Status:     storage.BillPending,
		SizeBytes:  size,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.CreateBill(b); err != nil {
		os.Remove(path)
		return storage.Bill{}, fmt.Errorf("recording bill: %w", err)
	}
	return b, nil
}
