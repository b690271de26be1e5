package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrInvalidCursor is returned when a page token cannot be decoded.
var ErrInvalidCursor = errors.New("invalid page token")

// historyCursor is the keyset position encoded into a history page token.
// It names the last row of the previous page, so inserts that land after a
// page was fetched never shift or duplicate results within that page.
type historyCursor struct {
	CreatedAt string `json:"created_at"` // RFC3339, UTC
	ID        string `json:"id"`
}

// encode serializes the cursor into an opaque page token. The URL-safe
// alphabet keeps tokens intact inside query strings.
func (c historyCursor) encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeHistoryCursor parses a page token produced by encode.
func decodeHistoryCursor(token string) (historyCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return historyCursor{}, ErrInvalidCursor
	}
	var c historyCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return historyCursor{}, ErrInvalidCursor
	}
	if c.CreatedAt == "" || c.ID == "" {
		return historyCursor{}, ErrInvalidCursor
	}
	return c, nil
}
