package bills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxExtractChars caps how much document text is handed to the summarizer.
const maxExtractChars = 24000

// ExtractText pulls plain text out of an uploaded bill. PDFs are parsed,
// anything else is read as plain text.
func ExtractText(path string) (string, error) {
	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		extracted, err := extractPDF(path)
		if err != nil {
			return "", err
		}
		text = extracted
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading document: %w", err)
		}
		text = string(data)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("document %s has no extractable text", filepath.Base(path))
	}
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return text, nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	content, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(content); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
