// Package extract recovers plain text from uploaded lecture notes.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"
)

// ErrNoText is returned when a document holds no recoverable text, such as
// a scanned PDF without a text layer.
var ErrNoText = errors.New("no text could be extracted")

// Extractor returns the text content of a document.
type Extractor interface {
	ExtractText(ctx context.Context, r io.ReaderAt, size int64) (string, error)
}

// PDFExtractor extracts the text layer of a PDF.
type PDFExtractor struct{}

// ExtractText implements Extractor.
func (PDFExtractor) ExtractText(ctx context.Context, r io.ReaderAt, size int64) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The parser panics on some malformed files.
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("pdf reader: malformed document: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", ErrNoText
	}
	return string(b), nil
}

// PlainExtractor reads UTF-8 text files such as .txt or .md notes.
type PlainExtractor struct{}

// ExtractText implements Extractor.
func (PlainExtractor) ExtractText(ctx context.Context, r io.ReaderAt, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		return "", fmt.Errorf("text is not valid UTF-8")
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", ErrNoText
	}
	return string(b), nil
}

// Auto sniffs the leading bytes and dispatches to the PDF or plain text
// extractor.
type Auto struct {
	PDF   Extractor
	Plain Extractor
}

// NewAuto returns an Auto using PDFExtractor and PlainExtractor.
func NewAuto() *Auto {
	return &Auto{PDF: PDFExtractor{}, Plain: PlainExtractor{}}
}

var pdfMagic = []byte("%PDF-")

// ExtractText implements Extractor.
func (a *Auto) ExtractText(ctx context.Context, r io.ReaderAt, size int64) (string, error) {
	if size == 0 {
		return "", ErrNoText
	}
	head := make([]byte, min(int64(1024), size))
	n, err := r.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read header: %w", err)
	}
	if bytes.Contains(head[:n], pdfMagic) {
		return a.PDF.ExtractText(ctx, r, size)
	}
	return a.Plain.ExtractText(ctx, r, size)
}
