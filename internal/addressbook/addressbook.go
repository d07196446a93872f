// Package addressbook maps destination codes to recipient addresses.
//
// The directory is a CSV supplied by an external process: one row per
// recipient, columns code,name,email, header skipped. Codes repeat when a
// destination has several recipients; row order is preserved.
package addressbook

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Book is a read-only lookup from destination code to recipient addresses.
type Book struct {
	byCode map[string][]string
}

// Empty returns a book with no entries. Lookups always miss.
func Empty() *Book { return &Book{byCode: map[string][]string{}} }

// FromRows builds a book directly from code -> addresses pairs.
func FromRows(rows map[string][]string) *Book {
	b := Empty()
	for code, addrs := range rows {
		b.byCode[code] = append([]string(nil), addrs...)
	}
	return b
}

// Load reads the CSV at path. Rows with fewer than three fields, or with
// an empty code or email, are skipped with a warning.
func Load(fsys billy.Filesystem, path string, log zerolog.Logger) (*Book, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("addressbook: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("addressbook: read %s: %w", path, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("addressbook: %s: %w", path, err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	b := Empty()
	line := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("addressbook: parse %s: %w", path, err)
		}
		line++
		if line == 1 {
			// header
			continue
		}
		if len(row) < 3 {
			log.Warn().Int("line", line).Msg("address row has fewer than three fields, skipping")
			continue
		}
		code := strings.TrimSpace(row[0])
		email := strings.TrimSpace(row[2])
		if code == "" || email == "" {
			continue
		}
		b.byCode[code] = append(b.byCode[code], email)
	}
	return b, nil
}

// Lookup returns the addresses for code, trying the exact key first and
// the leading-zero-stripped key as a fallback. Stripping is never applied
// to the primary key.
func (b *Book) Lookup(code string) []string {
	if addrs, ok := b.byCode[code]; ok {
		return addrs
	}
	if norm := Normalize(code); norm != code {
		if addrs, ok := b.byCode[norm]; ok {
			return addrs
		}
	}
	return nil
}

// Len reports how many distinct codes the book holds.
func (b *Book) Len() int { return len(b.byCode) }

// Normalize strips leading zeros from a numeric code. Non-numeric codes
// are returned unchanged.
func Normalize(code string) string {
	if code == "" || !isDigits(code) {
		return code
	}
	s := strings.TrimLeft(code, "0")
	if s == "" {
		return "0"
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// decode normalizes the raw file content to UTF-8. UTF-8 (with or without
// BOM) passes through; anything else is treated as GB18030, which covers
// the GBK exports produced by Excel on Chinese Windows.
func decode(raw []byte) ([]byte, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return raw, nil
	}
	out, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("not valid UTF-8 and GB18030 decode failed: %w", err)
	}
	return out, nil
}
