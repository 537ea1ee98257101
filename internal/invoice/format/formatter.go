// Package format renders invoice numbers from a token layout.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)

// DefaultInvoiceNumberLayout yields INV-00001, INV-00002, ...
const DefaultInvoiceNumberLayout = "INV-{SEQ5}"

var (
	ErrEmptyLayout     = errors.New("invoice number layout is empty")
	ErrInvalidSequence = errors.New("invalid invoice sequence")
)

// FormatInvoiceNumber renders seq into layout. Supported tokens are
// {YYYY} {YY} {MM} {DD} {SEQ} and {SEQn}, where n is the zero-padded width.
// Date tokens use the invoice issue date.
func FormatInvoiceNumber(layout string, issuedAt time.Time, seq int64) (string, error) {
	if strings.TrimSpace(layout) == "" {
		return "", ErrEmptyLayout
	}
	if seq <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}

	out := layout
	out = strings.ReplaceAll(out, "{YYYY}", issuedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", issuedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", issuedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", issuedAt.Format("02"))
	out = strings.ReplaceAll(out, "{SEQ}", strconv.FormatInt(seq, 10))

	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := seqPadRe.FindStringSubmatch(m)
		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 || width > 20 {
			return m
		}
		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("unresolved token in invoice number layout %q", layout)
	}
	return out, nil
}

// ValidateLayout reports whether layout renders without unresolved tokens.
func ValidateLayout(layout string) error {
	_, err := FormatInvoiceNumber(layout, time.Unix(0, 0).UTC(), 1)
	return err
}
