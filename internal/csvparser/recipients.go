// Package csvparser reads bulk recipient lists. Each data row yields one
// recipient; the other columns become template variables for that row.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

// RecipientRow is a single recipient extracted from a CSV.
type RecipientRow struct {
	Line      int
	Recipient string
	Fields    map[string]string
}

// RowError records a data row that was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result holds the parsed rows plus the rows that were skipped.
type Result struct {
	Rows    []RecipientRow
	Skipped []RowError
}

// ParseRecipientRows parses a CSV whose header contains a recipient, email
// or phone column (case-insensitive). maxRows limits how many data rows are
// accepted; zero or less means DefaultMaxRows. Rows beyond the limit are an
// error rather than silently dropped.
func ParseRecipientRows(r io.Reader, maxRows int) (Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, errors.New("csv is empty")
		}
		return Result{}, err
	}
	h, err := parseHeader(headers)
	if err != nil {
		return Result{}, err
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var res Result
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped = append(res.Skipped, RowError{Line: perr.Line, Reason: perr.Err.Error()})
				continue
			}
			return Result{}, err
		}
		line, _ := reader.FieldPos(0)
		if len(record) != len(h.names) {
			res.Skipped = append(res.Skipped, RowError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d columns, got %d", len(h.names), len(record)),
			})
			continue
		}

		recipient := strings.TrimSpace(record[h.recipientIdx])
		if recipient == "" {
			res.Skipped = append(res.Skipped, RowError{Line: line, Reason: "empty recipient"})
			continue
		}

		if len(res.Rows) == maxRows {
			return Result{}, fmt.Errorf("csv has more than %d data rows", maxRows)
		}
		res.Rows = append(res.Rows, RecipientRow{
			Line:      line,
			Recipient: recipient,
			Fields:    h.fields(record),
		})
	}

	if len(res.Rows) == 0 {
		return Result{}, errors.New("csv must contain at least one data row")
	}
	return res, nil
}
