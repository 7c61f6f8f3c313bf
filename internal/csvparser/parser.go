package csvparser

import (
	"errors"
	"strings"
)

// recipientColumns are the header names accepted for the destination column,
// in order of preference.
var recipientColumns = []string{"recipient", "email", "phone"}

var ErrNoRecipientColumn = errors.New("csv must contain a recipient, email or phone column")

// header describes a parsed header row.
type header struct {
	names        []string
	recipientIdx int
}

// parseHeader trims the header names and locates the recipient column
// (case-insensitive).
func parseHeader(headers []string) (header, error) {
	if len(headers) == 0 {
		return header{}, errors.New("csv header row is empty")
	}

	h := header{names: make([]string, len(headers)), recipientIdx: -1}
	found := make(map[string]int, len(recipientColumns))
	for i, name := range headers {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		h.names[i] = name
		for _, c := range recipientColumns {
			if strings.EqualFold(name, c) {
				if _, dup := found[c]; !dup {
					found[c] = i
				}
			}
		}
	}

	for _, c := range recipientColumns {
		if idx, ok := found[c]; ok {
			h.recipientIdx = idx
			return h, nil
		}
	}
	return header{}, ErrNoRecipientColumn
}

// fields maps every non-recipient column of record to its value.
func (h header) fields(record []string) map[string]string {
	fields := make(map[string]string, len(record)-1)
	for i := range record {
		if i == h.recipientIdx || h.names[i] == "" {
			continue
		}
		fields[h.names[i]] = strings.TrimSpace(record[i])
	}
	return fields
}
