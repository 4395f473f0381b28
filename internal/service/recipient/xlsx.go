package recipient

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

var phoneHeaders = map[string]struct{}{
	"phone":        {},
	"phone_number": {},
	"telefono":     {},
	"teléfono":     {},
	"numero":       {},
	"número":       {},
}

// ParseNumbersXLSX reads destination numbers from the first sheet of a
// workbook. A header row naming a phone column selects that column, otherwise
// column A is used and every row is data.
func ParseNumbersXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable workbook: %v", apperrors.ErrValidation, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", apperrors.ErrValidation)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("recipient xlsx: read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col, start := 0, 0
	for i, cell := range rows[0] {
		if _, ok := phoneHeaders[strings.ToLower(strings.TrimSpace(cell))]; ok {
			col, start = i, 1
			break
		}
	}

	var numbers []string
	for _, row := range rows[start:] {
		if col >= len(row) {
			continue
		}
		if n := normalizeCell(row[col]); n != "" {
			numbers = append(numbers, n)
		}
	}
	return numbers, nil
}

func normalizeCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(v)
	return v
}
