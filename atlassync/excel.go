package atlassync

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Canonical extract columns. The header matcher maps the upload's Russian
// column names onto these; Raw keeps every column under its original header
// so field mappings can reach columns the reader itself does not interpret.
const (
	columnAtlasId        = "atlas_id"
	columnFullName       = "full_name"
	columnPhone          = "phone"
	columnEmail          = "email"
	columnRegion         = "region"
	columnSnils          = "snils"
	columnProgram        = "program"
	columnAtlasStatus    = "atlas_status"
	columnWorkflowStatus = "workflow_status"
)

// headerAliases maps lowercased extract headers to canonical columns. Atlas
// has renamed several headers across export versions; all spellings stay.
var headerAliases = map[string]string{
	"номер заявки":      columnAtlasId,
	"id заявки":         columnAtlasId,
	"фио":               columnFullName,
	"фио абитуриента":   columnFullName,
	"телефон":           columnPhone,
	"номер телефона":    columnPhone,
	"email":             columnEmail,
	"e-mail":            columnEmail,
	"электронная почта": columnEmail,
	"регион":            columnRegion,
	"снилс":             columnSnils,
	"программа":         columnProgram,
	"образовательная программа": columnProgram,
	"статус":                    columnAtlasStatus,
	"статус заявки":             columnAtlasStatus,
	"статус документооборота":   columnWorkflowStatus,
	"статус в системе":          columnWorkflowStatus,
}

// ReadExtract parses an Atlas XLSX upload into rows. The first sheet is the
// data sheet; the first non-empty row is the header. Rows without an
// application number are skipped, not failed: trailers and subtotal lines
// are a fact of life in these exports.
func ReadExtract(r io.Reader) ([]Row, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open extract: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("extract has no sheets")
	}
	cells, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	headerIdx := -1
	var headers []string
	for i, line := range cells {
		if hasContent(line) {
			headerIdx = i
			headers = line
			break
		}
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("extract has no header row")
	}

	columns := make(map[int]string, len(headers))
	for i, h := range headers {
		columns[i] = strings.TrimSpace(h)
	}

	var rows []Row
	for _, line := range cells[headerIdx+1:] {
		if !hasContent(line) {
			continue
		}
		row := Row{Raw: make(map[string]string, len(columns))}
		for i, value := range line {
			header, ok := columns[i]
			if !ok || header == "" {
				continue
			}
			value = strings.TrimSpace(value)
			row.Raw[header] = value

			switch headerAliases[strings.ToLower(header)] {
			case columnAtlasId:
				row.AtlasId = value
			case columnFullName:
				row.FullName = value
			case columnPhone:
				row.Phone = value
			case columnEmail:
				row.Email = value
			case columnRegion:
				row.Region = value
			case columnSnils:
				row.Snils = value
			case columnProgram:
				row.Program = value
			case columnAtlasStatus:
				row.AtlasStatus = value
			case columnWorkflowStatus:
				row.WorkflowStatus = value
			}
		}
		if row.AtlasId == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func hasContent(line []string) bool {
	for _, cell := range line {
		if strings.TrimSpace(cell) != "" {
			return true
		}
	}
	return false
}

// PrefilterRows drops superseded applications before matching. Atlas issues
// a fresh application number per attempt, suffixed with a sequence; when one
// person (by SNILS) appears several times, only the highest sequence per
// program is current. Rows without a SNILS pass through untouched.
func PrefilterRows(rows []Row) []Row {
	type personProgram struct {
		Snils   string
		Program string
	}
	latest := make(map[personProgram]int)
	for _, row := range rows {
		snils := NormalizeSnils(row.Snils)
		if snils == "" {
			continue
		}
		key := personProgram{Snils: snils, Program: row.Program}
		if seq := row.SequenceNumber(); seq > latest[key] {
			latest[key] = seq
		}
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		snils := NormalizeSnils(row.Snils)
		if snils != "" {
			key := personProgram{Snils: snils, Program: row.Program}
			if row.SequenceNumber() < latest[key] {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}
