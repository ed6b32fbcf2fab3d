package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrEmptyFile = errors.New("import file has no header row")

// Column aliases accepted in the header row. Import templates circulate
// in both Portuguese and English.
var headerAliases = map[string]string{
	"nome":         "name",
	"apelido":      "nickname",
	"telefone":     "phone",
	"celular":      "phone",
	"descricao":    "description",
	"endereco":     "address",
	"cidade":       "city",
	"estado":       "state",
	"cep":          "postal_code",
	"preco":        "price",
	"valor":        "price",
	"duracao":      "duration",
	"profissional": "provider",
	"categoria":    "category",
	"produto":      "product",

	// Schedule import sheets.
	"profissional_email": "provider_email",
	"usuario_email":      "user_email",
	"data_inicio":        "start_time",
	"data_fim":           "end_time",
	"start_date":         "start_time",
	"end_date":           "end_time",
}

// ReadRows parses a CSV upload into ordered rows keyed by normalized
// header names. Row numbers count from the top of the file, so the
// first data row is 2.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	// Rows with missing trailing columns are handled per field.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = normalizeHeader(h)
	}

	var rows []Row
	for num := 2; ; num++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", num, err)
		}
		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			var val string
			if i < len(record) {
				val = strings.TrimSpace(record[i])
			}
			fields[col] = val
		}
		if emptyRow(fields) {
			continue
		}
		rows = append(rows, Row{Num: num, Fields: fields})
	}
	return rows, nil
}

func normalizeHeader(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.ReplaceAll(h, " ", "_")
	h = strings.ReplaceAll(h, "-", "_")
	if alias, ok := headerAliases[h]; ok {
		return alias
	}
	return h
}

func emptyRow(fields map[string]string) bool {
	for _, v := range fields {
		if v != "" {
			return false
		}
	}
	return true
}
