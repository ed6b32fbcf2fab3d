package importer

import (
	"errors"
	"strings"
	"testing"
)

func TestReadRows_NormalizesPortugueseHeaders(t *testing.T) {
	src := "Nome,Apelido,Email,CPF,Telefone\n" +
		"Ana Souza,Ana,ana@example.com,529.982.247-25,11 99999-0000\n" +
		"Bia Lima,,bia@example.com,,\n"

	rows, err := ReadRows(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Num != 2 || rows[1].Num != 3 {
		t.Fatalf("row numbers %d, %d; want 2, 3", rows[0].Num, rows[1].Num)
	}
	first := rows[0].Fields
	if first["name"] != "Ana Souza" || first["nickname"] != "Ana" || first["phone"] != "11 99999-0000" {
		t.Fatalf("aliases not applied: %+v", first)
	}
	if first["cpf"] != "529.982.247-25" {
		t.Fatalf("cpf %q", first["cpf"])
	}
}

func TestReadRows_ShortRecordsAndBlankLines(t *testing.T) {
	src := "name,email,phone\n" +
		"Ana,ana@example.com\n" +
		",,\n" +
		"Bia,bia@example.com,555\n"

	rows, err := ReadRows(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (blank row skipped)", len(rows))
	}
	if rows[0].Fields["phone"] != "" {
		t.Fatalf("missing trailing column should be empty, got %q", rows[0].Fields["phone"])
	}
	// Row numbers still count the skipped line.
	if rows[1].Num != 4 {
		t.Fatalf("row number %d, want 4", rows[1].Num)
	}
}

func TestReadRows_EmptyFile(t *testing.T) {
	if _, err := ReadRows(strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("want ErrEmptyFile, got %v", err)
	}
}

func TestNormalizeHeader(t *testing.T) {
	cases := map[string]string{
		"  Nome ":      "name",
		"Descricao":    "description",
		"postal code":  "postal_code",
		"custom-field": "custom_field",
	}
	for in, want := range cases {
		if got := normalizeHeader(in); got != want {
			t.Fatalf("normalizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}
