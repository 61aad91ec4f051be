// Package schema resolves spreadsheet headers into a typed column layout.
//
// Header text is normalized (accents stripped, uppercased, non-alphanumerics
// removed) so naming variants such as "Centro de Costo", "CENTRO COSTO" and
// "centro_costo" map to the same logical field. Resolution happens once per
// file; rows are then read by field, never by fixed position.
package schema

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field is a logical ledger column.
type Field string

const (
	FieldDate           Field = "date"
	FieldDocumentType   Field = "document_type"
	FieldDocumentNumber Field = "document_number"
	FieldDescription    Field = "description"
	FieldDebit          Field = "debit"
	FieldCredit         Field = "credit"
	FieldBalance        Field = "balance"
	FieldCostCenter     Field = "cost_center"
	FieldAuxiliary      Field = "auxiliary"
)

// FieldType represents the expected data type for a column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldDateType
	FieldNumeric
)

// FieldSpec describes one logical column and the header spellings it accepts.
type FieldSpec struct {
	Field    Field
	Type     FieldType
	Required bool
	Aliases  []string // header variants, compared after Normalize
}

// LedgerFieldSpecs defines the columns of a general-ledger export.
var LedgerFieldSpecs = []FieldSpec{
	{Field: FieldDate, Type: FieldDateType, Required: true, Aliases: []string{"Fecha", "Fecha Contable", "Fecha Comprobante", "Fecha Movimiento", "Date"}},
	{Field: FieldDocumentType, Type: FieldText, Aliases: []string{"Tipo Doc", "Tipo Documento", "Tipo de Documento", "TD", "Tipo Comprobante"}},
	{Field: FieldDocumentNumber, Type: FieldText, Aliases: []string{"N° Doc", "Nro Doc", "Numero Documento", "Número", "Folio", "Num Doc"}},
	{Field: FieldDescription, Type: FieldText, Aliases: []string{"Glosa", "Descripción", "Detalle", "Concepto", "Description"}},
	{Field: FieldDebit, Type: FieldNumeric, Required: true, Aliases: []string{"Debe", "Débito", "Debitos", "Cargo", "Cargos", "Debit"}},
	{Field: FieldCredit, Type: FieldNumeric, Required: true, Aliases: []string{"Haber", "Crédito", "Creditos", "Abono", "Abonos", "Credit"}},
	{Field: FieldBalance, Type: FieldNumeric, Aliases: []string{"Saldo", "Saldo Acumulado", "Balance"}},
	{Field: FieldCostCenter, Type: FieldText, Aliases: []string{"Centro Costo", "Centro de Costo", "Centro de Costos", "CC", "CeCo"}},
	{Field: FieldAuxiliary, Type: FieldText, Aliases: []string{"Auxiliar", "Código Auxiliar", "Rut Auxiliar", "Cod Auxiliar"}},
}

// Normalize strips accents, uppercases and drops every character outside
// [A-Z0-9].
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = strings.ToUpper(stripped)

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MissingFieldError reports required fields absent from a header row.
type MissingFieldError struct {
	Fields []Field
}

func (e *MissingFieldError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("missing required column(s): %s", strings.Join(names, ", "))
}

// Schema is a resolved header: logical field to column index.
type Schema struct {
	HeaderRow int // 1-based sheet row of the header
	columns   map[Field]int
}

// aliasIndex maps normalized header text to its field.
var aliasIndex = buildAliasIndex(LedgerFieldSpecs)

func buildAliasIndex(specs []FieldSpec) map[string]Field {
	idx := make(map[string]Field)
	for _, spec := range specs {
		idx[Normalize(string(spec.Field))] = spec.Field
		for _, a := range spec.Aliases {
			idx[Normalize(a)] = spec.Field
		}
	}
	return idx
}

// Resolve maps a header row to a Schema. The first column matching a field
// wins. A *MissingFieldError is returned when a required field is absent.
func Resolve(header []string) (Schema, error) {
	cols := make(map[Field]int)
	for i, cell := range header {
		key := Normalize(cell)
		if key == "" {
			continue
		}
		f, ok := aliasIndex[key]
		if !ok {
			continue
		}
		if _, seen := cols[f]; !seen {
			cols[f] = i
		}
	}

	var missing []Field
	for _, spec := range LedgerFieldSpecs {
		if _, ok := cols[spec.Field]; spec.Required && !ok {
			missing = append(missing, spec.Field)
		}
	}
	if len(missing) > 0 {
		return Schema{}, &MissingFieldError{Fields: missing}
	}
	return Schema{columns: cols}, nil
}

// Has reports whether the field was found in the header.
func (s Schema) Has(f Field) bool {
	_, ok := s.columns[f]
	return ok
}

// Index returns the column index of f, or -1.
func (s Schema) Index(f Field) int {
	if i, ok := s.columns[f]; ok {
		return i
	}
	return -1
}

// Cell returns the trimmed value of f in row, or "" when the field is
// absent or the row is short.
func (s Schema) Cell(row []string, f Field) string {
	i, ok := s.columns[f]
	if !ok || i >= len(row) {
		return ""
	}
	return CleanCell(row[i])
}

// Columns returns a copy of the field-to-index mapping, keyed by field name.
func (s Schema) Columns() map[string]int {
	out := make(map[string]int, len(s.columns))
	for f, i := range s.columns {
		out[string(f)] = i
	}
	return out
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, an Excel formula prefix (="...") and quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// RequiredFields lists the fields every ledger header must carry.
func RequiredFields() []Field {
	var out []Field
	for _, spec := range LedgerFieldSpecs {
		if spec.Required {
			out = append(out, spec.Field)
		}
	}
	return out
}
