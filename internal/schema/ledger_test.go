package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Descripción", "DESCRIPCION"},
		{"  centro_de costo ", "CENTRODECOSTO"},
		{"N° Doc", "NDOC"},
		{"Nº Doc", "NDOC"},
		{"Crédito", "CREDITO"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestResolve_VariantsMapToSameField(t *testing.T) {
	headers := [][]string{
		{"FECHA", "TIPO DOC", "GLOSA", "DEBE", "HABER", "SALDO"},
		{"fecha", "Tipo de Documento", "Descripción", "Débito", "Crédito", "Saldo Acumulado"},
		{"Date", "td", "concepto", "cargo", "abono"},
	}
	for _, h := range headers {
		s, err := Resolve(h)
		require.NoError(t, err, "header %v", h)
		assert.Equal(t, 0, s.Index(FieldDate))
		assert.Equal(t, 1, s.Index(FieldDocumentType))
		assert.Equal(t, 3, s.Index(FieldDebit))
		assert.Equal(t, 4, s.Index(FieldCredit))
	}
}

func TestResolve_PositionIndependent(t *testing.T) {
	s, err := Resolve([]string{"", "Haber", "Centro Costo", "Debe", "Fecha"})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Index(FieldDate))
	assert.Equal(t, 3, s.Index(FieldDebit))
	assert.Equal(t, 1, s.Index(FieldCredit))
	assert.Equal(t, 2, s.Index(FieldCostCenter))
	assert.False(t, s.Has(FieldAuxiliary))
	assert.Equal(t, -1, s.Index(FieldAuxiliary))
}

func TestResolve_MissingRequired(t *testing.T) {
	_, err := Resolve([]string{"Fecha", "Glosa", "Debe"})
	require.Error(t, err)

	var mfe *MissingFieldError
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, []Field{FieldCredit}, mfe.Fields)
	assert.Contains(t, err.Error(), "credit")
}

func TestSchemaCell(t *testing.T) {
	s, err := Resolve([]string{"Fecha", "Debe", "Haber", "Glosa"})
	require.NoError(t, err)

	row := []string{" 02/01/2024 ", "=\"100\"", "0"}
	assert.Equal(t, "02/01/2024", s.Cell(row, FieldDate))
	assert.Equal(t, "100", s.Cell(row, FieldDebit))
	assert.Equal(t, "", s.Cell(row, FieldDescription), "short row")
	assert.Equal(t, "", s.Cell(row, FieldAuxiliary), "absent field")
}
