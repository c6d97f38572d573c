package carga

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const csvHeader = "#,CUI del Niño,Nombre del Niño,Sexo,Fecha de Nacimiento," +
	"Departamento de Residencia,Municipio de Residencia,Monto del Bono"

func csvFile(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

func TestOpenWorkbookCSV(t *testing.T) {
	data := csvFile(
		"MINISTERIO DE DESARROLLO SOCIAL,,,,,,,",
		"Listado de beneficiarios,,,,,,,",
		csvHeader,
		"101,"+cuiValidA+",Juan Pérez,M,15/01/2020,Guatemala,Mixco,500",
		",,,,,,,",
		"102,"+cuiValidB+",Ana López,F,03/02/2019,Guatemala,Guatemala,750",
	)

	r, err := OpenWorkbook(data, "severos.csv")
	require.NoError(t, err)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Row)
	assert.Equal(t, 4, first.SheetRow)
	assert.Equal(t, cuiValidA, first.Cell(ColCUI).String())
	// "#" is the RUB column in SESAN files
	assert.Equal(t, "101", first.Cell(ColRUB).String())

	// the blank row is skipped without consuming an index
	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, second.Row)
	assert.Equal(t, 6, second.SheetRow)
	assert.Equal(t, "Ana López", second.Cell(ColNombre).String())

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenWorkbookHeaderNotInFirstRows(t *testing.T) {
	lines := make([]string, 0, 12)
	for i := 0; i < 9; i++ {
		lines = append(lines, "nota administrativa,,,,,,,")
	}
	lines = append(lines,
		csvHeader,
		"1,"+cuiValidA+",Juan Pérez,M,15/01/2020,Guatemala,Mixco,500",
	)

	r, err := OpenWorkbook(csvFile(lines...), "datos.csv")
	require.NoError(t, err)
	raw, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, raw.Row)
	assert.Equal(t, 11, raw.SheetRow)
}

func TestOpenWorkbookMissingRequiredColumns(t *testing.T) {
	// CUI, name and dates present but geography and amount missing entirely
	data := csvFile(
		"CUI del Niño,Nombre del Niño,Fecha de Nacimiento,Monto del Bono",
		cuiValidA+",Juan Pérez,15/01/2020,500",
	)
	_, err := OpenWorkbook(data, "datos.csv")
	require.ErrorIs(t, err, ErrMissingHeader)
	assert.Contains(t, err.Error(), ColDepartamento)
}

func TestOpenWorkbookNoHeaderAtAll(t *testing.T) {
	data := csvFile(
		"a,b,c",
		"1,2,3",
	)
	_, err := OpenWorkbook(data, "datos.csv")
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestOpenWorkbookMalformed(t *testing.T) {
	_, err := OpenWorkbook([]byte{0x01, 0x02, 0x03}, "datos.xlsx")
	assert.ErrorIs(t, err, ErrMalformedFile)

	_, err = OpenWorkbook(nil, "datos.xlsx")
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestOpenWorkbookXLSMalformed(t *testing.T) {
	// the legacy branch goes through a temp file before parsing; bytes that
	// are not a compound document must still surface as a malformed file
	_, err := OpenWorkbook([]byte("esto no es un libro de Excel 97"), "lote.xls")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestOpenWorkbookXLSXPrefersSeverosSheet(t *testing.T) {
	f := excelize.NewFile()
	// decoy first sheet
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "resumen"))
	_, err := f.NewSheet("SEVEROS")
	require.NoError(t, err)
	headers := []string{"CUI del Niño", "Nombre del Niño", "Fecha de Nacimiento",
		"Departamento de Residencia", "Municipio de Residencia", "Monto del Bono"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		require.NoError(t, f.SetCellValue("SEVEROS", cell, h))
	}
	values := []interface{}{cuiValidA, "Juan Pérez", "15/01/2020", "Guatemala", "Mixco", 500}
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		require.NoError(t, f.SetCellValue("SEVEROS", cell, v))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	r, err := OpenWorkbook(buf.Bytes(), "severos.xlsx")
	require.NoError(t, err)
	raw, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, cuiValidA, raw.Cell(ColCUI).String())
	assert.Equal(t, "500", raw.Cell(ColMontoBono).String())
}

func TestNormalizeHeaderFolding(t *testing.T) {
	assert.Equal(t, "FECHA DE NACIMIENTO", normalizeHeader(" Fecha de Nacimiento: "))
	assert.Equal(t, "CUI DEL NINO", normalizeHeader("CUI del Niño"))
	assert.Equal(t, "RUB", normalizeHeader("#"))
	assert.Equal(t, "MONTO BONO", normalizeHeader("MONTO_BONO"))
	// idempotent
	assert.Equal(t, normalizeHeader("CUI del Niño"), normalizeHeader(normalizeHeader("CUI del Niño")))
}

func TestClassifyCell(t *testing.T) {
	assert.True(t, classifyCell("  ").IsBlank())
	assert.Equal(t, CellString, classifyCell("Juan").Kind)
	num := classifyCell("1,500.50")
	assert.Equal(t, CellNumber, num.Kind)
	assert.InDelta(t, 1500.50, num.Num, 0.001)
	// dates are strings, not numbers
	assert.Equal(t, CellString, classifyCell("15/01/2020").Kind)
}
