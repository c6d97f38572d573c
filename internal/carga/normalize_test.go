package carga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNormalizer() *Normalizer {
	n := NewNormalizer(newFakeCatalog())
	n.now = testClock
	return n
}

func TestCanonicalCUI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		wantRule string
	}{
		{"plain", cuiValidA, cuiValidA, ""},
		{"with separators", "1234-56789 0101", cuiValidA, ""},
		{"empty", "   ", "", RuleRequired},
		{"too short", "123456789", "", RuleCUIFormat},
		{"bad check digit", "1234567880101", "", RuleCUIChecksum},
		{"department zero", "1234567890001", "", RuleCUIFormat},
		{"department out of range", "1234567892301", "", RuleCUIFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, verr := CanonicalCUI(classifyCell(tt.input))
			if tt.wantRule == "" {
				require.Nil(t, verr)
				assert.Equal(t, tt.want, got)
			} else {
				require.NotNil(t, verr)
				assert.Equal(t, tt.wantRule, verr.Rule)
			}
		})
	}
}

func TestCanonicalCUIFromNumericCell(t *testing.T) {
	// Excel renders long ids as numbers; the integral part must survive
	cell := CellValue{Kind: CellNumber, Str: "1234567890101.0", Num: 1234567890101}
	got, verr := CanonicalCUI(cell)
	require.Nil(t, verr)
	assert.Equal(t, cuiValidA, got)
}

func TestNormalizeRowValid(t *testing.T) {
	row, violations, err := testNormalizer().NormalizeRow(context.Background(), validRaw(1, cuiValidA))
	require.NoError(t, err)
	assert.Empty(t, violations)

	assert.Equal(t, cuiValidA, row.CUI)
	assert.Equal(t, "JUAN ANTONIO PÉREZ", row.Nombre)
	assert.Equal(t, "M", row.Sexo)
	assert.Equal(t, time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), row.FechaNacimiento)
	assert.Equal(t, "GUATEMALA", row.Departamento)
	assert.Equal(t, "MIXCO", row.Municipio)
	assert.True(t, row.MontoBono.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, row.EdadAnios)
	assert.Equal(t, 1, *row.EdadAnios)
}

func TestNormalizeRowDeterministic(t *testing.T) {
	n := testNormalizer()
	a, va, err := n.NormalizeRow(context.Background(), validRaw(1, cuiValidA))
	require.NoError(t, err)
	b, vb, err := n.NormalizeRow(context.Background(), validRaw(1, cuiValidA))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, va, vb)
}

func TestNormalizeRowImpossibleDate(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColFechaNacimiento] = classifyCell("31/02/2020")
	row, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleDateImpossible, violations[0].Rule)
	assert.Equal(t, SeverityBlocking, violations[0].Severity)
	assert.True(t, row.FechaNacimiento.IsZero())
}

func TestNormalizeRowGarbageDate(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColFechaNacimiento] = classifyCell("próximamente")
	_, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleDateFormat, violations[0].Rule)
}

func TestNormalizeRowFutureBirthDate(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColFechaNacimiento] = classifyCell("15/01/2030")
	_, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleDateFuture, violations[0].Rule)
	assert.Equal(t, SeverityBlocking, violations[0].Severity)
}

func TestNormalizeRowNegativeAmount(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColMontoBono] = classifyCell("-50")
	_, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleAmountPositive, violations[0].Rule)
	assert.Equal(t, SeverityBlocking, violations[0].Severity)
}

func TestNormalizeRowAmountWithCurrency(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColMontoBono] = CellValue{Kind: CellString, Str: "Q 1,500.00"}
	row, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.True(t, row.MontoBono.Equal(decimal.NewFromInt(1500)))
}

func TestNormalizeRowUnknownGeography(t *testing.T) {
	raw := validRaw(1, cuiValidA)
	raw.Cells[ColDepartamento] = classifyCell("Narnia")
	_, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleDeptUnknown, violations[0].Rule)

	raw = validRaw(2, cuiValidA)
	raw.Cells[ColMunicipio] = classifyCell("Atlántida")
	_, violations, err = testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleMuniUnknown, violations[0].Rule)
}

func TestNormalizeRowSexoDomain(t *testing.T) {
	for input, want := range map[string]string{
		"masculino": "M", "HOMBRE": "M", "1": "1", "f": "F", "Mujer": "F",
	} {
		raw := validRaw(1, cuiValidA)
		raw.Cells[ColSexo] = classifyCell(input)
		row, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
		require.NoError(t, err)
		if want == "1" {
			want = "M"
		}
		assert.Empty(t, violations, "input %q", input)
		assert.Equal(t, want, row.Sexo, "input %q", input)
	}

	raw := validRaw(1, cuiValidA)
	raw.Cells[ColSexo] = classifyCell("X")
	_, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleSexoDomain, violations[0].Rule)
}

func TestNormalizeRowCollectsAllViolations(t *testing.T) {
	raw := validRaw(1, "123")
	raw.Cells[ColNombre] = CellValue{Kind: CellBlank}
	raw.Cells[ColMontoBono] = classifyCell("mil quetzales")
	row, violations, err := testNormalizer().NormalizeRow(context.Background(), raw)
	require.NoError(t, err)
	assert.Len(t, violations, 3)
	// the row still comes back, with CUI unset
	require.NotNil(t, row)
	assert.Empty(t, row.CUI)
}

func TestNormalizeRowCatalogUnavailableAborts(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.err = errors.New("conexión rechazada")
	n := NewNormalizer(catalog)
	n.now = testClock
	row, violations, err := n.NormalizeRow(context.Background(), validRaw(1, cuiValidA))
	require.Error(t, err)
	assert.Nil(t, row)
	assert.Nil(t, violations)
}

func TestNormLookupIdempotent(t *testing.T) {
	assert.Equal(t, "QUETZALTENANGO", NormLookup("  Quetzaltenángo "))
	assert.Equal(t, NormLookup("Alta Verapaz"), NormLookup(NormLookup("Alta Verapaz")))
	assert.Equal(t, "SANTA MARIA NEBAJ", NormLookup("santa   maría\tnebaj"))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "JUAN PÉREZ", NormalizeName("  juan   pérez "))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestExcelSerialDate(t *testing.T) {
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), excelSerialDate(43831))
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), excelSerialDate(44197))
	// before Excel's fictitious leap day
	assert.Equal(t, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), excelSerialDate(1))
}

func TestParseDateCellExcelSerial(t *testing.T) {
	cell := CellValue{Kind: CellNumber, Str: "43846", Num: 43846}
	got, _, err := parseDateCell(cell)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 16, 0, 0, 0, 0, time.UTC), got)
}
