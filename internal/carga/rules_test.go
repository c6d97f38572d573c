package carga

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRuleSet(t *testing.T) *RuleSet {
	t.Helper()
	rs := DefaultRuleSet()
	rs.now = testClock
	return rs
}

func normalizedForRules(monto int64) *NormalizedRow {
	edad := 1
	integrantes := 4
	return &NormalizedRow{
		Row:              1,
		CUI:              cuiValidA,
		Nombre:           "JUAN PÉREZ",
		FechaNacimiento:  time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC),
		EdadAnios:        &edad,
		IntegrantesHogar: &integrantes,
		Departamento:     "GUATEMALA",
		Municipio:        "MIXCO",
		MontoBono:        decimal.NewFromInt(monto),
		Telefonos:        "55512345",
	}
}

func violationByRule(violations []Violation, rule string) *Violation {
	for i := range violations {
		if violations[i].Rule == rule {
			return &violations[i]
		}
	}
	return nil
}

func TestRulesPassOnCleanRow(t *testing.T) {
	got := testRuleSet(t).Validate(normalizedForRules(500), nil)
	assert.Empty(t, got)
}

func TestAmountCeilingIsWarningOnly(t *testing.T) {
	// an absurd amount flags review but does not block the commit
	got := testRuleSet(t).Validate(normalizedForRules(999999999), nil)
	v := violationByRule(got, "monto_tope")
	require.NotNil(t, v)
	assert.Equal(t, SeverityWarning, v.Severity)
	assert.False(t, HasBlocking(got))
}

func TestAmountPerHouseholdMember(t *testing.T) {
	row := normalizedForRules(4000)
	two := 2
	row.IntegrantesHogar = &two
	got := testRuleSet(t).Validate(row, nil)
	require.NotNil(t, violationByRule(got, "monto_por_integrante"))
	assert.False(t, HasBlocking(got))
}

func TestEligibleAgeRangeBlocks(t *testing.T) {
	row := normalizedForRules(500)
	row.FechaNacimiento = time.Date(2014, 1, 15, 0, 0, 0, 0, time.UTC)
	siete := 7
	row.EdadAnios = &siete
	got := testRuleSet(t).Validate(row, nil)
	v := violationByRule(got, "edad_elegible")
	require.NotNil(t, v)
	assert.Equal(t, SeverityBlocking, v.Severity)
	assert.True(t, HasBlocking(got))
}

func TestReportedAgeMismatchWarns(t *testing.T) {
	row := normalizedForRules(500)
	cuatro := 4
	row.EdadAnios = &cuatro // computed age is 1
	got := testRuleSet(t).Validate(row, nil)
	v := violationByRule(got, "edad_consistente")
	require.NotNil(t, v)
	assert.Equal(t, SeverityWarning, v.Severity)
}

func TestPhoneFormatWarns(t *testing.T) {
	row := normalizedForRules(500)
	row.Telefonos = "1234"
	got := testRuleSet(t).Validate(row, nil)
	v := violationByRule(got, "telefono_formato")
	require.NotNil(t, v)
	assert.Equal(t, SeverityWarning, v.Severity)

	row.Telefonos = "55512345 / 44412345"
	assert.Empty(t, testRuleSet(t).Validate(row, nil))
}

func TestStricterSeverityWinsOnSameFieldAndRule(t *testing.T) {
	prior := []Violation{
		{Field: ColMontoBono, Rule: "monto_tope", Message: "advertencia previa", Severity: SeverityWarning},
		{Field: ColMontoBono, Rule: "monto_tope", Message: "bloqueo posterior", Severity: SeverityBlocking},
		{Field: ColCUI, Rule: RuleCUIFormat, Message: "otro campo", Severity: SeverityBlocking},
	}
	got := mergeStricter(prior)
	require.Len(t, got, 2)
	assert.Equal(t, SeverityBlocking, got[0].Severity)
	assert.Equal(t, ColCUI, got[1].Field)
}

func TestNewRuleSetRejectsUnknownCheck(t *testing.T) {
	_, err := NewRuleSet([]RuleDescriptor{{Name: "x", Check: "no_existe", Severity: SeverityWarning}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_existe")

	_, err = NewRuleSet([]RuleDescriptor{{Name: "x", Check: "monto_tope", Severity: "FATAL"}})
	require.Error(t, err)
}

func TestLoadRuleSetFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - name: monto_tope
    field: MONTO_BONO
    check: monto_tope
    severity: BLOCKING
    message: tope estricto
    params:
      tope: "100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rs, err := LoadRuleSet(path)
	require.NoError(t, err)
	rs.now = testClock

	got := rs.Validate(normalizedForRules(500), nil)
	v := violationByRule(got, "monto_tope")
	require.NotNil(t, v)
	// severity and threshold come from the file, not the code
	assert.Equal(t, SeverityBlocking, v.Severity)
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	_, err := LoadRuleSet(filepath.Join(t.TempDir(), "no-esta.yaml"))
	assert.Error(t, err)
}
