package carga

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleResult() *BatchResult {
	return &BatchResult{
		BatchID:     uuid.New(),
		SubmittedAt: fixedNow,
		TotalRows:   2,
		Counts:      ResolutionCounts{New: 1, Invalid: 1},
		Outcomes: []RowOutcome{
			{
				Row:        1,
				Normalized: &NormalizedRow{Row: 1, CUI: cuiValidA, Nombre: "JUAN PÉREZ"},
				Resolution: ResolutionNew,
				Committed:  true,
			},
			{
				Row:        2,
				Normalized: &NormalizedRow{Row: 2, Nombre: "ANA LÓPEZ"},
				Resolution: ResolutionInvalid,
				Violations: []Violation{
					{Field: ColCUI, Rule: RuleCUIChecksum, Message: "dígito verificador del CUI no coincide", Severity: SeverityBlocking},
				},
			},
		},
	}
}

func TestBuildReport(t *testing.T) {
	result := sampleResult()
	report := BuildReport(result)

	assert.Equal(t, result.BatchID.String(), report.BatchID)
	assert.Equal(t, 2, report.TotalRows)
	assert.Equal(t, result.Counts, report.Counts)
	require.Len(t, report.Entries, 2)

	assert.Equal(t, cuiValidA, report.Entries[0].CUI)
	assert.True(t, report.Entries[0].Committed)
	assert.Empty(t, report.Entries[0].Violations)

	second := report.Entries[1]
	assert.Equal(t, ResolutionInvalid, second.Resolution)
	require.Len(t, second.Violations, 1)
	assert.Contains(t, second.Violations[0], "BLOCKING")
	assert.Contains(t, second.Violations[0], ColCUI)
	assert.False(t, report.GeneratedAt.IsZero())
	assert.True(t, report.GeneratedAt.Before(time.Now().Add(time.Minute)))
}

func TestReportWriteXLSX(t *testing.T) {
	report := BuildReport(sampleResult())

	var buf bytes.Buffer
	require.NoError(t, report.WriteXLSX(&buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Resultado", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Fila", header)

	cui, err := f.GetCellValue("Resultado", "B2")
	require.NoError(t, err)
	assert.Equal(t, cuiValidA, cui)

	confirmado, err := f.GetCellValue("Resultado", "F3")
	require.NoError(t, err)
	assert.Equal(t, "NO", confirmado)
}
