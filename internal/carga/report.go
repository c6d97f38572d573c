package carga

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// ReportEntry is one row of the reviewer-facing outcome report.
type ReportEntry struct {
	Row          int        `json:"row"`
	CUI          string     `json:"cui,omitempty"`
	Nombre       string     `json:"nombre,omitempty"`
	Resolution   Resolution `json:"resolution"`
	ExpedienteID string     `json:"expediente_id,omitempty"`
	Committed    bool       `json:"committed"`
	Violations   []string   `json:"violations,omitempty"`
}

// Report is the structured outcome document for one batch, ordered by
// original file position. It renders as JSON for the API and as xlsx for
// download.
type Report struct {
	BatchID     string           `json:"batch_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	TotalRows   int              `json:"total_rows"`
	Counts      ResolutionCounts `json:"counts"`
	Entries     []ReportEntry    `json:"entries"`
}

// BuildReport renders a BatchResult into its report document.
func BuildReport(result *BatchResult) *Report {
	report := &Report{
		BatchID:     result.BatchID.String(),
		GeneratedAt: time.Now().UTC(),
		TotalRows:   result.TotalRows,
		Counts:      result.Counts,
		Entries:     make([]ReportEntry, 0, len(result.Outcomes)),
	}
	for _, o := range result.Outcomes {
		entry := ReportEntry{
			Row:          o.Row,
			Resolution:   o.Resolution,
			ExpedienteID: o.TargetExpedienteID,
			Committed:    o.Committed,
		}
		if o.Normalized != nil {
			entry.CUI = o.Normalized.CUI
			entry.Nombre = o.Normalized.Nombre
		}
		for _, v := range o.Violations {
			label := fmt.Sprintf("[%s] %s", v.Severity, v.Message)
			if v.Field != "" {
				label = fmt.Sprintf("[%s] %s: %s", v.Severity, v.Field, v.Message)
			}
			entry.Violations = append(entry.Violations, label)
		}
		report.Entries = append(report.Entries, entry)
	}
	return report
}

var reportHeaders = []string{
	"Fila", "CUI", "Nombre", "Resultado", "Expediente", "Confirmado", "Observaciones",
}

// WriteXLSX renders the report as a downloadable workbook.
func (r *Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Resultado"
	f.SetSheetName(f.GetSheetName(0), sheet)

	for i, h := range reportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("encabezado del reporte: %w", err)
		}
	}

	for i, e := range r.Entries {
		confirmado := "NO"
		if e.Committed {
			confirmado = "SI"
		}
		observaciones := ""
		for j, v := range e.Violations {
			if j > 0 {
				observaciones += "; "
			}
			observaciones += v
		}
		values := []interface{}{e.Row, e.CUI, e.Nombre, string(e.Resolution), e.ExpedienteID, confirmado, observaciones}
		for col, val := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				return fmt.Errorf("fila %d del reporte: %w", e.Row, err)
			}
		}
	}

	summary := fmt.Sprintf("Lote %s, %d filas: %d nuevos, %d actualizados, %d duplicados, %d inválidos",
		r.BatchID, r.TotalRows, r.Counts.New, r.Counts.Updated, r.Counts.Duplicate, r.Counts.Invalid)
	cell, _ := excelize.CoordinatesToCellName(1, len(r.Entries)+3)
	if err := f.SetCellValue(sheet, cell, summary); err != nil {
		return err
	}

	return f.Write(w)
}
