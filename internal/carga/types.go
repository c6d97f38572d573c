package carga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Severity of a validation violation. BLOCKING prevents the row from being
// committed; WARNING is recorded for review but does not block.
type Severity string

const (
	SeverityBlocking Severity = "BLOCKING"
	SeverityWarning  Severity = "WARNING"
)

// Resolution classifies a row after validation and duplicate resolution.
type Resolution string

const (
	ResolutionNew       Resolution = "NEW"
	ResolutionUpdate    Resolution = "UPDATE"
	ResolutionDuplicate Resolution = "DUPLICATE_REJECTED"
	ResolutionInvalid   Resolution = "INVALID"
)

// CellKind discriminates the raw spreadsheet cell union.
type CellKind int

const (
	CellBlank CellKind = iota
	CellString
	CellNumber
)

// CellValue is a raw spreadsheet cell: blank, text, or numeric. Numeric cells
// keep the original rendered string so normalizers can fall back to it.
type CellValue struct {
	Kind CellKind
	Str  string
	Num  float64
}

func (c CellValue) IsBlank() bool {
	return c.Kind == CellBlank
}

// String returns the textual form of the cell regardless of kind.
func (c CellValue) String() string {
	if c.Kind == CellBlank {
		return ""
	}
	return c.Str
}

// RawRow is one data row as read from the file. Row is the 1-based position
// among non-blank data rows; SheetRow is the physical spreadsheet row, kept
// for error messages. Cells are keyed by canonical column name.
type RawRow struct {
	Row      int
	SheetRow int
	Cells    map[string]CellValue
}

// Cell returns the cell for a canonical column, blank if the column is absent.
func (r *RawRow) Cell(col string) CellValue {
	if c, ok := r.Cells[col]; ok {
		return c
	}
	return CellValue{Kind: CellBlank}
}

// NormalizedRow is the typed projection of one RawRow. CUI is the canonical
// beneficiary identifier and the deduplication key; it is empty when
// canonicalization failed (the failure is reported as a BLOCKING violation).
type NormalizedRow struct {
	Row              int             `json:"row"`
	CUI              string          `json:"cui"`
	RUB              string          `json:"rub,omitempty"`
	Nombre           string          `json:"nombre"`
	Sexo             string          `json:"sexo,omitempty"`
	FechaNacimiento  time.Time       `json:"fecha_nacimiento"`
	EdadAnios        *int            `json:"edad_anios,omitempty"`
	IntegrantesHogar *int            `json:"integrantes_hogar,omitempty"`
	Departamento     string          `json:"departamento"`
	Municipio        string          `json:"municipio"`
	Comunidad        string          `json:"comunidad,omitempty"`
	Direccion        string          `json:"direccion,omitempty"`
	MontoBono        decimal.Decimal `json:"monto_bono"`
	NombreMadre      string          `json:"nombre_madre,omitempty"`
	CUIMadre         string          `json:"cui_madre,omitempty"`
	Telefonos        string          `json:"telefonos,omitempty"`
}

// Violation is one validation finding against a row.
type Violation struct {
	Field    string   `json:"field"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// HasBlocking reports whether any violation in the list is BLOCKING.
func HasBlocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// RowOutcome is the immutable per-row result of one pipeline run.
// TargetExpedienteID is set only for UPDATE. CommitError is set when the
// store write failed during the commit phase and the outcome was downgraded.
type RowOutcome struct {
	Row                int            `json:"row"`
	Normalized         *NormalizedRow `json:"normalized,omitempty"`
	Violations         []Violation    `json:"violations,omitempty"`
	Resolution         Resolution     `json:"resolution"`
	TargetExpedienteID string         `json:"target_expediente_id,omitempty"`
	Committed          bool           `json:"committed"`
	CommitError        string         `json:"commit_error,omitempty"`
}

// ResolutionCounts aggregates outcomes by resolution kind.
type ResolutionCounts struct {
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Duplicate int `json:"duplicate_rejected"`
	Invalid   int `json:"invalid"`
}

// BatchResult is the aggregate outcome of one ingestion run. It is owned by
// the orchestrator while the run is in flight and immutable once returned.
type BatchResult struct {
	BatchID     uuid.UUID        `json:"batch_id"`
	SubmittedAt time.Time        `json:"submitted_at"`
	TotalRows   int              `json:"total_rows"`
	Outcomes    []RowOutcome     `json:"outcomes"`
	Counts      ResolutionCounts `json:"counts"`
}

// Catalog resolves geographic codes. Lookups are synchronous, read-only and
// side-effect free; an error means the catalog itself is unreachable and
// aborts the whole run.
type Catalog interface {
	IsValidDepartment(ctx context.Context, code string) (bool, error)
	IsValidMunicipality(ctx context.Context, deptCode, muniCode string) (bool, error)
}

// ExpedienteStore is the case-file collaborator. FindByCUI reports the
// expediente id for an already-onboarded beneficiary. Exactly one write
// (Create or Update) happens per accepted row, during the commit phase.
type ExpedienteStore interface {
	FindByCUI(ctx context.Context, cui string) (id string, found bool, err error)
	Create(ctx context.Context, row *NormalizedRow) (id string, err error)
	Update(ctx context.Context, id string, row *NormalizedRow) error
}

// AuditRecorder persists one append-only audit entry per batch run. It is
// invoked exactly once, after all commits were attempted.
type AuditRecorder interface {
	RecordBatch(ctx context.Context, result *BatchResult) error
}

// RowSource is a finite, single-pass sequence of raw rows. Next returns
// io.EOF when exhausted. A *RowError marks a structurally unreadable row and
// lets the caller continue with the next one.
type RowSource interface {
	Next() (*RawRow, error)
}

// RowError describes a single unreadable row. The batch continues past it.
type RowError struct {
	Row      int
	SheetRow int
	Reason   string
}

func (e *RowError) Error() string {
	return e.Reason
}
