package carga

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rule identifiers for violations raised during normalization.
const (
	RuleRequired       = "campo_requerido"
	RuleCUIFormat      = "cui_formato"
	RuleCUIChecksum    = "cui_verificador"
	RuleDateFormat     = "fecha_formato"
	RuleDateImpossible = "fecha_invalida"
	RuleDateFuture     = "fecha_futura"
	RuleAmountFormat   = "monto_formato"
	RuleAmountPositive = "monto_positivo"
	RuleSexoDomain     = "sexo_dominio"
	RuleDeptUnknown    = "departamento_desconocido"
	RuleMuniUnknown    = "municipio_desconocido"
)

var dateLayouts = []string{
	"02/01/2006", "2/1/2006", "02/01/06", "2/1/06",
	"02-01-2006", "2-1-2006",
	"2006-01-02", "2006/01/02",
	"2006-01-02T15:04:05", "2006-01-02 15:04:05",
}

// Normalizer turns raw rows into typed ones. It is deterministic: the same
// RawRow always yields the same NormalizedRow and violations. The only
// collaborator it touches is the read-only catalog.
type Normalizer struct {
	catalog Catalog
	// now anchors the future-date check; injectable for tests.
	now func() time.Time
}

func NewNormalizer(catalog Catalog) *Normalizer {
	return &Normalizer{catalog: catalog, now: time.Now}
}

// NormalizeRow projects one RawRow into a NormalizedRow, collecting every
// field-level violation instead of stopping at the first. A non-nil error
// means the catalog collaborator itself failed and the run must abort.
func (n *Normalizer) NormalizeRow(ctx context.Context, raw *RawRow) (*NormalizedRow, []Violation, error) {
	row := &NormalizedRow{Row: raw.Row}
	var violations []Violation
	add := func(field, rule, msg string, sev Severity) {
		violations = append(violations, Violation{Field: field, Rule: rule, Message: msg, Severity: sev})
	}

	// Beneficiary identifier. On canonicalization failure the row is still
	// returned with CUI unset; downstream treats the row as INVALID via the
	// BLOCKING violation.
	if cui, verr := CanonicalCUI(raw.Cell(ColCUI)); verr != nil {
		add(ColCUI, verr.Rule, verr.Message, SeverityBlocking)
	} else {
		row.CUI = cui
	}
	row.RUB = canonicalRUB(raw.Cell(ColRUB))

	if nombre := NormalizeName(raw.Cell(ColNombre).String()); nombre == "" {
		add(ColNombre, RuleRequired, "nombre del niño vacío", SeverityBlocking)
	} else {
		row.Nombre = nombre
	}

	if sexo, ok := canonicalSexo(raw.Cell(ColSexo)); !ok {
		add(ColSexo, RuleSexoDomain, fmt.Sprintf("valor de sexo no reconocido: %q", raw.Cell(ColSexo).String()), SeverityBlocking)
	} else {
		row.Sexo = sexo
	}

	switch cell := raw.Cell(ColFechaNacimiento); {
	case cell.IsBlank():
		add(ColFechaNacimiento, RuleRequired, "fecha de nacimiento vacía", SeverityBlocking)
	default:
		fecha, rule, err := parseDateCell(cell)
		if err != nil {
			add(ColFechaNacimiento, rule, err.Error(), SeverityBlocking)
		} else if fecha.After(n.now()) {
			add(ColFechaNacimiento, RuleDateFuture, "la fecha de nacimiento es futura", SeverityBlocking)
		} else {
			row.FechaNacimiento = fecha
		}
	}

	row.EdadAnios = parseOptionalInt(raw.Cell(ColEdad))
	row.IntegrantesHogar = parseOptionalInt(raw.Cell(ColIntegrantesHogar))

	switch cell := raw.Cell(ColMontoBono); {
	case cell.IsBlank():
		add(ColMontoBono, RuleRequired, "monto del bono vacío", SeverityBlocking)
	default:
		monto, err := parseAmount(cell)
		if err != nil {
			add(ColMontoBono, RuleAmountFormat, err.Error(), SeverityBlocking)
		} else if !monto.IsPositive() {
			add(ColMontoBono, RuleAmountPositive, "el monto debe ser mayor que cero", SeverityBlocking)
			row.MontoBono = monto
		} else {
			row.MontoBono = monto
		}
	}

	// Geography resolves against the catalog; an unreachable catalog aborts
	// the run rather than polluting the row with false violations.
	dept := NormLookup(raw.Cell(ColDepartamento).String())
	muni := NormLookup(raw.Cell(ColMunicipio).String())
	if dept == "" {
		add(ColDepartamento, RuleRequired, "departamento de residencia vacío", SeverityBlocking)
	} else {
		ok, err := n.catalog.IsValidDepartment(ctx, dept)
		if err != nil {
			return nil, nil, fmt.Errorf("catálogo de departamentos no disponible: %w", err)
		}
		if !ok {
			add(ColDepartamento, RuleDeptUnknown, fmt.Sprintf("departamento no catalogado: %q", dept), SeverityBlocking)
		} else {
			row.Departamento = dept
		}
	}
	if muni == "" {
		add(ColMunicipio, RuleRequired, "municipio de residencia vacío", SeverityBlocking)
	} else if row.Departamento != "" {
		ok, err := n.catalog.IsValidMunicipality(ctx, row.Departamento, muni)
		if err != nil {
			return nil, nil, fmt.Errorf("catálogo de municipios no disponible: %w", err)
		}
		if !ok {
			add(ColMunicipio, RuleMuniUnknown, fmt.Sprintf("municipio no catalogado en %s: %q", row.Departamento, muni), SeverityBlocking)
		} else {
			row.Municipio = muni
		}
	} else {
		// Municipality can only be checked under a resolved department.
		row.Municipio = muni
	}

	row.Comunidad = NormalizeName(raw.Cell(ColComunidad).String())
	row.Direccion = strings.TrimSpace(raw.Cell(ColDireccion).String())
	row.NombreMadre = NormalizeName(raw.Cell(ColNombreMadre).String())
	if cuiMadre, verr := CanonicalCUI(raw.Cell(ColCUIMadre)); verr == nil {
		row.CUIMadre = cuiMadre
	}
	row.Telefonos = strings.TrimSpace(raw.Cell(ColTelefonos).String())

	return row, violations, nil
}

// fieldError carries the rule id alongside the message for one bad field.
type fieldError struct {
	Rule    string
	Message string
}

// CanonicalCUI canonicalizes a Guatemalan CUI: strip everything that is not
// alphanumeric, require 13 digits, verify the mod-11 check digit over the
// first eight positions and a department segment between 01 and 22.
func CanonicalCUI(cell CellValue) (string, *fieldError) {
	raw := cell.String()
	if cell.Kind == CellNumber {
		// Excel renders long ids as floats ("1234567890101.0"); use the
		// integral part.
		raw = strings.SplitN(cell.Str, ".", 2)[0]
		if cell.Num == float64(int64(cell.Num)) {
			raw = strconv.FormatInt(int64(cell.Num), 10)
		}
	}
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return "", &fieldError{Rule: RuleRequired, Message: "CUI vacío"}
	}
	if len(cleaned) != 13 {
		return "", &fieldError{Rule: RuleCUIFormat, Message: fmt.Sprintf("CUI debe tener 13 dígitos, tiene %d", len(cleaned))}
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", &fieldError{Rule: RuleCUIFormat, Message: "CUI contiene caracteres no numéricos"}
		}
	}
	total := 0
	for i := 0; i < 8; i++ {
		total += int(cleaned[i]-'0') * (i + 2)
	}
	mod := total % 11
	if mod == 10 || mod != int(cleaned[8]-'0') {
		return "", &fieldError{Rule: RuleCUIChecksum, Message: "dígito verificador del CUI no coincide"}
	}
	dept, _ := strconv.Atoi(cleaned[9:11])
	if dept < 1 || dept > 22 {
		return "", &fieldError{Rule: RuleCUIFormat, Message: "segmento de departamento del CUI fuera de rango"}
	}
	return cleaned, nil
}

// canonicalRUB keeps the digits of the beneficiary registry number. It is
// optional, so failures fold to empty rather than a violation.
func canonicalRUB(cell CellValue) string {
	raw := cell.String()
	if cell.Kind == CellNumber && cell.Num == float64(int64(cell.Num)) {
		raw = strconv.FormatInt(int64(cell.Num), 10)
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName trims, collapses internal whitespace and uppercases.
func NormalizeName(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// NormLookup folds a value for catalog matching: trim, uppercase, strip
// accents, collapse spaces. Idempotent.
func NormLookup(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(accentFold.Replace(s))), " ")
}

func canonicalSexo(cell CellValue) (string, bool) {
	if cell.IsBlank() {
		return "", true
	}
	switch NormLookup(cell.String()) {
	case "M", "MASCULINO", "HOMBRE", "1":
		return "M", true
	case "F", "FEMENINO", "MUJER", "2":
		return "F", true
	}
	return "", false
}

// parseDateCell accepts dd/mm/yyyy, ISO and Excel serial dates. time.Parse
// already rejects impossible calendar dates like 31/02/2000.
func parseDateCell(cell CellValue) (time.Time, string, error) {
	s := strings.TrimSpace(cell.String())
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, "", nil
		}
	}
	if cell.Kind == CellNumber && cell.Num > 0 && cell.Num < 200000 {
		return excelSerialDate(cell.Num), "", nil
	}
	if looksLikeDate(s) {
		return time.Time{}, RuleDateImpossible, fmt.Errorf("fecha de calendario inválida: %q", s)
	}
	return time.Time{}, RuleDateFormat, fmt.Errorf("formato de fecha no reconocido: %q", s)
}

// looksLikeDate distinguishes an impossible calendar date from garbage, so
// "31/02/2000" reports invalid-date rather than unknown-format.
func looksLikeDate(s string) bool {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '-' })
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// excelSerialDate converts an Excel serial day count (1899-12-30 epoch, with
// the fictitious 1900-02-29) into a calendar date.
func excelSerialDate(f float64) time.Time {
	days := int(f)
	if days < 60 {
		// before the fictitious 1900-02-29 the epoch is one day later
		days++
	}
	base := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, days)
}

func parseAmount(cell CellValue) (decimal.Decimal, error) {
	if cell.Kind == CellNumber {
		return decimal.NewFromFloat(cell.Num), nil
	}
	s := strings.TrimSpace(cell.String())
	s = strings.TrimPrefix(s, "Q")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("monto no numérico: %q", cell.String())
	}
	return d, nil
}

func parseOptionalInt(cell CellValue) *int {
	if cell.IsBlank() {
		return nil
	}
	if cell.Kind == CellNumber {
		v := int(cell.Num)
		return &v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(cell.Str)); err == nil {
		return &v
	}
	return nil
}
