package carga

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RuleDescriptor is one business rule as data: which field it reports on,
// which registered check evaluates it, the severity, and the message shown to
// reviewers. Adding a rule means adding a descriptor, not touching control
// flow.
type RuleDescriptor struct {
	Name     string            `yaml:"name"`
	Field    string            `yaml:"field"`
	Check    string            `yaml:"check"`
	Severity Severity          `yaml:"severity"`
	Message  string            `yaml:"message"`
	Params   map[string]string `yaml:"params,omitempty"`
}

type ruleFile struct {
	Rules []RuleDescriptor `yaml:"rules"`
}

// checkFunc evaluates one rule against a normalized row. ok=true means the
// rule passed or did not apply; detail enriches the configured message.
type checkFunc func(row *NormalizedRow, params map[string]string, now time.Time) (ok bool, detail string)

var checkRegistry = map[string]checkFunc{
	"edad_elegible":        checkEdadElegible,
	"edad_consistente":     checkEdadConsistente,
	"monto_tope":           checkMontoTope,
	"monto_por_integrante": checkMontoPorIntegrante,
	"telefono_formato":     checkTelefonoFormato,
}

// RuleSet evaluates the configured descriptors uniformly against each row.
type RuleSet struct {
	rules []RuleDescriptor
	now   func() time.Time
}

// NewRuleSet validates that every descriptor references a registered check.
func NewRuleSet(descriptors []RuleDescriptor) (*RuleSet, error) {
	for _, d := range descriptors {
		if _, ok := checkRegistry[d.Check]; !ok {
			return nil, fmt.Errorf("regla %q: verificación desconocida %q", d.Name, d.Check)
		}
		if d.Severity != SeverityBlocking && d.Severity != SeverityWarning {
			return nil, fmt.Errorf("regla %q: severidad inválida %q", d.Name, d.Severity)
		}
	}
	return &RuleSet{rules: descriptors, now: time.Now}, nil
}

// LoadRuleSet reads rule descriptors from a YAML file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("reglas de validación no legibles: %w", err)
	}
	return NewRuleSet(rf.Rules)
}

// DefaultRuleSet is the built-in rule table, matching config/rules.yaml.
func DefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet([]RuleDescriptor{
		{
			Name: "edad_elegible", Field: ColFechaNacimiento, Check: "edad_elegible",
			Severity: SeverityBlocking, Message: "beneficiario fuera del rango de edad elegible",
			Params: map[string]string{"max_anios": "5"},
		},
		{
			Name: "edad_consistente", Field: ColEdad, Check: "edad_consistente",
			Severity: SeverityWarning, Message: "edad reportada no coincide con la fecha de nacimiento",
			Params: map[string]string{"tolerancia": "1"},
		},
		{
			Name: "monto_tope", Field: ColMontoBono, Check: "monto_tope",
			Severity: SeverityWarning, Message: "monto del bono supera el tope configurado",
			Params: map[string]string{"tope": "5000"},
		},
		{
			Name: "monto_por_integrante", Field: ColMontoBono, Check: "monto_por_integrante",
			Severity: SeverityWarning, Message: "monto del bono alto para el tamaño del hogar",
			Params: map[string]string{"tope_por_integrante": "1500"},
		},
		{
			Name: "telefono_formato", Field: ColTelefonos, Check: "telefono_formato",
			Severity: SeverityWarning, Message: "teléfono de contacto con formato dudoso",
			Params: map[string]string{"digitos": "8"},
		},
	})
	if err != nil {
		panic(err) // built-in table, cannot be invalid
	}
	return rs
}

// Validate appends rule violations to the ones collected during
// normalization and returns the merged list. When two rules disagree on
// severity for the same field and rule id, the stricter (BLOCKING) wins.
func (rs *RuleSet) Validate(row *NormalizedRow, violations []Violation) []Violation {
	if row == nil {
		return violations
	}
	now := rs.now()
	for _, d := range rs.rules {
		ok, detail := checkRegistry[d.Check](row, d.Params, now)
		if ok {
			continue
		}
		msg := d.Message
		if detail != "" {
			msg = msg + ": " + detail
		}
		violations = append(violations, Violation{
			Field: d.Field, Rule: d.Name, Message: msg, Severity: d.Severity,
		})
	}
	return mergeStricter(violations)
}

// mergeStricter deduplicates violations sharing field and rule, keeping the
// BLOCKING one. Order of first appearance is preserved.
func mergeStricter(violations []Violation) []Violation {
	type key struct{ field, rule string }
	index := make(map[key]int, len(violations))
	out := violations[:0]
	for _, v := range violations {
		k := key{v.Field, v.Rule}
		if i, seen := index[k]; seen {
			if v.Severity == SeverityBlocking && out[i].Severity == SeverityWarning {
				out[i] = v
			}
			continue
		}
		index[k] = len(out)
		out = append(out, v)
	}
	return out
}

func paramInt(params map[string]string, name string, fallback int) int {
	if v, ok := params[name]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func paramDecimal(params map[string]string, name string, fallback string) decimal.Decimal {
	if v, ok := params[name]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(fallback)
	return d
}

func ageInYears(birth time.Time, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		years--
	}
	return years
}

func checkEdadElegible(row *NormalizedRow, params map[string]string, now time.Time) (bool, string) {
	if row.FechaNacimiento.IsZero() {
		return true, ""
	}
	max := paramInt(params, "max_anios", 5)
	if age := ageInYears(row.FechaNacimiento, now); age > max {
		return false, fmt.Sprintf("%d años (máximo %d)", age, max)
	}
	return true, ""
}

func checkEdadConsistente(row *NormalizedRow, params map[string]string, now time.Time) (bool, string) {
	if row.FechaNacimiento.IsZero() || row.EdadAnios == nil {
		return true, ""
	}
	tolerancia := paramInt(params, "tolerancia", 1)
	computed := ageInYears(row.FechaNacimiento, now)
	diff := computed - *row.EdadAnios
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerancia {
		return false, fmt.Sprintf("reportada %d, calculada %d", *row.EdadAnios, computed)
	}
	return true, ""
}

func checkMontoTope(row *NormalizedRow, params map[string]string, _ time.Time) (bool, string) {
	if row.MontoBono.IsZero() {
		return true, ""
	}
	tope := paramDecimal(params, "tope", "5000")
	if row.MontoBono.GreaterThan(tope) {
		return false, fmt.Sprintf("Q%s (tope Q%s)", row.MontoBono.StringFixed(2), tope.StringFixed(2))
	}
	return true, ""
}

func checkMontoPorIntegrante(row *NormalizedRow, params map[string]string, _ time.Time) (bool, string) {
	if row.MontoBono.IsZero() || row.IntegrantesHogar == nil || *row.IntegrantesHogar <= 0 {
		return true, ""
	}
	tope := paramDecimal(params, "tope_por_integrante", "1500")
	porIntegrante := row.MontoBono.Div(decimal.NewFromInt(int64(*row.IntegrantesHogar)))
	if porIntegrante.GreaterThan(tope) {
		return false, fmt.Sprintf("Q%s por integrante (tope Q%s)", porIntegrante.StringFixed(2), tope.StringFixed(2))
	}
	return true, ""
}

func checkTelefonoFormato(row *NormalizedRow, params map[string]string, _ time.Time) (bool, string) {
	if row.Telefonos == "" {
		return true, ""
	}
	want := paramInt(params, "digitos", 8)
	for _, tel := range strings.FieldsFunc(row.Telefonos, func(r rune) bool { return r == '/' || r == ',' || r == ';' }) {
		digits := 0
		for _, r := range tel {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits != want {
			return false, fmt.Sprintf("%q no tiene %d dígitos", strings.TrimSpace(tel), want)
		}
	}
	return true, ""
}
