package catalogos

import (
	"context"
	"sync"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

// MemoryCatalog is an in-memory catalog for tests and local runs without a
// database. Seeded with a subset of the Guatemalan department/municipality
// catalog; names are stored pre-normalized (uppercase, no accents).
type MemoryCatalog struct {
	mu sync.RWMutex
	// department name -> municipality set
	departments map[string]map[string]bool
	// two-digit code -> department name
	codes map[string]string
}

func NewMemoryCatalog() *MemoryCatalog {
	c := &MemoryCatalog{
		departments: make(map[string]map[string]bool),
		codes:       make(map[string]string),
	}
	c.Add("01", "GUATEMALA", "GUATEMALA", "MIXCO", "VILLA NUEVA", "AMATITLAN", "SAN JUAN SACATEPEQUEZ")
	c.Add("09", "QUETZALTENANGO", "QUETZALTENANGO", "COATEPEQUE", "OLINTEPEQUE")
	c.Add("13", "HUEHUETENANGO", "HUEHUETENANGO", "CHIANTLA", "SOLOMA")
	c.Add("14", "QUICHE", "SANTA CRUZ DEL QUICHE", "NEBAJ", "CHICHICASTENANGO")
	c.Add("16", "ALTA VERAPAZ", "COBAN", "SAN PEDRO CARCHA", "CHISEC", "PANZOS")
	c.Add("12", "SAN MARCOS", "SAN MARCOS", "MALACATAN", "TACANA")
	c.Add("20", "CHIQUIMULA", "CHIQUIMULA", "JOCOTAN", "CAMOTAN")
	c.Add("22", "JUTIAPA", "JUTIAPA", "ASUNCION MITA")
	return c
}

var _ carga.Catalog = (*MemoryCatalog)(nil)

// Add registers a department with its municipalities.
func (c *MemoryCatalog) Add(code, dept string, munis ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.departments[dept]
	if !ok {
		set = make(map[string]bool)
		c.departments[dept] = set
	}
	for _, m := range munis {
		set[m] = true
	}
	if code != "" {
		c.codes[code] = dept
	}
}

func (c *MemoryCatalog) resolveDept(code string) (string, bool) {
	if dept, ok := c.codes[code]; ok {
		return dept, true
	}
	if _, ok := c.departments[code]; ok {
		return code, true
	}
	return "", false
}

func (c *MemoryCatalog) IsValidDepartment(_ context.Context, code string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resolveDept(code)
	return ok, nil
}

func (c *MemoryCatalog) IsValidMunicipality(_ context.Context, deptCode, muniCode string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dept, ok := c.resolveDept(deptCode)
	if !ok {
		return false, nil
	}
	return c.departments[dept][muniCode], nil
}
