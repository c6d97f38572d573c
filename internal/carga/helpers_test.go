package carga

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Valid CUIs for tests (mod-11 check digit over the first eight digits,
// department segment 01).
const (
	cuiValidA = "1234567890101"
	cuiValidB = "2234567800101"
	cuiValidC = "3234567820101"
)

// fixedNow anchors date checks so ages and future-date detection are stable.
var fixedNow = time.Date(2021, 6, 15, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return fixedNow }

type fakeCatalog struct {
	departments map[string]map[string]bool
	err         error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{departments: map[string]map[string]bool{
		"GUATEMALA":      {"GUATEMALA": true, "MIXCO": true},
		"QUETZALTENANGO": {"COATEPEQUE": true},
	}}
}

func (c *fakeCatalog) IsValidDepartment(_ context.Context, code string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.departments[code]
	return ok, nil
}

func (c *fakeCatalog) IsValidMunicipality(_ context.Context, deptCode, muniCode string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.departments[deptCode][muniCode], nil
}

type fakeStore struct {
	mu         sync.Mutex
	byCUI      map[string]string
	creates    int
	updates    int
	failCreate bool
	failUpdate bool
	findErr    error
	nextID     int
}

func newFakeStore(existing ...string) *fakeStore {
	s := &fakeStore{byCUI: make(map[string]string)}
	for i, cui := range existing {
		s.byCUI[cui] = fmt.Sprintf("exp-%03d", i+1)
	}
	return s
}

func (s *fakeStore) FindByCUI(_ context.Context, cui string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return "", false, s.findErr
	}
	id, ok := s.byCUI[cui]
	return id, ok, nil
}

func (s *fakeStore) Create(_ context.Context, row *NormalizedRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return "", fmt.Errorf("conexión al almacén perdida")
	}
	s.nextID++
	id := fmt.Sprintf("new-%03d", s.nextID)
	s.byCUI[row.CUI] = id
	s.creates++
	return id, nil
}

func (s *fakeStore) Update(_ context.Context, id string, row *NormalizedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return fmt.Errorf("conexión al almacén perdida")
	}
	s.updates++
	return nil
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.updates
}

type fakeAudit struct {
	mu      sync.Mutex
	batches []*BatchResult
	fail    bool
}

func (a *fakeAudit) RecordBatch(_ context.Context, result *BatchResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return fmt.Errorf("auditoría no disponible")
	}
	a.batches = append(a.batches, result)
	return nil
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches)
}

// sliceSource replays raw rows and injected errors in order.
type sliceSource struct {
	items []interface{} // *RawRow or error
	pos   int
}

func (s *sliceSource) Next() (*RawRow, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	switch v := item.(type) {
	case *RawRow:
		return v, nil
	case error:
		return nil, v
	}
	return nil, io.EOF
}

func cellsFrom(values map[string]string) map[string]CellValue {
	cells := make(map[string]CellValue, len(values))
	for k, v := range values {
		cells[k] = classifyCell(v)
	}
	return cells
}

// validRaw builds a row that passes normalization and all default rules.
func validRaw(row int, cui string) *RawRow {
	return &RawRow{
		Row:      row,
		SheetRow: row + 1,
		Cells: cellsFrom(map[string]string{
			ColCUI:              cui,
			ColNombre:           "Juan Antonio Pérez",
			ColSexo:             "M",
			ColFechaNacimiento:  "15/01/2020",
			ColEdad:             "1",
			ColDepartamento:     "Guatemala",
			ColMunicipio:        "Mixco",
			ColMontoBono:        "500",
			ColIntegrantesHogar: "4",
			ColTelefonos:        "55512345",
		}),
	}
}

func testPipeline(store *fakeStore, audit *fakeAudit, opts ...PipelineOption) *Pipeline {
	opts = append(opts, WithClock(testClock))
	return NewPipeline(newFakeCatalog(), store, audit, DefaultRuleSet(), opts...)
}
