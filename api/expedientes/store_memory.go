package expedientes

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

// MemoryStore keeps expedientes in memory, for tests and local runs. Same
// contract as PGStore: one expediente per CUI, exactly one write per accepted
// row.
type MemoryStore struct {
	mu     sync.RWMutex
	byCUI  map[string]string
	byID   map[string]carga.NormalizedRow
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCUI: make(map[string]string),
		byID:  make(map[string]carga.NormalizedRow),
	}
}

var _ carga.ExpedienteStore = (*MemoryStore)(nil)

func (s *MemoryStore) FindByCUI(_ context.Context, cui string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCUI[cui]
	return id, ok, nil
}

func (s *MemoryStore) Create(_ context.Context, row *carga.NormalizedRow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCUI[row.CUI]; exists {
		return "", fmt.Errorf("expediente para CUI %s ya existe", row.CUI)
	}
	id := uuid.New().String()
	s.byCUI[row.CUI] = id
	s.byID[id] = *row
	s.writes++
	return id, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, row *carga.NormalizedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("expediente %s no existe", id)
	}
	s.byID[id] = *row
	s.writes++
	return nil
}

// Get returns the stored row for an expediente id.
func (s *MemoryStore) Get(id string) (carga.NormalizedRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[id]
	return row, ok
}

// Writes reports how many store writes happened, for test assertions.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
