package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

// PGRecorder appends one immutable audit entry per batch run plus one per
// row, in a single queued batch. Entries are never updated afterwards.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

var _ carga.AuditRecorder = (*PGRecorder)(nil)

func (r *PGRecorder) RecordBatch(ctx context.Context, result *carga.BatchResult) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO auditoria_carga_lote (
		  batch_id, submitted_at, total_filas,
		  nuevos, actualizados, duplicados, invalidos
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, result.BatchID, result.SubmittedAt, result.TotalRows,
		result.Counts.New, result.Counts.Updated, result.Counts.Duplicate, result.Counts.Invalid)

	rowQuery := `
		INSERT INTO auditoria_carga_fila (
		  batch_id, fila, cui, resolucion, expediente_id, confirmado, detalle
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, o := range result.Outcomes {
		cui := ""
		if o.Normalized != nil {
			cui = o.Normalized.CUI
		}
		detalle, err := json.Marshal(o.Violations)
		if err != nil {
			return fmt.Errorf("serialización de violaciones fila %d: %w", o.Row, err)
		}
		batch.Queue(rowQuery, result.BatchID, o.Row, cui, string(o.Resolution),
			nullIfEmpty(o.TargetExpedienteID), o.Committed, detalle)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var failures []string
	for i := 0; i < len(result.Outcomes)+1; i++ {
		if _, err := br.Exec(); err != nil {
			failures = append(failures, fmt.Sprintf("entrada %d: %v", i, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("auditoría del lote %s incompleta: %s", result.BatchID, strings.Join(failures, "; "))
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MemoryRecorder collects batch results in memory, for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	batches []*carga.BatchResult
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

var _ carga.AuditRecorder = (*MemoryRecorder)(nil)

func (r *MemoryRecorder) RecordBatch(_ context.Context, result *carga.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, result)
	return nil
}

// Batches returns the recorded results in arrival order.
func (r *MemoryRecorder) Batches() []*carga.BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*carga.BatchResult, len(r.batches))
	copy(out, r.batches)
	return out
}
