package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/GTskipz/bono-nutricion-expediente-api/api/catalogos"
	"github.com/GTskipz/bono-nutricion-expediente-api/api/expedientes"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/config"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/logger"
)

// ReprocessConfig holds configuration for the staging-row reprocessor.
type ReprocessConfig struct {
	Schedule  string // cron schedule
	BatchSize int    // rows picked up per run
	TimeZone  string
}

func NewDefaultReprocessConfig() *ReprocessConfig {
	schedule := os.Getenv("SESAN_REPROCESS_SCHEDULE")
	if schedule == "" {
		schedule = config.DefaultReprocessSchedule
	}
	batchSize := config.DefaultReprocessBatchSize
	if bs := os.Getenv("SESAN_REPROCESS_BATCH_SIZE"); bs != "" {
		if parsed, err := strconv.Atoi(bs); err == nil && parsed > 0 {
			batchSize = parsed
		}
	}
	return &ReprocessConfig{
		Schedule:  schedule,
		BatchSize: batchSize,
		TimeZone:  config.DefaultTimeZone,
	}
}

// RunReprocessScheduler starts the cron job that picks up staging rows left
// in PENDIENTE by the retry endpoints and runs them through classification
// and commit again.
func RunReprocessScheduler(cfg *ReprocessConfig, pool *pgxpool.Pool, db *sql.DB) error {
	if cfg.Schedule == "" {
		cfg.Schedule = config.DefaultReprocessSchedule
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.DefaultReprocessBatchSize
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = config.DefaultTimeZone
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		loc = time.UTC
		log.Printf("[SESAN] zona horaria %s inválida, usando UTC: %v", cfg.TimeZone, err)
	}

	c := cron.New(cron.WithLocation(loc))
	_, err = c.AddFunc(cfg.Schedule, func() {
		if err := ReprocessPendingRows(pool, db, cfg.BatchSize); err != nil {
			if logger.GlobalLogger != nil {
				logger.GlobalLogger.LogAudit(fmt.Sprintf("Staging reprocess job failed: %v", err))
			}
			log.Printf("ERROR: staging reprocess job failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("unable to schedule staging reprocessor: %v", err)
	}

	c.Start()
	log.Printf("[AUDIT] Staging reprocessor started: %s (%s)", cfg.Schedule, cfg.TimeZone)
	return nil
}

type pendingRow struct {
	stagingID uuid.UUID
	batchID   uuid.UUID
	fila      int
	rawData   []byte
}

// ReprocessPendingRows re-runs classification and commit for PENDIENTE rows.
// Rows are rehydrated from the raw cells kept in staging, so corrections to
// the catalog or the expediente store can turn a former ERROR into a commit.
func ReprocessPendingRows(pool *pgxpool.Pool, db *sql.DB, batchSize int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	rows, err := pool.Query(ctx, `
		SELECT staging_id, batch_id, fila, raw_data
		FROM sesan_staging
		WHERE estado = 'PENDIENTE'
		ORDER BY batch_id, fila
		LIMIT $1
	`, batchSize)
	if err != nil {
		return fmt.Errorf("consulta de filas pendientes: %w", err)
	}
	pending := []pendingRow{}
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.stagingID, &p.batchID, &p.fila, &p.rawData); err != nil {
			rows.Close()
			return fmt.Errorf("lectura de fila pendiente: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if len(pending) == 0 {
		return nil
	}

	log.Printf("[AUDIT] Reprocesando %d filas pendientes", len(pending))

	normalizer := carga.NewNormalizer(catalogos.NewSQLCatalog(db))
	rules := carga.DefaultRuleSet()
	if loaded, err := carga.LoadRuleSet(config.DefaultRulesPath); err == nil {
		rules = loaded
	}
	store := expedientes.NewPGStore(pool)

	touched := map[uuid.UUID]bool{}
	var processed, failed int
	for _, p := range pending {
		if err := reprocessRow(ctx, pool, normalizer, rules, store, p); err != nil {
			failed++
		} else {
			processed++
		}
		touched[p.batchID] = true
	}

	for batchID := range touched {
		if err := refreshBatchTotals(ctx, pool, batchID); err != nil {
			log.Printf("[SESAN] lote %s: totales no actualizados: %v", batchID, err)
		}
	}

	msg := fmt.Sprintf("Reproceso completado: %d confirmadas, %d siguen en error", processed, failed)
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(msg)
	}
	log.Println("[AUDIT]", msg)
	return nil
}

// reprocessRow classifies and commits one rehydrated row. A blocking
// violation or a store failure sends the row back to ERROR; success marks it
// PROCESADO with its expediente.
func reprocessRow(ctx context.Context, pool *pgxpool.Pool, normalizer *carga.Normalizer, rules *carga.RuleSet, store carga.ExpedienteStore, p pendingRow) error {
	cells := map[string]string{}
	if len(p.rawData) > 0 {
		if err := json.Unmarshal(p.rawData, &cells); err != nil {
			return markRowError(ctx, pool, p, nil, "datos originales de la fila no legibles")
		}
	}
	raw := &carga.RawRow{Row: p.fila, Cells: make(map[string]carga.CellValue, len(cells))}
	for key, val := range cells {
		raw.Cells[key] = carga.CellFromString(val)
	}

	normalized, violations, err := normalizer.NormalizeRow(ctx, raw)
	if err != nil {
		return fmt.Errorf("catálogo no disponible: %w", err)
	}
	violations = rules.Validate(normalized, violations)
	if carga.HasBlocking(violations) {
		return markRowError(ctx, pool, p, violations, firstBlockingMessage(violations))
	}

	var expedienteID string
	resolution := carga.ResolutionNew
	if id, found, err := store.FindByCUI(ctx, normalized.CUI); err != nil {
		return fmt.Errorf("búsqueda de expediente: %w", err)
	} else if found {
		resolution = carga.ResolutionUpdate
		expedienteID = id
		if err := store.Update(ctx, id, normalized); err != nil {
			return markRowError(ctx, pool, p, violations, err.Error())
		}
	} else {
		id, err := store.Create(ctx, normalized)
		if err != nil {
			return markRowError(ctx, pool, p, violations, err.Error())
		}
		expedienteID = id
	}

	detalle, err := json.Marshal(violations)
	if err != nil {
		detalle = []byte("[]")
	}
	_, err = pool.Exec(ctx, `
		UPDATE sesan_staging
		SET estado = 'PROCESADO', resolucion = $2, expediente_id = $3,
		    confirmado = TRUE, cui = $4, nombre = $5, error_mensaje = NULL,
		    violaciones = $6, updated_at = NOW()
		WHERE staging_id = $1
	`, p.stagingID, string(resolution), expedienteID, normalized.CUI, normalized.Nombre, detalle)
	return err
}

func markRowError(ctx context.Context, pool *pgxpool.Pool, p pendingRow, violations []carga.Violation, msg string) error {
	detalle, err := json.Marshal(violations)
	if err != nil || violations == nil {
		detalle = []byte("[]")
	}
	_, execErr := pool.Exec(ctx, `
		UPDATE sesan_staging
		SET estado = 'ERROR', resolucion = 'INVALID', error_mensaje = $2,
		    violaciones = $3, updated_at = NOW()
		WHERE staging_id = $1
	`, p.stagingID, msg, detalle)
	if execErr != nil {
		return execErr
	}
	return fmt.Errorf("fila %d: %s", p.fila, msg)
}

func firstBlockingMessage(violations []carga.Violation) string {
	for _, v := range violations {
		if v.Severity == carga.SeverityBlocking {
			return v.Message
		}
	}
	return "fila inválida"
}

// refreshBatchTotals recomputes batch counters from staging and closes the
// batch when nothing is left to review.
func refreshBatchTotals(ctx context.Context, pool *pgxpool.Pool, batchID uuid.UUID) error {
	_, err := pool.Exec(ctx, `
		UPDATE sesan_batch b
		SET total_procesados = s.procesados,
		    total_error = s.errores,
		    estado = CASE WHEN s.errores + s.pendientes = 0 THEN 'FINALIZADO' ELSE 'EN_REVISION' END,
		    updated_at = NOW()
		FROM (
		  SELECT COUNT(*) FILTER (WHERE estado = 'PROCESADO') AS procesados,
		         COUNT(*) FILTER (WHERE estado = 'ERROR') AS errores,
		         COUNT(*) FILTER (WHERE estado = 'PENDIENTE') AS pendientes
		  FROM sesan_staging
		  WHERE batch_id = $1
		) s
		WHERE b.batch_id = $1
	`, batchID)
	return err
}
