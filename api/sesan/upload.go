package sesan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GTskipz/bono-nutricion-expediente-api/api/catalogos"
	"github.com/GTskipz/bono-nutricion-expediente-api/api/expedientes"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/audit"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/config"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/logger"
)

// Estados of a carga batch.
const (
	BatchEnProceso  = "EN_PROCESO"
	BatchEnRevision = "EN_REVISION"
	BatchFinalizado = "FINALIZADO"
	BatchRechazado  = "RECHAZADO"
)

// Estados of a staging row.
const (
	RowProcesado = "PROCESADO"
	RowError     = "ERROR"
	RowPendiente = "PENDIENTE"
	RowIgnorado  = "IGNORADO"
)

type uploadResponse struct {
	BatchID string        `json:"batch_id"`
	Estado  string        `json:"estado"`
	Reporte *carga.Report `json:"reporte"`
}

// recordingSource tees raw rows out of the reader so the staging table can
// keep the original cell values next to each outcome.
type recordingSource struct {
	src  carga.RowSource
	raws map[int]*carga.RawRow
}

func (s *recordingSource) Next() (*carga.RawRow, error) {
	raw, err := s.src.Next()
	if raw != nil {
		s.raws[raw.Row] = raw
	}
	return raw, err
}

// UploadBatch receives one SESAN spreadsheet, runs the carga masiva pipeline
// and persists the batch with its per-row staging detail. Re-uploading a file
// with the same checksum is rejected with the original batch id.
func (h *Handler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(config.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "formulario multipart inválido: "+err.Error())
		return
	}
	file, header, err := r.FormFile("archivo")
	if err != nil {
		file, header, err = r.FormFile("file")
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "archivo no incluido en la solicitud")
		return
	}
	defer file.Close()

	fileBytes, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "no se pudo leer el archivo: "+err.Error())
		return
	}

	usuario := strings.TrimSpace(r.FormValue("usuario"))
	if usuario == "" {
		usuario = "desconocido"
	}
	anio := time.Now().Year()
	if v := strings.TrimSpace(r.FormValue("anio")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 2000 {
			respondError(w, http.StatusBadRequest, "parámetro anio inválido: "+v)
			return
		}
		anio = parsed
	}
	var mes *int
	if v := strings.TrimSpace(r.FormValue("mes")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 && parsed <= 12 {
			mes = &parsed
		}
	}
	nombreLote := strings.TrimSpace(r.FormValue("nombre_lote"))
	if nombreLote == "" {
		nombreLote = header.Filename
	}

	fileHash := computeSHA256(fileBytes)
	var existingID, existingEstado string
	err = h.pool.QueryRow(ctx, `
		SELECT batch_id, estado FROM sesan_batch WHERE checksum_sha256 = $1
	`, fileHash).Scan(&existingID, &existingEstado)
	if err == nil {
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":    "este archivo ya fue cargado",
			"batch_id": existingID,
			"estado":   existingEstado,
		})
		return
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		respondError(w, http.StatusInternalServerError, "verificación de duplicado fallida: "+err.Error())
		return
	}

	batchID := uuid.New()
	_, err = h.pool.Exec(ctx, `
		INSERT INTO sesan_batch (
		  batch_id, nombre_lote, anio_carga, mes_carga, usuario_carga,
		  archivo_nombre, archivo_size_bytes, checksum_sha256, estado,
		  created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, batchID, nombreLote, anio, mes, usuario,
		header.Filename, len(fileBytes), fileHash, BatchEnProceso)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "registro del lote fallido: "+err.Error())
		return
	}

	reader, err := carga.OpenWorkbook(fileBytes, header.Filename)
	if err != nil {
		h.markBatchRejected(ctx, batchID, err)
		status := http.StatusUnprocessableEntity
		if !errors.Is(err, carga.ErrMalformedFile) && !errors.Is(err, carga.ErrMissingHeader) {
			status = http.StatusInternalServerError
		}
		respondError(w, status, err.Error())
		return
	}

	src := &recordingSource{src: reader, raws: make(map[int]*carga.RawRow)}
	pipeline := carga.NewPipeline(
		catalogos.NewSQLCatalog(h.db),
		expedientes.NewPGStore(h.pool),
		audit.NewPGRecorder(h.pool),
		h.rules,
		carga.WithWorkers(config.DefaultWorkers),
	)

	result, err := pipeline.Run(ctx, src)
	if err != nil && result == nil {
		h.markBatchRejected(ctx, batchID, err)
		respondError(w, http.StatusInternalServerError, "procesamiento del lote fallido: "+err.Error())
		return
	}
	if err != nil {
		// commits landed but the audit record did not; surface it, keep the batch
		log.Printf("[SESAN] lote %s: %v", batchID, err)
	}

	if isArchiveEnabled() {
		key := buildCargaS3Key(anio, fileHash, filepath.Ext(header.Filename))
		url, s3err := uploadCargaToS3(ctx, key, fileBytes, detectContentType(fileBytes))
		if s3err != nil {
			log.Printf("[SESAN] lote %s: archivo no archivado en S3: %v", batchID, s3err)
		} else {
			_, _ = h.pool.Exec(ctx, `
				UPDATE sesan_batch SET storage_provider = 's3', storage_key = $2, storage_url = $3, updated_at = NOW()
				WHERE batch_id = $1
			`, batchID, key, url)
		}
	}

	if err := h.insertStagingRows(ctx, batchID, result, src.raws); err != nil {
		// commits and the audit entry already landed; the batch must not be
		// left EN_PROCESO with its report unreachable
		markBatchFailed(ctx, h.pool, batchID, BatchEnRevision, err)
		respondError(w, http.StatusInternalServerError, "persistencia de filas fallida: "+err.Error())
		return
	}

	estado := BatchFinalizado
	if result.Counts.Invalid+result.Counts.Duplicate > 0 {
		estado = BatchEnRevision
	}
	_, err = h.pool.Exec(ctx, `
		UPDATE sesan_batch
		SET estado = $2, resultado_lote_id = $3, total_registros = $4,
		    total_procesados = $5, total_error = $6, updated_at = NOW()
		WHERE batch_id = $1
	`, batchID, estado, result.BatchID, result.TotalRows,
		result.Counts.New+result.Counts.Updated, result.Counts.Invalid+result.Counts.Duplicate)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cierre del lote fallido: "+err.Error())
		return
	}

	auditLog(fmt.Sprintf("[SESAN] lote %s cargado por %s: %d filas, %d nuevos, %d actualizados, %d duplicados, %d inválidos",
		batchID, usuario, result.TotalRows, result.Counts.New, result.Counts.Updated,
		result.Counts.Duplicate, result.Counts.Invalid))

	respondJSON(w, http.StatusCreated, uploadResponse{
		BatchID: batchID.String(),
		Estado:  estado,
		Reporte: carga.BuildReport(result),
	})
}

func (h *Handler) markBatchRejected(ctx context.Context, batchID uuid.UUID, cause error) {
	markBatchFailed(ctx, h.pool, batchID, BatchRechazado, cause)
}

// batchExecer is the slice of the pool the batch-state updates need.
type batchExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// markBatchFailed records a failure against the batch so it never lingers in
// EN_PROCESO after the handler responded.
func markBatchFailed(ctx context.Context, db batchExecer, batchID uuid.UUID, estado string, cause error) {
	_, err := db.Exec(ctx, `
		UPDATE sesan_batch SET estado = $2, error_mensaje = $3, updated_at = NOW()
		WHERE batch_id = $1
	`, batchID, estado, cause.Error())
	if err != nil {
		log.Printf("[SESAN] lote %s: no se pudo marcar estado %s: %v", batchID, estado, err)
	}
	auditLog(fmt.Sprintf("[SESAN] lote %s marcado %s: %v", batchID, estado, cause))
}

// insertStagingRows persists one staging row per outcome, in chunks, keeping
// the original cells so rejected rows can be corrected and reprocessed.
func (h *Handler) insertStagingRows(ctx context.Context, batchID uuid.UUID, result *carga.BatchResult, raws map[int]*carga.RawRow) error {
	const insert = `
		INSERT INTO sesan_staging (
		  staging_id, batch_id, fila, cui, nombre, resolucion, expediente_id,
		  confirmado, estado, error_mensaje, violaciones, raw_data,
		  created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	for start := 0; start < len(result.Outcomes); start += config.StagingInsertBatch {
		end := start + config.StagingInsertBatch
		if end > len(result.Outcomes) {
			end = len(result.Outcomes)
		}
		batch := &pgx.Batch{}
		for _, o := range result.Outcomes[start:end] {
			cui, nombre := "", ""
			if o.Normalized != nil {
				cui = o.Normalized.CUI
				nombre = o.Normalized.Nombre
			}
			estado := RowError
			if o.Committed {
				estado = RowProcesado
			}
			violaciones, err := json.Marshal(o.Violations)
			if err != nil {
				return fmt.Errorf("serialización de violaciones fila %d: %w", o.Row, err)
			}
			rawData, err := json.Marshal(rawCells(raws[o.Row]))
			if err != nil {
				return fmt.Errorf("serialización de fila %d: %w", o.Row, err)
			}
			batch.Queue(insert,
				uuid.New(), batchID, o.Row, cui, nombre, string(o.Resolution),
				nullable(o.TargetExpedienteID), o.Committed, estado,
				nullable(firstError(&o)), violaciones, rawData)
		}
		br := h.pool.SendBatch(ctx, batch)
		var firstErr error
		for i := start; i < end; i++ {
			if _, err := br.Exec(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("fila %d: %w", result.Outcomes[i].Row, err)
			}
		}
		if err := br.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

func rawCells(raw *carga.RawRow) map[string]string {
	cells := make(map[string]string)
	if raw == nil {
		return cells
	}
	for key, cell := range raw.Cells {
		if !cell.IsBlank() {
			cells[key] = cell.String()
		}
	}
	return cells
}

// firstError picks the message recorded against a failed row: the store write
// error when the commit failed, the first blocking violation otherwise.
func firstError(o *carga.RowOutcome) string {
	if o.CommitError != "" {
		return o.CommitError
	}
	for _, v := range o.Violations {
		if v.Severity == carga.SeverityBlocking {
			return v.Message
		}
	}
	return ""
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func auditLog(msg string) {
	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit(msg)
	} else {
		log.Println(msg)
	}
}
