package sesan

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/GTskipz/bono-nutricion-expediente-api/api/utils"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
)

type batchSummary struct {
	BatchID         string    `json:"batch_id"`
	NombreLote      string    `json:"nombre_lote"`
	AnioCarga       int       `json:"anio_carga"`
	MesCarga        *int      `json:"mes_carga,omitempty"`
	UsuarioCarga    string    `json:"usuario_carga"`
	ArchivoNombre   string    `json:"archivo_nombre"`
	Estado          string    `json:"estado"`
	TotalRegistros  int       `json:"total_registros"`
	TotalProcesados int       `json:"total_procesados"`
	TotalError      int       `json:"total_error"`
	CreatedAt       time.Time `json:"created_at"`
}

type stagingRow struct {
	StagingID    string          `json:"staging_id"`
	Fila         int             `json:"fila"`
	CUI          string          `json:"cui,omitempty"`
	Nombre       string          `json:"nombre,omitempty"`
	Resolucion   string          `json:"resolucion"`
	ExpedienteID *string         `json:"expediente_id,omitempty"`
	Confirmado   bool            `json:"confirmado"`
	Estado       string          `json:"estado"`
	ErrorMensaje *string         `json:"error_mensaje,omitempty"`
	Violaciones  json.RawMessage `json:"violaciones,omitempty"`
}

// ListYears returns the distinct upload years, newest first.
func (h *Handler) ListYears(w http.ResponseWriter, r *http.Request) {
	rows, err := h.pool.Query(r.Context(), `
		SELECT DISTINCT anio_carga FROM sesan_batch ORDER BY anio_carga DESC
	`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consulta de años fallida: "+err.Error())
		return
	}
	defer rows.Close()

	years := []int{}
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		years = append(years, y)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"anios": years})
}

// ListBatches lists batches, optionally filtered by year, paginated.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := utils.ExtractPagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	where := ""
	args := []interface{}{}
	if v := strings.TrimSpace(r.URL.Query().Get("anio")); v != "" {
		anio, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "parámetro anio inválido: "+v)
			return
		}
		where = "WHERE anio_carga = $1"
		args = append(args, anio)
	}

	total, err := utils.CountTotal(ctx, h.pool, "SELECT COUNT(*) FROM sesan_batch "+where, args...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	page.SetPaginationStats(total)

	query := fmt.Sprintf(`
		SELECT batch_id, nombre_lote, anio_carga, mes_carga, usuario_carga,
		       archivo_nombre, estado, total_registros, total_procesados,
		       total_error, created_at
		FROM sesan_batch
		%s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d
	`, where, page.Limit, page.Offset)
	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consulta de lotes fallida: "+err.Error())
		return
	}
	defer rows.Close()

	batches := []batchSummary{}
	for rows.Next() {
		var b batchSummary
		if err := rows.Scan(&b.BatchID, &b.NombreLote, &b.AnioCarga, &b.MesCarga,
			&b.UsuarioCarga, &b.ArchivoNombre, &b.Estado, &b.TotalRegistros,
			&b.TotalProcesados, &b.TotalError, &b.CreatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		batches = append(batches, b)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"lotes":      batches,
		"pagination": page,
	})
}

// ListRows lists the staging rows of one batch, optionally filtered by
// estado, paginated in file order.
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := uuid.Parse(mux.Vars(r)["batchID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de lote inválido")
		return
	}
	page, err := utils.ExtractPagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	where := "WHERE batch_id = $1"
	args := []interface{}{batchID}
	if estado := strings.TrimSpace(strings.ToUpper(r.URL.Query().Get("estado"))); estado != "" {
		switch estado {
		case RowProcesado, RowError, RowPendiente, RowIgnorado:
			where += " AND estado = $2"
			args = append(args, estado)
		default:
			respondError(w, http.StatusBadRequest, "estado desconocido: "+estado)
			return
		}
	}

	total, err := utils.CountTotal(ctx, h.pool, "SELECT COUNT(*) FROM sesan_staging "+where, args...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	page.SetPaginationStats(total)

	query := fmt.Sprintf(`
		SELECT staging_id, fila, COALESCE(cui, ''), COALESCE(nombre, ''),
		       resolucion, expediente_id, confirmado, estado, error_mensaje,
		       violaciones
		FROM sesan_staging
		%s
		ORDER BY fila
		LIMIT %d OFFSET %d
	`, where, page.Limit, page.Offset)
	rows, err := h.pool.Query(ctx, query, args...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consulta de filas fallida: "+err.Error())
		return
	}
	defer rows.Close()

	filas := []stagingRow{}
	for rows.Next() {
		var f stagingRow
		if err := rows.Scan(&f.StagingID, &f.Fila, &f.CUI, &f.Nombre, &f.Resolucion,
			&f.ExpedienteID, &f.Confirmado, &f.Estado, &f.ErrorMensaje, &f.Violaciones); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		filas = append(filas, f)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"filas":      filas,
		"pagination": page,
	})
}

// DownloadReport rebuilds the outcome report of a batch from its staging rows
// and streams it as an xlsx download.
func (h *Handler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := uuid.Parse(mux.Vars(r)["batchID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de lote inválido")
		return
	}

	var nombreLote string
	var counts carga.ResolutionCounts
	var totalRegistros int
	err = h.pool.QueryRow(ctx, `
		SELECT b.nombre_lote, b.total_registros,
		       COUNT(*) FILTER (WHERE s.resolucion = 'NEW'),
		       COUNT(*) FILTER (WHERE s.resolucion = 'UPDATE'),
		       COUNT(*) FILTER (WHERE s.resolucion = 'DUPLICATE_REJECTED'),
		       COUNT(*) FILTER (WHERE s.resolucion = 'INVALID')
		FROM sesan_batch b
		LEFT JOIN sesan_staging s ON s.batch_id = b.batch_id
		WHERE b.batch_id = $1
		GROUP BY b.nombre_lote, b.total_registros
	`, batchID).Scan(&nombreLote, &totalRegistros,
		&counts.New, &counts.Updated, &counts.Duplicate, &counts.Invalid)
	if err != nil {
		respondError(w, http.StatusNotFound, "lote no encontrado")
		return
	}

	rows, err := h.pool.Query(ctx, `
		SELECT fila, COALESCE(cui, ''), COALESCE(nombre, ''), resolucion,
		       COALESCE(expediente_id::text, ''), confirmado, violaciones
		FROM sesan_staging
		WHERE batch_id = $1
		ORDER BY fila
	`, batchID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "consulta de filas fallida: "+err.Error())
		return
	}
	defer rows.Close()

	report := &carga.Report{
		BatchID:     batchID.String(),
		GeneratedAt: time.Now().UTC(),
		TotalRows:   totalRegistros,
		Counts:      counts,
	}
	for rows.Next() {
		var entry carga.ReportEntry
		var resolucion string
		var violaciones []byte
		if err := rows.Scan(&entry.Row, &entry.CUI, &entry.Nombre, &resolucion,
			&entry.ExpedienteID, &entry.Committed, &violaciones); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry.Resolution = carga.Resolution(resolucion)
		var parsed []carga.Violation
		if len(violaciones) > 0 {
			if err := json.Unmarshal(violaciones, &parsed); err == nil {
				for _, v := range parsed {
					label := fmt.Sprintf("[%s] %s", v.Severity, v.Message)
					if v.Field != "" {
						label = fmt.Sprintf("[%s] %s: %s", v.Severity, v.Field, v.Message)
					}
					entry.Violations = append(entry.Violations, label)
				}
			}
		}
		report.Entries = append(report.Entries, entry)
	}

	filename := fmt.Sprintf("resultado_%s.xlsx", sanitizePathSegment(nombreLote))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if err := report.WriteXLSX(w); err != nil {
		auditLog(fmt.Sprintf("[SESAN] reporte del lote %s no generado: %v", batchID, err))
	}
}
