package sesan

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// RetryRow queues one failed staging row for reprocessing. Only rows in
// estado ERROR can be retried; the scheduled reprocessor picks them up.
func (h *Handler) RetryRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := uuid.Parse(mux.Vars(r)["batchID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de lote inválido")
		return
	}
	stagingID, err := uuid.Parse(mux.Vars(r)["stagingID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de fila inválido")
		return
	}

	tag, err := h.pool.Exec(ctx, `
		UPDATE sesan_staging
		SET estado = $3, error_mensaje = NULL, updated_at = NOW()
		WHERE staging_id = $1 AND batch_id = $2 AND estado = $4
	`, stagingID, batchID, RowPendiente, RowError)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reintento fallido: "+err.Error())
		return
	}
	if tag.RowsAffected() == 0 {
		respondError(w, http.StatusConflict, "la fila no existe o no está en estado ERROR")
		return
	}

	auditLog(fmt.Sprintf("[SESAN] fila %s del lote %s marcada para reproceso", stagingID, batchID))
	respondJSON(w, http.StatusOK, map[string]string{"estado": RowPendiente})
}

// RetryBatchErrors queues every ERROR row of a batch for reprocessing.
func (h *Handler) RetryBatchErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := uuid.Parse(mux.Vars(r)["batchID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de lote inválido")
		return
	}

	tag, err := h.pool.Exec(ctx, `
		UPDATE sesan_staging
		SET estado = $2, error_mensaje = NULL, updated_at = NOW()
		WHERE batch_id = $1 AND estado = $3
	`, batchID, RowPendiente, RowError)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reintento fallido: "+err.Error())
		return
	}

	auditLog(fmt.Sprintf("[SESAN] lote %s: %d filas marcadas para reproceso", batchID, tag.RowsAffected()))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"estado":             RowPendiente,
		"filas_reintentadas": tag.RowsAffected(),
	})
}

// IgnoreRow marks a failed staging row as deliberately discarded, keeping who
// and why for the audit trail.
func (h *Handler) IgnoreRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID, err := uuid.Parse(mux.Vars(r)["batchID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de lote inválido")
		return
	}
	stagingID, err := uuid.Parse(mux.Vars(r)["stagingID"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "identificador de fila inválido")
		return
	}

	var req struct {
		Usuario string `json:"usuario"`
		Motivo  string `json:"motivo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "cuerpo JSON inválido")
		return
	}
	if strings.TrimSpace(req.Motivo) == "" {
		respondError(w, http.StatusBadRequest, "el motivo es obligatorio")
		return
	}
	if strings.TrimSpace(req.Usuario) == "" {
		req.Usuario = "desconocido"
	}

	tag, err := h.pool.Exec(ctx, `
		UPDATE sesan_staging
		SET estado = $3, ignorado_por = $4, motivo_ignorado = $5,
		    ignorado_at = NOW(), updated_at = NOW()
		WHERE staging_id = $1 AND batch_id = $2 AND estado IN ($6, $7)
	`, stagingID, batchID, RowIgnorado, req.Usuario, req.Motivo, RowError, RowPendiente)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "descarte fallido: "+err.Error())
		return
	}
	if tag.RowsAffected() == 0 {
		respondError(w, http.StatusConflict, "la fila no existe o no puede ignorarse en su estado actual")
		return
	}

	auditLog(fmt.Sprintf("[SESAN] fila %s del lote %s ignorada por %s: %s",
		stagingID, batchID, req.Usuario, req.Motivo))
	respondJSON(w, http.StatusOK, map[string]string{"estado": RowIgnorado})
}
