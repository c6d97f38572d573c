package sesan

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/carga"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/config"
)

// Handler bundles the connections and rule set the SESAN endpoints share.
type Handler struct {
	db    *sql.DB
	pool  *pgxpool.Pool
	rules *carga.RuleSet
}

func NewHandler(db *sql.DB, pool *pgxpool.Pool, rules *carga.RuleSet) *Handler {
	return &Handler{db: db, pool: pool, rules: rules}
}

// NewRouter wires the carga masiva routes.
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/sesan/cargas", h.UploadBatch).Methods("POST")
	router.HandleFunc("/sesan/cargas", h.ListBatches).Methods("GET")
	router.HandleFunc("/sesan/cargas/anios", h.ListYears).Methods("GET")
	router.HandleFunc("/sesan/cargas/{batchID}/filas", h.ListRows).Methods("GET")
	router.HandleFunc("/sesan/cargas/{batchID}/reporte", h.DownloadReport).Methods("GET")
	router.HandleFunc("/sesan/cargas/{batchID}/reintentar-errores", h.RetryBatchErrors).Methods("POST")
	router.HandleFunc("/sesan/cargas/{batchID}/filas/{stagingID}/reintentar", h.RetryRow).Methods("POST")
	router.HandleFunc("/sesan/cargas/{batchID}/filas/{stagingID}/ignorar", h.IgnoreRow).Methods("POST")

	router.HandleFunc("/sesan/salud", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Servicio SESAN operativo"))
	}).Methods("GET")

	return router
}

func StartSesanService(cfg map[string]interface{}, db *sql.DB, pool *pgxpool.Pool) {
	port := 7143
	switch v := cfg["port"].(type) {
	case int:
		port = v
	case float64:
		port = int(v)
	}

	rules := carga.DefaultRuleSet()
	rulesPath := config.DefaultRulesPath
	if p, ok := cfg["rules_path"].(string); ok && p != "" {
		rulesPath = p
	}
	if loaded, err := carga.LoadRuleSet(rulesPath); err == nil {
		rules = loaded
	} else {
		log.Printf("[SESAN] reglas %s no cargadas, usando las integradas: %v", rulesPath, err)
	}

	router := NewRouter(NewHandler(db, pool, rules))
	addr := fmt.Sprintf(":%d", port)
	log.Println("SESAN Service started on", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("SESAN Service failed: %v", err)
	}
}
