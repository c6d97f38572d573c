package sesan

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/serviceiface"
)

type SesanService struct {
	config map[string]interface{}
	db     *sql.DB
	pool   *pgxpool.Pool
}

func NewSesanService(cfg map[string]interface{}, db *sql.DB, pool *pgxpool.Pool) serviceiface.Service {
	return &SesanService{config: cfg, db: db, pool: pool}
}

func (s *SesanService) Name() string {
	return "sesan"
}

func (s *SesanService) Start() error {
	go StartSesanService(s.config, s.db, s.pool)
	return nil
}

func (s *SesanService) Stop() error {
	return nil
}
