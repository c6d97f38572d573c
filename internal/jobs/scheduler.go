package jobs

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GTskipz/bono-nutricion-expediente-api/internal/logger"
	"github.com/GTskipz/bono-nutricion-expediente-api/internal/serviceiface"
)

type CronService struct {
	config map[string]interface{}
	pool   *pgxpool.Pool
	db     *sql.DB
}

func NewCronService(cfg map[string]interface{}, pool *pgxpool.Pool, db *sql.DB) serviceiface.Service {
	return &CronService{
		config: cfg,
		pool:   pool,
		db:     db,
	}
}

func (s *CronService) Name() string {
	return "cron"
}

func (s *CronService) Start() error {
	log.Println("Starting cron service...")

	reprocessConfig := NewDefaultReprocessConfig()
	if s.config != nil {
		if schedule, ok := s.config["reprocess_schedule"].(string); ok && schedule != "" {
			reprocessConfig.Schedule = schedule
		}
		if batchSize, ok := s.config["reprocess_batch_size"].(int); ok && batchSize > 0 {
			reprocessConfig.BatchSize = batchSize
		}
	}

	if err := RunReprocessScheduler(reprocessConfig, s.pool, s.db); err != nil {
		return fmt.Errorf("failed to start staging reprocessor: %v", err)
	}

	if logger.GlobalLogger != nil {
		logger.GlobalLogger.LogAudit("Cron service started with staging reprocessor")
	}
	log.Println("Cron service started, staging reprocessor scheduled")
	return nil
}

func (s *CronService) Stop() error {
	log.Println("Cron service stopped.")
	return nil
}
