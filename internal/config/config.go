package config

const (
	DefaultTimeZone = "America/Guatemala"

	// Carga masiva SESAN
	MaxUploadBytes     = 32 << 20
	DefaultWorkers     = 4
	DefaultRulesPath   = "config/rules.yaml"
	StagingInsertBatch = 500

	// Reprocessing of staging rows left in PENDIENTE
	DefaultReprocessSchedule  = "*/30 * * * *" // every 30 minutes
	DefaultReprocessBatchSize = 200
)
