package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/mememorph/internal/models"
)

// Storage persists reconciliation run history. The ownership snapshot
// itself is never stored.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Run history
	SaveRun(ctx context.Context, run *models.ReconciliationRun) error
	GetRuns(ctx context.Context, filter models.RunFilter) ([]*models.ReconciliationRun, error)
	GetLatestRun(ctx context.Context, contract, account common.Address) (*models.ReconciliationRun, error)

	// Statistics and monitoring
	GetStats(ctx context.Context) (*StorageStats, error)
	GetHealth() *StorageHealth

	// Maintenance operations
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
	Vacuum() error
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalRuns    int64      `json:"total_runs"`
	FailedRuns   int64      `json:"failed_runs"`
	Accounts     int64      `json:"accounts"`
	OldestRun    *time.Time `json:"oldest_run,omitempty"`
	LatestRun    *time.Time `json:"latest_run,omitempty"`
	DatabaseSize int64      `json:"database_size_bytes"`
	LastCleanup  *time.Time `json:"last_cleanup,omitempty"`
}

// StorageHealth reports storage reachability
type StorageHealth struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	RetentionDays    int           `json:"retention_days"`
}
