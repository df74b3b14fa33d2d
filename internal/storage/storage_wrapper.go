package storage

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
)

const runsTable = "reconciliation_runs"

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

// SaveRun saves a run and records metrics
func (s *StorageWithMetrics) SaveRun(ctx context.Context, run *models.ReconciliationRun) error {
	start := time.Now()
	err := s.Storage.SaveRun(ctx, run)
	s.record("insert", err, start)
	return err
}

// GetRuns lists runs and records metrics
func (s *StorageWithMetrics) GetRuns(ctx context.Context, filter models.RunFilter) ([]*models.ReconciliationRun, error) {
	start := time.Now()
	runs, err := s.Storage.GetRuns(ctx, filter)
	s.record("select", err, start)
	return runs, err
}

// GetLatestRun reads the latest run and records metrics
func (s *StorageWithMetrics) GetLatestRun(ctx context.Context, contract, account common.Address) (*models.ReconciliationRun, error) {
	start := time.Now()
	run, err := s.Storage.GetLatestRun(ctx, contract, account)
	s.record("select_latest", err, start)
	return run, err
}

// Cleanup prunes old runs and records metrics
func (s *StorageWithMetrics) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	start := time.Now()
	deleted, err := s.Storage.Cleanup(ctx, retentionDays)
	s.record("delete", err, start)
	return deleted, err
}

func (s *StorageWithMetrics) record(operation string, err error, start time.Time) {
	if s.metricsManager == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(
		operation,
		runsTable,
		status,
		time.Since(start),
	)
}
