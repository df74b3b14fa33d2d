package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	if !strings.HasPrefix(s.config.ConnectionString, "file:") {
		dir := filepath.Dir(s.config.ConnectionString)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
			}
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// Configure connection pool
	if s.config.MaxConnections > 0 {
		db.SetMaxOpenConns(s.config.MaxConnections)
		db.SetMaxIdleConns(s.config.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// SaveRun records a reconciliation run
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *models.ReconciliationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}

	query := rebindQuestion(insertRunQuery, 14)
	if _, err := s.db.ExecContext(ctx, query, runArgs(run)...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return utils.NewAppError(utils.ErrCodeValidation, "Run already recorded", run.ID)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save run", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"account":    run.Account.Hex(),
		"generation": run.Generation,
		"status":     run.Status,
	}).Debug("Run saved")

	return nil
}

// GetRuns returns runs matching filter, newest first
func (s *SQLiteStorage) GetRuns(ctx context.Context, filter models.RunFilter) ([]*models.ReconciliationRun, error) {
	query, args := buildRunsQuery(filter, "-1")
	query = rebindQuestion(query, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query runs", err.Error())
	}
	return scanRuns(rows)
}

// GetLatestRun returns the highest-generation run for a contract/account
func (s *SQLiteStorage) GetLatestRun(ctx context.Context, contract, account common.Address) (*models.ReconciliationRun, error) {
	row := s.db.QueryRowContext(ctx, rebindQuestion(latestRunQuery, 2), contract.Hex(), account.Hex())

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "No runs recorded", account.Hex())
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest run", err.Error())
	}
	return run, nil
}

// GetStats returns storage statistics
func (s *SQLiteStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconciliation_runs").Scan(&stats.TotalRuns)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get run count", err.Error())
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconciliation_runs WHERE status = ?",
		models.RunStatusFailed).Scan(&stats.FailedRuns)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get failed run count", err.Error())
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT DISTINCT contract, account FROM reconciliation_runs)").Scan(&stats.Accounts)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get account count", err.Error())
	}

	// Column reads keep the DATETIME type; MIN/MAX would come back as text
	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT started_at FROM reconciliation_runs ORDER BY started_at ASC LIMIT 1").Scan(&oldest)
	if err == nil {
		stats.OldestRun = &oldest
	}

	var latest time.Time
	err = s.db.QueryRowContext(ctx,
		"SELECT started_at FROM reconciliation_runs ORDER BY started_at DESC LIMIT 1").Scan(&latest)
	if err == nil {
		stats.LatestRun = &latest
	}

	var lastCleanup string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = 'last_cleanup'").Scan(&lastCleanup)
	if err == nil {
		if t, err := time.Parse(time.RFC3339, lastCleanup); err == nil {
			stats.LastCleanup = &t
		}
	}

	// Get database size (SQLite specific)
	err = s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&stats.DatabaseSize)
	if err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports whether the database answers a ping
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "SQLite",
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"path": s.config.ConnectionString},
		LastPing:    time.Now(),
	}
}

// Cleanup deletes runs older than retentionDays and returns how many
func (s *SQLiteStorage) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin cleanup transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM reconciliation_runs WHERE started_at < ?", cutoffTime)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to cleanup old runs", err.Error())
	}
	runsDeleted, _ := result.RowsAffected()

	// Update last cleanup time
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO system_state (key, value, updated_at) VALUES ('last_cleanup', ?, ?)",
		time.Now().UTC().Format(time.RFC3339), time.Now().UTC())
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update last cleanup time", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cleanup transaction", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"runs_deleted":   runsDeleted,
		"retention_days": retentionDays,
	}).Info("Database cleanup completed")

	return runsDeleted, nil
}

// Vacuum optimizes the database
func (s *SQLiteStorage) Vacuum() error {
	s.logger.Info("Starting database vacuum")

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}

	s.logger.Info("Database vacuum completed")
	return nil
}
