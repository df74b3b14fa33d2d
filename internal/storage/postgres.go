package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	if p.config.MaxConnections > 0 {
		db.SetMaxOpenConns(p.config.MaxConnections)
		db.SetMaxIdleConns(p.config.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(p.config.MaxIdleTime)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	p.logger.Info("Starting PostgreSQL database migrations")

	for _, migration := range p.migrations {
		p.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if _, err := p.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	p.logger.Info("PostgreSQL database migrations completed")
	return nil
}

// SaveRun records a reconciliation run
func (p *PostgreSQLStorage) SaveRun(ctx context.Context, run *models.ReconciliationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}

	if _, err := p.db.ExecContext(ctx, insertRunQuery, runArgs(run)...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return utils.NewAppError(utils.ErrCodeValidation, "Run already recorded", run.ID)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save run", err.Error())
	}

	return nil
}

// GetRuns returns runs matching filter, newest first
func (p *PostgreSQLStorage) GetRuns(ctx context.Context, filter models.RunFilter) ([]*models.ReconciliationRun, error) {
	query, args := buildRunsQuery(filter, "ALL")

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query runs", err.Error())
	}
	return scanRuns(rows)
}

// GetLatestRun returns the highest-generation run for a contract/account
func (p *PostgreSQLStorage) GetLatestRun(ctx context.Context, contract, account common.Address) (*models.ReconciliationRun, error) {
	row := p.db.QueryRowContext(ctx, latestRunQuery, contract.Hex(), account.Hex())

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
func (p *PostgreSQLStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	var oldest, latest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $1),
		       COUNT(DISTINCT (contract, account)),
		       MIN(started_at),
		       MAX(started_at)
		FROM reconciliation_runs
	`, models.RunStatusFailed).Scan(&stats.TotalRuns, &stats.FailedRuns, &stats.Accounts, &oldest, &latest)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get run statistics", err.Error())
	}
	if oldest.Valid {
		stats.OldestRun = &oldest.Time
	}
	if latest.Valid {
		stats.LatestRun = &latest.Time
	}

	var lastCleanup string
	err = p.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = 'last_cleanup'").Scan(&lastCleanup)
	if err == nil {
		if t, err := time.Parse(time.RFC3339, lastCleanup); err == nil {
			stats.LastCleanup = &t
		}
	}

	err = p.db.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSize)
	if err != nil {
		stats.DatabaseSize = 0
	}

	return stats, nil
}

// GetHealth reports whether the database answers a ping
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "PostgreSQL",
		Healthy:     p.Ping() == nil,
		LastPing:    time.Now(),
	}
}

// Cleanup deletes runs older than retentionDays and returns how many
func (p *PostgreSQLStorage) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin cleanup transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM reconciliation_runs WHERE started_at < $1", cutoffTime)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to cleanup old runs", err.Error())
	}
	runsDeleted, _ := result.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES ('last_cleanup', $1, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update last cleanup time", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cleanup transaction", err.Error())
	}

	p.logger.WithFields(logrus.Fields{
		"runs_deleted":   runsDeleted,
		"retention_days": retentionDays,
	}).Info("Database cleanup completed")

	return runsDeleted, nil
}

// Vacuum reclaims space and refreshes planner statistics
func (p *PostgreSQLStorage) Vacuum() error {
	if _, err := p.db.Exec("VACUUM ANALYZE reconciliation_runs"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to vacuum database", err.Error())
	}
	return nil
}
