package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contract = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	alice    = common.HexToAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	bob      = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
)

func newSQLite(t *testing.T) Storage {
	t.Helper()
	store, err := NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "data", "runs.db"),
		MaxConnections:   4,
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func run(account common.Address, generation uint64, status string, startedAt time.Time) *models.ReconciliationRun {
	return &models.ReconciliationRun{
		Contract:   contract,
		Account:    account,
		Path:       "event_log",
		Generation: generation,
		Balance:    2,
		Candidates: 3,
		Tokens:     2,
		Status:     status,
		StartedAt:  startedAt,
		Duration:   1500 * time.Millisecond,
	}
}

func TestSaveAndGetRuns(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	now := time.Now()

	first := run(alice, 1, models.RunStatusSuccess, now.Add(-2*time.Hour))
	require.NoError(t, store.SaveRun(ctx, first))
	assert.NotEmpty(t, first.ID)

	msg := "ENUMERATION_UNAVAILABLE: unable to list NFTs"
	second := run(alice, 2, models.RunStatusFailed, now.Add(-time.Hour))
	second.Error = &msg
	require.NoError(t, store.SaveRun(ctx, second))
	require.NoError(t, store.SaveRun(ctx, run(bob, 1, models.RunStatusSuccess, now)))

	runs, err := store.GetRuns(ctx, models.RunFilter{Account: &alice})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, uint64(2), runs[0].Generation)
	assert.Equal(t, alice, runs[0].Account)
	assert.Equal(t, contract, runs[0].Contract)
	require.NotNil(t, runs[0].Error)
	assert.Equal(t, msg, *runs[0].Error)
	assert.Nil(t, runs[1].Error)
	assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
	assert.Equal(t, uint64(2), runs[1].Balance)

	failed := models.RunStatusFailed
	runs, err = store.GetRuns(ctx, models.RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, second.ID, runs[0].ID)

	since := now.Add(-90 * time.Minute)
	runs, err = store.GetRuns(ctx, models.RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = store.GetRuns(ctx, models.RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, second.ID, runs[0].ID)

	runs, err = store.GetRuns(ctx, models.RunFilter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)

	assert.Error(t, store.SaveRun(ctx, first))
}

func TestGetLatestRun(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()

	_, err := store.GetLatestRun(ctx, contract, alice)
	assert.Equal(t, utils.ErrCodeNotFound, utils.ErrorCode(err))

	now := time.Now()
	require.NoError(t, store.SaveRun(ctx, run(alice, 3, models.RunStatusSuccess, now.Add(-time.Minute))))
	require.NoError(t, store.SaveRun(ctx, run(alice, 2, models.RunStatusStale, now)))

	latest, err := store.GetLatestRun(ctx, contract, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Generation)
}

func TestStatsAndCleanup(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveRun(ctx, run(alice, 1, models.RunStatusSuccess, now.AddDate(0, 0, -40))))
	require.NoError(t, store.SaveRun(ctx, run(alice, 2, models.RunStatusFailed, now.Add(-time.Hour))))
	require.NoError(t, store.SaveRun(ctx, run(bob, 1, models.RunStatusSuccess, now)))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.FailedRuns)
	assert.Equal(t, int64(2), stats.Accounts)
	assert.Nil(t, stats.LastCleanup)

	deleted, err := store.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err = store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.NotNil(t, stats.LastCleanup)

	deleted, err = store.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	require.NoError(t, store.Vacuum())
	assert.True(t, store.GetHealth().Healthy)
}

func TestStorageWithMetrics(t *testing.T) {
	metricsManager := metrics.NewManager()
	store := NewStorageWithMetrics(newSQLite(t), metricsManager)
	ctx := context.Background()

	require.NoError(t, store.SaveRun(ctx, run(alice, 1, models.RunStatusSuccess, time.Now())))
	_, err := store.GetRuns(ctx, models.RunFilter{})
	require.NoError(t, err)

	prom := metricsManager.GetPrometheusMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.DatabaseOperationsTotal.WithLabelValues("insert", runsTable, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.DatabaseOperationsTotal.WithLabelValues("select", runsTable, "success")))
}

func TestValidateStorageConfig(t *testing.T) {
	assert.Error(t, ValidateStorageConfig(&config.StorageConfig{}))
	assert.Error(t, ValidateStorageConfig(&config.StorageConfig{Type: "mysql", ConnectionString: "x"}))
	assert.NoError(t, ValidateStorageConfig(&config.StorageConfig{Type: "PostgreSQL", ConnectionString: "x"}))

	store, err := NewStorage(&config.StorageConfig{Type: "postgres", ConnectionString: "postgres://localhost/mememorph"})
	require.NoError(t, err)
	assert.IsType(t, &PostgreSQLStorage{}, store)
}

func TestBuildRunsQuery(t *testing.T) {
	status := models.RunStatusSuccess
	query, args := buildRunsQuery(models.RunFilter{Account: &alice, Status: &status, Offset: 5}, "ALL")

	assert.Contains(t, query, "account = $1")
	assert.Contains(t, query, "status = $2")
	assert.Contains(t, query, "LIMIT ALL OFFSET $3")
	assert.Equal(t, []interface{}{alice.Hex(), status, 5}, args)

	assert.NotContains(t, rebindQuestion(query, len(args)), "$")
}
