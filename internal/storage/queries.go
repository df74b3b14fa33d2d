package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

const runColumns = `id, contract, account, path, generation, balance, candidates, tokens,
	stale_candidates, metadata_failures, status, error, started_at, duration_ms`

const insertRunQuery = `
	INSERT INTO reconciliation_runs (` + runColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const latestRunQuery = `
	SELECT ` + runColumns + ` FROM reconciliation_runs
	WHERE contract = $1 AND account = $2
	ORDER BY generation DESC, started_at DESC
	LIMIT 1
`

// runArgs returns insertRunQuery arguments in column order
func runArgs(run *models.ReconciliationRun) []interface{} {
	return []interface{}{
		run.ID, run.Contract.Hex(), run.Account.Hex(), run.Path, run.Generation,
		run.Balance, run.Candidates, run.Tokens, run.StaleCandidates, run.MetadataFailures,
		run.Status, run.Error, run.StartedAt.UTC(), run.Duration.Milliseconds(),
	}
}

// buildRunsQuery builds a filtered run listing with $n placeholders,
// newest first. unlimited is the dialect's LIMIT value for "no limit".
func buildRunsQuery(filter models.RunFilter, unlimited string) (string, []interface{}) {
	query := "SELECT " + runColumns + " FROM reconciliation_runs WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.Contract != nil {
		query += fmt.Sprintf(" AND contract = $%d", argIndex)
		args = append(args, filter.Contract.Hex())
		argIndex++
	}

	if filter.Account != nil {
		query += fmt.Sprintf(" AND account = $%d", argIndex)
		args = append(args, filter.Account.Hex())
		argIndex++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argIndex)
		args = append(args, filter.Since.UTC())
		argIndex++
	}

	query += " ORDER BY started_at DESC, generation DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}

	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT " + unlimited
		}
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	return query, args
}

// rebindQuestion converts $n placeholders to ? for SQLite
func rebindQuestion(query string, args int) string {
	for i := args; i >= 1; i-- {
		query = strings.Replace(query, fmt.Sprintf("$%d", i), "?", 1)
	}
	return query
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	var contract, account string
	var runErr sql.NullString
	var durationMs int64

	err := row.Scan(&run.ID, &contract, &account, &run.Path, &run.Generation,
		&run.Balance, &run.Candidates, &run.Tokens, &run.StaleCandidates, &run.MetadataFailures,
		&run.Status, &runErr, &run.StartedAt, &durationMs)
	if err != nil {
		return nil, err
	}

	run.Contract = common.HexToAddress(contract)
	run.Account = common.HexToAddress(account)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	if runErr.Valid {
		run.Error = &runErr.String
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*models.ReconciliationRun, error) {
	defer rows.Close()

	runs := []*models.ReconciliationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan run", err.Error())
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read runs", err.Error())
	}
	return runs, nil
}

func validateRun(run *models.ReconciliationRun) error {
	if run == nil {
		return utils.NewAppError(utils.ErrCodeValidation, "Run is nil", "")
	}
	if run.ID == "" {
		id, err := utils.GenerateID()
		if err != nil {
			return utils.NewAppError(utils.ErrCodeInternal, "Failed to generate run id", err.Error())
		}
		run.ID = id
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Run status is required", run.ID)
	}
	return nil
}
