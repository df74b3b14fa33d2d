package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create reconciliation_runs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS reconciliation_runs (
					id TEXT PRIMARY KEY,
					contract TEXT NOT NULL,
					account TEXT NOT NULL,
					path TEXT NOT NULL,
					generation INTEGER NOT NULL,
					balance INTEGER NOT NULL DEFAULT 0,
					candidates INTEGER NOT NULL DEFAULT 0,
					tokens INTEGER NOT NULL DEFAULT 0,
					stale_candidates INTEGER NOT NULL DEFAULT 0,
					metadata_failures INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					error TEXT,
					started_at DATETIME NOT NULL,
					duration_ms INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_runs_contract_account ON reconciliation_runs(contract, account);
				CREATE INDEX IF NOT EXISTS idx_runs_started_at ON reconciliation_runs(started_at);
				CREATE INDEX IF NOT EXISTS idx_runs_status ON reconciliation_runs(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create reconciliation_runs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS reconciliation_runs (
					id VARCHAR(64) PRIMARY KEY,
					contract VARCHAR(42) NOT NULL,
					account VARCHAR(42) NOT NULL,
					path VARCHAR(32) NOT NULL,
					generation BIGINT NOT NULL,
					balance NUMERIC(78, 0) NOT NULL DEFAULT 0,
					candidates INTEGER NOT NULL DEFAULT 0,
					tokens INTEGER NOT NULL DEFAULT 0,
					stale_candidates INTEGER NOT NULL DEFAULT 0,
					metadata_failures INTEGER NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL,
					error TEXT,
					started_at TIMESTAMPTZ NOT NULL,
					duration_ms BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_runs_contract_account ON reconciliation_runs(contract, account);
				CREATE INDEX IF NOT EXISTS idx_runs_started_at ON reconciliation_runs(started_at);
				CREATE INDEX IF NOT EXISTS idx_runs_status ON reconciliation_runs(status);
			`,
		},
		{
			Version:     "002",
			Description: "Create system_state table",
			SQL: `
				CREATE TABLE IF NOT EXISTS system_state (
					key VARCHAR(64) PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at TIMESTAMPTZ DEFAULT NOW()
				);
			`,
		},
	}
}
