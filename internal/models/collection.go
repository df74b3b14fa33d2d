package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Collection is the latest reconciliation result for one account on one
// contract, as shown to the user.
type Collection struct {
	Contract   common.Address   `json:"contract"`
	Account    common.Address   `json:"account"`
	Tokens     []TokenRecord    `json:"tokens"`
	Path       string           `json:"path,omitempty"`
	Generation uint64           `json:"generation"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Error      *CollectionError `json:"error,omitempty"`
}

// CollectionError is the user-visible error state of a collection
type CollectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run statuses
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusStale   = "stale"
)

// ReconciliationRun summarises one reconciliation pass
type ReconciliationRun struct {
	ID               string         `json:"id" db:"id"`
	Contract         common.Address `json:"contract" db:"contract"`
	Account          common.Address `json:"account" db:"account"`
	Path             string         `json:"path" db:"path"`
	Generation       uint64         `json:"generation" db:"generation"`
	Balance          uint64         `json:"balance" db:"balance"`
	Candidates       int            `json:"candidates" db:"candidates"`
	Tokens           int            `json:"tokens" db:"tokens"`
	StaleCandidates  int            `json:"stale_candidates" db:"stale_candidates"`
	MetadataFailures int            `json:"metadata_failures" db:"metadata_failures"`
	Status           string         `json:"status" db:"status"`
	Error            *string        `json:"error,omitempty" db:"error"`
	StartedAt        time.Time      `json:"started_at" db:"started_at"`
	Duration         time.Duration  `json:"duration" db:"duration_ms"`
}

// RunFilter for querying reconciliation runs
type RunFilter struct {
	Contract *common.Address `json:"contract,omitempty"`
	Account  *common.Address `json:"account,omitempty"`
	Status   *string         `json:"status,omitempty"`
	Since    *time.Time      `json:"since,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}
