package reconciler

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors, matched with errors.Is
var (
	ErrCapabilityMissing      = &utils.AppError{Code: utils.ErrCodeCapabilityMissing}
	ErrEnumerationUnavailable = &utils.AppError{Code: utils.ErrCodeEnumerationUnavailable}
	ErrNotConnected           = &utils.AppError{Code: utils.ErrCodeNotConnected}
)

// User-facing messages for the fatal failures
const (
	MessageCapabilityMissing      = "contract not compatible"
	MessageEnumerationUnavailable = "unable to list NFTs"
)

// Options tunes a Reconciler. Zero values mean no timeout and no cap.
type Options struct {
	// PassTimeout bounds one whole Reconcile call, every chain read included
	PassTimeout time.Duration
	// MaxConcurrency caps in-flight ownerOf and metadata reads
	MaxConcurrency int
}

// Result is the outcome of one reconciliation pass
type Result struct {
	Account          common.Address
	Path             Path
	Balance          *big.Int
	Tokens           []models.TokenRecord
	Candidates       int
	StaleCandidates  int
	MetadataFailures int
	IndexFailures    int
	Duration         time.Duration
}

// Reconciler computes the tokens an account currently owns on a contract
type Reconciler struct {
	opts           Options
	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// New creates a reconciler. metricsManager may be nil.
func New(opts Options, metricsManager *metrics.Manager) *Reconciler {
	return &Reconciler{
		opts:           opts,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("reconciler"),
	}
}

// Reconcile returns the tokens account owns on handle, ordered by ascending
// id. handle must provide balanceOf and ownerOf; Transfer log queries are
// preferred for discovery, with tokenOfOwnerByIndex as the fallback when
// the log scan fails or is not available. A pass cut short by ctx or by
// PassTimeout returns an error wrapping ctx.Err(), never a partial list.
func (r *Reconciler) Reconcile(ctx context.Context, handle interface{}, account common.Address) (*Result, error) {
	start := time.Now()

	if account == (common.Address{}) {
		return nil, utils.NewAppError(utils.ErrCodeNotConnected, "no account connected")
	}

	caps := DetectCapabilities(handle)
	if missing := caps.Missing(); len(missing) > 0 {
		r.recordRun(PathUnsupported, models.RunStatusFailed, start)
		return nil, utils.NewAppError(utils.ErrCodeCapabilityMissing, MessageCapabilityMissing,
			"missing "+strings.Join(missing, ", "))
	}

	if r.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.PassTimeout)
		defer cancel()
	}

	result := &Result{Account: account, Path: caps.Path()}
	log := r.logger.WithField("account", account.Hex())

	balance, err := caps.Balance.BalanceOf(ctx, account)
	if err != nil {
		r.recordRun(result.Path, models.RunStatusFailed, start)
		return nil, interrupted(ctx, err)
	}
	result.Balance = balance

	if balance.Sign() == 0 {
		result.Tokens = []models.TokenRecord{}
		return r.finish(result, start), nil
	}

	if result.Path == PathEventLog {
		err := r.fromEvents(ctx, caps, account, result)
		if err == nil {
			return r.finish(result, start), nil
		}
		if ctx.Err() != nil {
			r.recordRun(result.Path, models.RunStatusFailed, start)
			return nil, interrupted(ctx, err)
		}

		log.WithError(err).Warn("Transfer log scan failed, falling back to index enumeration")
		if caps.Index == nil {
			r.recordRun(result.Path, models.RunStatusFailed, start)
			return nil, utils.NewAppError(utils.ErrCodeEnumerationUnavailable, MessageEnumerationUnavailable, err.Error())
		}
		result.Path = PathIndexEnumeration
	}

	if result.Path != PathIndexEnumeration {
		r.recordRun(result.Path, models.RunStatusFailed, start)
		return nil, utils.NewAppError(utils.ErrCodeEnumerationUnavailable, MessageEnumerationUnavailable,
			"contract exposes neither Transfer events nor tokenOfOwnerByIndex")
	}

	if !balance.IsUint64() {
		r.recordRun(result.Path, models.RunStatusFailed, start)
		return nil, utils.NewAppError(utils.ErrCodeEnumerationUnavailable, MessageEnumerationUnavailable,
			"balance "+balance.String()+" is too large to enumerate")
	}

	if err := r.fromIndex(ctx, caps, account, balance.Uint64(), result); err != nil {
		r.recordRun(result.Path, models.RunStatusFailed, start)
		return nil, interrupted(ctx, err)
	}
	return r.finish(result, start), nil
}

// interrupted replaces err with ctx's own error once ctx is done, so callers
// can tell a cut-short pass from a chain failure with errors.Is.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("reconciliation interrupted: %w", ctxErr)
	}
	return err
}

// fromEvents builds the result from Transfer logs. Only the log queries and
// ctx can fail it; per-candidate failures are absorbed.
func (r *Reconciler) fromEvents(ctx context.Context, caps Capabilities, account common.Address, result *Result) error {
	var incoming, outgoing []models.TransferEvent

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events, err := caps.Transfers.TransfersTo(gctx, account)
		incoming = events
		return err
	})
	g.Go(func() error {
		events, err := caps.Transfers.TransfersFrom(gctx, account)
		outgoing = events
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	candidates := CandidatesFromLogs(incoming, outgoing)
	confirmed, stale, err := ConfirmOwnership(ctx, caps.Owner, account, candidates, r.opts.MaxConcurrency)
	if err != nil {
		return err
	}

	tokens, err := r.describe(ctx, caps, account, confirmed, result)
	if err != nil {
		return err
	}

	result.Candidates = len(candidates)
	result.StaleCandidates = stale
	result.Tokens = tokens
	return nil
}

// describe fetches best-effort metadata for confirmed ids, keeping order
func (r *Reconciler) describe(ctx context.Context, caps Capabilities, account common.Address, ids []*big.Int, result *Result) ([]models.TokenRecord, error) {
	records := make([]models.TokenRecord, len(ids))
	var failures atomic.Int64

	var g errgroup.Group
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			uri, ok := r.tokenURI(ctx, caps, id)
			if !ok {
				failures.Add(1)
			}

			creator := account
			if caps.Creator != nil {
				found, err := caps.Creator.Creators(ctx, id)
				if err != nil {
					failures.Add(1)
					r.recordMetadataFailure("creators")
					r.logger.WithField("token_id", id.String()).WithError(err).Debug("Creator not available")
				} else {
					creator = found
				}
			}

			records[i] = models.TokenRecord{
				ID:        id,
				TokenURI:  uri,
				Creator:   creator,
				IsCreator: utils.SameAddress(creator, account),
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.MetadataFailures += int(failures.Load())
	return records, nil
}

// fromIndex walks tokenOfOwnerByIndex sequentially, one record per index.
// Failed indices are logged and skipped; only ctx ends the walk early.
func (r *Reconciler) fromIndex(ctx context.Context, caps Capabilities, account common.Address, balance uint64, result *Result) error {
	records := make([]models.TokenRecord, 0, balance)
	failures := 0

	for i := uint64(0); i < balance; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := caps.Index.TokenOfOwnerByIndex(ctx, account, new(big.Int).SetUint64(i))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if r.metricsManager != nil {
				r.metricsManager.GetPrometheusMetrics().RecordIndexEnumerationFailure()
			}
			r.logger.WithFields(logrus.Fields{
				"account": account.Hex(),
				"index":   i,
			}).WithError(err).Warn("tokenOfOwnerByIndex failed, skipping index")
			continue
		}
		uri, ok := r.tokenURI(ctx, caps, id)
		if !ok {
			result.MetadataFailures++
		}
		records = append(records, models.TokenRecord{
			ID:        id,
			TokenURI:  uri,
			Creator:   account,
			IsCreator: true,
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	sortRecords(records)
	result.Candidates = int(balance)
	result.IndexFailures = failures
	result.Tokens = records
	return nil
}

// tokenURI returns the URI or the unknown marker; ok is false on a failed read
func (r *Reconciler) tokenURI(ctx context.Context, caps Capabilities, id *big.Int) (string, bool) {
	if caps.URI == nil {
		return models.TokenURIUnknown, true
	}
	uri, err := caps.URI.TokenURI(ctx, id)
	if err != nil {
		r.recordMetadataFailure("tokenURI")
		r.logger.WithField("token_id", id.String()).WithError(err).Debug("Token URI not available")
		return models.TokenURIUnknown, false
	}
	return uri, true
}

func (r *Reconciler) finish(result *Result, start time.Time) *Result {
	result.Duration = time.Since(start)
	r.recordRun(result.Path, models.RunStatusSuccess, start)

	if r.metricsManager != nil {
		prom := r.metricsManager.GetPrometheusMetrics()
		prom.RecordCandidates(result.Candidates)
		prom.RecordStaleCandidates(result.StaleCandidates)
	}

	r.logger.WithFields(logrus.Fields{
		"account":           result.Account.Hex(),
		"path":              result.Path,
		"balance":           result.Balance.String(),
		"candidates":        result.Candidates,
		"tokens":            len(result.Tokens),
		"stale_candidates":  result.StaleCandidates,
		"metadata_failures": result.MetadataFailures,
		"duration":          result.Duration,
	}).Info("Reconciled collection")

	return result
}

func (r *Reconciler) recordRun(path Path, status string, start time.Time) {
	if r.metricsManager != nil {
		r.metricsManager.GetPrometheusMetrics().RecordReconcileRun(string(path), status, time.Since(start))
	}
}

func (r *Reconciler) recordMetadataFailure(field string) {
	if r.metricsManager != nil {
		r.metricsManager.GetPrometheusMetrics().RecordMetadataFailure(field)
	}
}

func sortRecords(records []models.TokenRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Cmp(records[j].ID) < 0 })
}
