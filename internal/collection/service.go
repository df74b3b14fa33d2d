package collection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/reconciler"
	"github.com/smartdevs17/mememorph/internal/storage"
	"github.com/smartdevs17/mememorph/internal/wallet"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// Reconciler computes an account's tokens on a contract handle
type Reconciler interface {
	Reconcile(ctx context.Context, handle interface{}, account common.Address) (*reconciler.Result, error)
}

// Listener receives every collection written to a slot
type Listener func(models.Collection)

// slot is the visible collection of one account. issued is the last
// generation handed to a refresh; written is the newest generation stored.
// A result whose generation is not above written is stale. notified is the
// newest generation delivered to listeners, guarded by notifyMu.
type slot struct {
	issued     uint64
	written    uint64
	collection *models.Collection

	notifyMu sync.Mutex
	notified uint64
}

// Service owns the visible collection of each account on one contract
type Service struct {
	contract       common.Address
	handle         interface{}
	reconciler     Reconciler
	storage        storage.Storage
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu        sync.Mutex
	slots     map[common.Address]*slot
	listeners map[common.Address]map[uint64]Listener
	nextID    uint64
	wg        sync.WaitGroup

	// beforeNotify runs between applying a result and delivering it; tests only
	beforeNotify func(generation uint64)
}

// NewService creates a collection service. store and metricsManager may be nil.
func NewService(contract common.Address, handle interface{}, rec Reconciler, store storage.Storage, metricsManager *metrics.Manager) *Service {
	return &Service{
		contract:       contract,
		handle:         handle,
		reconciler:     rec,
		storage:        store,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("collection").WithField("contract", contract.Hex()),
		slots:          make(map[common.Address]*slot),
		listeners:      make(map[common.Address]map[uint64]Listener),
	}
}

// Contract returns the contract address the service reconciles against
func (s *Service) Contract() common.Address {
	return s.contract
}

// Handle returns the contract handle
func (s *Service) Handle() interface{} {
	return s.handle
}

// Get returns the visible collection, reconciling first when there is none
func (s *Service) Get(ctx context.Context, account common.Address) (*models.Collection, error) {
	s.mu.Lock()
	if sl, ok := s.slots[account]; ok && sl.collection != nil {
		c := copyCollection(sl.collection)
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	return s.Refresh(ctx, account)
}

// Refresh reconciles account and writes the result unless a newer refresh
// has already written. It returns the collection visible afterwards. A
// failed reconciliation is stored as the collection's error state and also
// returned as err. A pass cut short by ctx is never written; the slot keeps
// its previous collection and an INTERRUPTED error is returned.
func (s *Service) Refresh(ctx context.Context, account common.Address) (*models.Collection, error) {
	if account == (common.Address{}) {
		return nil, utils.NewAppError(utils.ErrCodeNotConnected, "no account connected")
	}
	started := time.Now()

	s.mu.Lock()
	sl := s.slotLocked(account)
	sl.issued++
	generation := sl.issued
	s.mu.Unlock()

	result, err := s.reconciler.Reconcile(ctx, s.handle, account)
	if err != nil && isInterrupted(ctx, err) {
		s.logger.WithFields(logrus.Fields{
			"account":    account.Hex(),
			"generation": generation,
		}).WithError(err).Info("Reconciliation interrupted, keeping visible collection")
		s.saveRun(account, generation, models.RunStatusFailed, nil, err, started)
		return nil, utils.NewAppError(utils.ErrCodeInterrupted, "Reconciliation interrupted", err.Error())
	}
	collection := s.buildCollection(account, generation, result, err)

	s.mu.Lock()
	applied := generation > sl.written
	if applied {
		sl.written = generation
		sl.collection = collection
	}
	visible := copyCollection(sl.collection)
	s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{
		"account":    account.Hex(),
		"generation": generation,
	})

	status := models.RunStatusSuccess
	switch {
	case !applied:
		status = models.RunStatusStale
		log.Info("Discarding stale reconciliation result")
		if s.metricsManager != nil {
			s.metricsManager.GetPrometheusMetrics().RecordStaleGeneration()
		}
	case err != nil:
		status = models.RunStatusFailed
		log.WithError(err).Warn("Reconciliation failed")
	}

	s.saveRun(account, generation, status, result, err, started)

	if !applied {
		if visible == nil {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "Collection was invalidated", account.Hex())
		}
		return visible, nil
	}

	if s.beforeNotify != nil {
		s.beforeNotify(generation)
	}
	s.notify(account, sl, collection)

	return copyCollection(collection), err
}

// notify delivers c to the account's listeners unless a newer generation
// has already been delivered. Deliveries for one account never overlap.
func (s *Service) notify(account common.Address, sl *slot, c *models.Collection) {
	sl.notifyMu.Lock()
	defer sl.notifyMu.Unlock()

	if c.Generation <= sl.notified {
		return
	}
	sl.notified = c.Generation

	s.mu.Lock()
	listeners := s.listenersLocked(account)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(*copyCollection(c))
	}
}

// Invalidate drops every visible collection and fences refreshes already in
// flight, so results computed against the previous chain are discarded.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		sl.issued++
		sl.written = sl.issued
		sl.collection = nil
	}
	s.logger.WithField("slots", len(s.slots)).Info("Invalidated collections")
}

// Subscribe delivers collections written for account to fn in generation
// order. A generation overtaken before delivery is skipped. fn must not call
// Refresh for the same account synchronously.
func (s *Service) Subscribe(account common.Address, fn Listener) *wallet.Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[account] == nil {
		s.listeners[account] = make(map[uint64]Listener)
	}
	s.listeners[account][id] = fn
	count := s.subscriberCountLocked()
	s.mu.Unlock()

	s.updateSubscribers(count)

	return wallet.NewSubscription(func() {
		s.mu.Lock()
		delete(s.listeners[account], id)
		if len(s.listeners[account]) == 0 {
			delete(s.listeners, account)
		}
		count := s.subscriberCountLocked()
		s.mu.Unlock()

		s.updateSubscribers(count)
	})
}

// Bind follows a wallet session: an account switch refreshes the new
// account, a chain switch invalidates every collection and refreshes the
// connected account. Refreshes run in the background; Close waits for them.
func (s *Service) Bind(session *wallet.Session) *wallet.Subscription {
	return session.Subscribe(func(event wallet.Event) {
		switch event.Kind {
		case wallet.EventAccountChanged:
			s.RefreshAsync(context.Background(), event.Account)
		case wallet.EventChainChanged:
			s.Invalidate()
			if event.Account != (common.Address{}) {
				s.RefreshAsync(context.Background(), event.Account)
			}
		}
	})
}

// Close waits for background refreshes started by Bind or RefreshAsync
func (s *Service) Close() {
	s.wg.Wait()
}

// RefreshAsync refreshes account in the background; Close waits for it
func (s *Service) RefreshAsync(ctx context.Context, account common.Address) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Refresh(ctx, account); err != nil {
			s.logger.WithField("account", account.Hex()).WithError(err).Debug("Background refresh failed")
		}
	}()
}

func (s *Service) buildCollection(account common.Address, generation uint64, result *reconciler.Result, err error) *models.Collection {
	collection := &models.Collection{
		Contract:   s.contract,
		Account:    account,
		Tokens:     []models.TokenRecord{},
		Generation: generation,
		UpdatedAt:  time.Now(),
	}

	if err != nil {
		collection.Error = collectionError(err)
		return collection
	}

	collection.Tokens = result.Tokens
	collection.Path = string(result.Path)
	return collection
}

func (s *Service) saveRun(account common.Address, generation uint64, status string, result *reconciler.Result, runErr error, started time.Time) {
	if s.storage == nil {
		return
	}

	run := &models.ReconciliationRun{
		Contract:   s.contract,
		Account:    account,
		Path:       string(reconciler.PathUnsupported),
		Generation: generation,
		Status:     status,
		StartedAt:  started,
		Duration:   time.Since(started),
	}
	if result != nil {
		run.Path = string(result.Path)
		if result.Balance != nil && result.Balance.IsUint64() {
			run.Balance = result.Balance.Uint64()
		}
		run.Candidates = result.Candidates
		run.Tokens = len(result.Tokens)
		run.StaleCandidates = result.StaleCandidates
		run.MetadataFailures = result.MetadataFailures
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.storage.SaveRun(ctx, run); err != nil {
		s.logger.WithError(err).Warn("Failed to record reconciliation run")
	}
}

// slotLocked returns the slot for account, creating it; callers hold s.mu
func (s *Service) slotLocked(account common.Address) *slot {
	sl, ok := s.slots[account]
	if !ok {
		sl = &slot{}
		s.slots[account] = sl
	}
	return sl
}

func (s *Service) listenersLocked(account common.Address) []Listener {
	listeners := make([]Listener, 0, len(s.listeners[account]))
	for _, fn := range s.listeners[account] {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (s *Service) subscriberCountLocked() int {
	count := 0
	for _, set := range s.listeners {
		count += len(set)
	}
	return count
}

func (s *Service) updateSubscribers(count int) {
	if s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateCollectionSubscribers(count)
	}
}

// isInterrupted reports whether err came from ctx ending rather than the chain
func isInterrupted(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func collectionError(err error) *models.CollectionError {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return &models.CollectionError{Code: appErr.Code, Message: appErr.Message}
	}
	return &models.CollectionError{Code: utils.ErrCodeInternal, Message: err.Error()}
}

func copyCollection(c *models.Collection) *models.Collection {
	if c == nil {
		return nil
	}
	out := *c
	out.Tokens = append([]models.TokenRecord{}, c.Tokens...)
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return &out
}
