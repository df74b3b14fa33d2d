package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// ChainIDReader reads the chain id of the node
type ChainIDReader interface {
	ChainID(ctx context.Context) (uint64, error)
}

// Watcher polls the node's chain id and publishes switches to a session
type Watcher struct {
	reader         ChainIDReader
	session        *Session
	interval       time.Duration
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	stats    WatcherStats
}

// WatcherStats holds watcher statistics
type WatcherStats struct {
	Polls     uint64    `json:"polls"`
	Errors    uint64    `json:"errors"`
	LastPoll  time.Time `json:"last_poll"`
	ChainID   uint64    `json:"chain_id"`
	Network   string    `json:"network,omitempty"`
	Supported bool      `json:"supported"`
	IsRunning bool      `json:"is_running"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
}

// NewWatcher creates a chain watcher. metricsManager may be nil.
func NewWatcher(reader ChainIDReader, session *Session, interval time.Duration, metricsManager *metrics.Manager) *Watcher {
	return &Watcher{
		reader:         reader,
		session:        session,
		interval:       interval,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("chain_watcher"),
		stopChan:       make(chan struct{}),
	}
}

// Start polls once, then every interval until Stop or ctx is done
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Watcher already running", "")
	}
	if w.interval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Watcher poll interval must be positive", w.interval.String())
	}

	w.running = true
	w.stats.IsRunning = true
	w.stats.StartedAt = time.Now()

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.WithField("interval", w.interval).Info("Chain watcher started")
	return nil
}

// Stop stops polling and waits for the loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.stats.IsRunning = false
	w.mu.Unlock()

	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()

	w.logger.Info("Chain watcher stopped")
	return nil
}

// IsRunning returns whether the watcher is polling
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Poll reads the chain id once and updates the session
func (w *Watcher) Poll(ctx context.Context) error {
	chainID, err := w.reader.ChainID(ctx)

	w.mu.Lock()
	w.stats.Polls++
	w.stats.LastPoll = time.Now()
	if err != nil {
		w.stats.Errors++
		w.stats.LastError = err.Error()
		w.mu.Unlock()
		w.updateHealth(false)
		return err
	}

	network, supported := config.NetworkByChainID(chainID)
	w.stats.ChainID = chainID
	w.stats.Network = network.Key
	w.stats.Supported = supported
	w.stats.LastError = ""
	w.mu.Unlock()

	if !supported {
		w.logger.WithField("chain_id", chainID).Warn("Connected to an unsupported network")
	}
	w.updateHealth(supported)

	w.session.SetChainID(chainID)
	return nil
}

// Stats returns watcher statistics
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.pollLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.pollLogged(ctx)
		}
	}
}

func (w *Watcher) pollLogged(ctx context.Context) {
	if err := w.Poll(ctx); err != nil {
		w.logger.WithError(err).Warn("Chain id poll failed")
	}
}

func (w *Watcher) updateHealth(healthy bool) {
	if w.metricsManager != nil {
		w.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("chain_watcher", healthy)
	}
}
