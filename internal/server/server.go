// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/mememorph/internal/collection"
	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/connection"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/storage"
	"github.com/smartdevs17/mememorph/internal/wallet"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// ClaimReader reads the claim status of a token
type ClaimReader interface {
	Claimable(ctx context.Context, tokenID *big.Int) (bool, error)
}

// Dependencies are the components the API serves. Only Collections is
// required.
type Dependencies struct {
	Collections *collection.Service
	Storage     storage.Storage
	Connection  connection.Manager
	Claims      ClaimReader
	Watcher     *wallet.Watcher
	Network     config.Network
	Contracts   config.ContractsConfig
	Metrics     *metrics.Manager
	Version     string
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	collections    *collection.Service
	storage        storage.Storage
	connection     connection.Manager
	claims         ClaimReader
	watcher        *wallet.Watcher
	network        config.Network
	contracts      config.ContractsConfig
	metricsManager *metrics.Manager
	limiter        *RateLimiter
	upgrader       websocket.Upgrader
	version        string
	logger         *logrus.Entry

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Collections == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Collection service is required")
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	server := &HTTPServer{
		config:         cfg,
		collections:    deps.Collections,
		storage:        deps.Storage,
		connection:     deps.Connection,
		claims:         deps.Claims,
		watcher:        deps.Watcher,
		network:        deps.Network,
		contracts:      deps.Contracts,
		metricsManager: deps.Metrics,
		limiter:        NewRateLimiter(cfg.RefreshRPS, cfg.RefreshBurst, 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		version:  deps.Version,
		logger:   utils.ComponentLogger("http"),
		stopChan: make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the router, mostly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
	}

	api.HandleFunc("/network", s.networkHandler).Methods("GET")

	api.HandleFunc("/collections/{account}", s.getCollectionHandler).Methods("GET")
	api.Handle("/collections/{account}/refresh",
		s.rateLimitMiddleware(http.HandlerFunc(s.refreshCollectionHandler))).Methods("POST")
	api.HandleFunc("/collections/{account}/runs", s.listRunsHandler).Methods("GET")
	api.HandleFunc("/collections/{account}/ws", s.collectionFeedHandler).Methods("GET")

	api.HandleFunc("/tokens/{id}/claimable", s.claimableHandler).Methods("GET")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Give the server a moment to report immediate binding errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateComponentMetrics()
		}
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	if s.storage != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("storage", s.storage.GetHealth().Healthy)
	}
	if s.connection != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateComponentHealth("chain", s.connection.IsConnected())
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.stopOnce.Do(func() { close(s.stopChan) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// healthHandler returns basic health status
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.version,
		"metrics_enabled": s.config.EnableMetrics,
	})
}

// detailedHealthHandler reports storage and chain health
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]interface{}{}

	if s.storage != nil {
		health := s.storage.GetHealth()
		if !health.Healthy {
			status = "degraded"
		}
		components["storage"] = health
	}

	if s.connection != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		chain := map[string]interface{}{"healthy": true}
		if err := s.connection.HealthCheckWithContext(ctx); err != nil {
			status = "degraded"
			chain["healthy"] = false
			chain["error"] = err.Error()
		}
		chain["stats"] = s.connection.Stats()
		components["chain"] = chain
	}

	if s.watcher != nil {
		components["chain_watcher"] = s.watcher.Stats()
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now(),
		"version":    s.version,
		"components": components,
	})
}

// networkHandler returns the active network and contract addresses
func (s *HTTPServer) networkHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"network": s.network,
		"contracts": map[string]string{
			"nft":   s.collections.Contract().Hex(),
			"token": s.contracts.TokenAddress,
		},
		"chainId":   s.network.ChainID,
		"supported": s.network.Key != "",
	}

	if s.watcher != nil {
		if stats := s.watcher.Stats(); stats.ChainID != 0 {
			resp["chainId"] = stats.ChainID
			resp["supported"] = stats.Supported
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// Collection Handlers

// getCollectionHandler returns the visible collection, reconciling on first use
func (s *HTTPServer) getCollectionHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountVar(w, r)
	if !ok {
		return
	}

	c, err := s.collections.Get(r.Context(), account)
	s.writeCollection(w, c, err)
}

// refreshCollectionHandler reconciles the account now
func (s *HTTPServer) refreshCollectionHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountVar(w, r)
	if !ok {
		return
	}

	c, err := s.collections.Refresh(r.Context(), account)
	s.writeCollection(w, c, err)
}

// listRunsHandler lists the reconciliation history of an account
func (s *HTTPServer) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountVar(w, r)
	if !ok {
		return
	}
	if s.storage == nil {
		s.writeAppError(w, utils.NewAppError(utils.ErrCodeNotFound, "Run history is not enabled"))
		return
	}

	query := r.URL.Query()
	limit := defaultRunsLimit
	offset := 0

	if raw := query.Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	if raw := query.Get("offset"); raw != "" {
		if o, err := strconv.Atoi(raw); err == nil && o >= 0 {
			offset = o
		}
	}

	contract := s.collections.Contract()
	filter := models.RunFilter{
		Contract: &contract,
		Account:  &account,
		Limit:    limit,
		Offset:   offset,
	}

	if status := query.Get("status"); status != "" {
		switch status {
		case models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusStale:
			filter.Status = &status
		default:
			s.writeAppError(w, utils.NewAppError(utils.ErrCodeValidation, "Invalid run status", status))
			return
		}
	}

	runs, err := s.storage.GetRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve runs", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
		"total":  len(runs),
	})
}

// claimableHandler reports whether a token's reward can be claimed
func (s *HTTPServer) claimableHandler(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseTokenID(mux.Vars(r)["id"])
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if s.claims == nil {
		s.writeAppError(w, utils.NewAppError(utils.ErrCodeCapabilityMissing, "contract not compatible", "claimable"))
		return
	}

	claimable, err := s.claims.Claimable(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokenId":   id.String(),
		"claimable": claimable,
	})
}

// Utility Methods

func (s *HTTPServer) accountVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	account, err := utils.ParseAddress(mux.Vars(r)["account"])
	if err != nil {
		s.writeAppError(w, err)
		return common.Address{}, false
	}
	return account, true
}

// writeCollection writes c, using its error state for the status code
func (s *HTTPServer) writeCollection(w http.ResponseWriter, c *models.Collection, err error) {
	if c == nil {
		if err == nil {
			err = utils.NewAppError(utils.ErrCodeNotFound, "Collection not found")
		}
		s.writeAppError(w, err)
		return
	}

	if c.Error != nil {
		status := statusForCode(c.Error.Code)
		s.writeJSON(w, status, map[string]interface{}{
			"error":      c.Error.Message,
			"code":       c.Error.Code,
			"status":     status,
			"timestamp":  time.Now(),
			"collection": c,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, c)
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeAppError writes err with the status its code maps to
func (s *HTTPServer) writeAppError(w http.ResponseWriter, err error) {
	message := err.Error()
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	s.writeError(w, statusForCode(utils.ErrorCode(err)), message, err)
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["code"] = utils.ErrorCode(err)
		errorResponse["details"] = err.Error()

		log := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			log.Error("HTTP error")
		} else {
			log.Debug("HTTP error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}

// statusForCode maps an error code to an HTTP status
func statusForCode(code string) int {
	switch code {
	case utils.ErrCodeCapabilityMissing, utils.ErrCodeEnumerationUnavailable:
		return http.StatusUnprocessableEntity
	case utils.ErrCodeValidation, utils.ErrCodeNotConnected:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case utils.ErrCodeBlockchain, utils.ErrCodeConnection:
		return http.StatusBadGateway
	case utils.ErrCodeInterrupted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
