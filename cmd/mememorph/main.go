// File: cmd/mememorph/main.go
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/mememorph/internal/collection"
	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/connection"
	"github.com/smartdevs17/mememorph/internal/metrics"
	"github.com/smartdevs17/mememorph/internal/nft"
	"github.com/smartdevs17/mememorph/internal/reconciler"
	"github.com/smartdevs17/mememorph/internal/server"
	"github.com/smartdevs17/mememorph/internal/storage"
	"github.com/smartdevs17/mememorph/internal/wallet"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// AppVersion contains the application version, overridden at link time
var AppVersion = "1.0.0"

// appOptions selects the optional components of an Application
type appOptions struct {
	withStorage bool
	withServer  bool
}

// Application represents the main application
type Application struct {
	config      *config.Config
	options     appOptions
	logger      *logrus.Logger
	metrics     *metrics.Manager
	connection  *connection.ConnectionManager
	client      *connection.ChainClient
	contract    *nft.Contract
	storage     storage.Storage
	reconciler  *reconciler.Reconciler
	collections *collection.Service
	session     *wallet.Session
	binding     *wallet.Subscription
	watcher     *wallet.Watcher
	server      *server.HTTPServer
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, opts appOptions) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config:  cfg,
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.metrics = metrics.NewManager()

	app.connection = connection.NewConnectionManager(&app.config.Chain, app.metrics)
	app.client = connection.NewChainClient(app.connection, app.metrics)

	if err := app.initializeContract(); err != nil {
		return fmt.Errorf("failed to initialize contract: %w", err)
	}

	if app.options.withStorage {
		if err := app.initializeStorage(); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	if err := app.initializeCollections(); err != nil {
		return fmt.Errorf("failed to initialize collections: %w", err)
	}

	if app.options.withServer {
		if err := app.initializeServer(); err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}
	}

	app.logger.Debug("All components initialized successfully")
	return nil
}

// initializeContract binds the NFT contract handle
func (app *Application) initializeContract() error {
	parsed, err := nft.LoadABI(app.config.Contracts.NFTABIPath)
	if err != nil {
		return err
	}

	address, err := utils.ParseAddress(app.config.Contracts.NFTAddress)
	if err != nil {
		return err
	}

	app.contract = nft.NewContract(address, parsed, app.client,
		nft.WithFromBlock(app.config.Contracts.FromBlock),
		nft.WithLogChunkSize(app.config.Contracts.LogChunkSize),
	)

	app.logger.WithFields(logrus.Fields{
		"address":  address.Hex(),
		"abi_path": app.config.Contracts.NFTABIPath,
	}).Info("NFT contract bound")
	return nil
}

// initializeStorage initializes the run history store
func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if err := store.Connect(); err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	if err := app.storage.Migrate(); err != nil {
		return fmt.Errorf("failed to run storage migrations: %w", err)
	}

	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized")
	return nil
}

// initializeCollections wires the reconciler, collection service and wallet session
func (app *Application) initializeCollections() error {
	app.reconciler = reconciler.New(reconciler.Options{
		PassTimeout:    app.config.Reconciler.PassTimeout,
		MaxConcurrency: app.config.Reconciler.MaxConcurrency,
	}, app.metrics)

	app.collections = collection.NewService(app.contract.Address(), app.contract, app.reconciler, app.storage, app.metrics)

	account := common.Address{}
	if app.config.Wallet.Account != "" {
		parsed, err := utils.ParseAddress(app.config.Wallet.Account)
		if err != nil {
			return err
		}
		account = parsed
	}

	app.session = wallet.NewSession(account, app.config.Chain.ChainID)
	app.binding = app.collections.Bind(app.session)
	app.watcher = wallet.NewWatcher(app.client, app.session, app.config.Wallet.PollInterval, app.metrics)
	return nil
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	network, _ := config.LookupNetwork(app.config.Chain.Network)

	var err error
	app.server, err = server.NewHTTPServer(&app.config.Server, server.Dependencies{
		Collections: app.collections,
		Storage:     app.storage,
		Connection:  app.connection,
		Claims:      app.contract,
		Watcher:     app.watcher,
		Network:     network,
		Contracts:   app.config.Contracts,
		Metrics:     app.metrics,
		Version:     AppVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	return nil
}

// Start starts the HTTP server and the chain watcher
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"network":     app.config.Chain.Network,
	}).Info("Starting MemeMorph collection service")

	if err := app.connection.HealthCheckWithContext(app.ctx); err != nil {
		app.logger.WithError(err).Warn("Chain node not reachable yet")
	}

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if err := app.watcher.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start chain watcher: %w", err)
	}

	if account := app.session.Account(); account != (common.Address{}) {
		app.collections.RefreshAsync(app.ctx, account)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node_url":       app.connection.CurrentURL(),
		"contract":       app.contract.Address().Hex(),
	}).Info("MemeMorph collection service started")

	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() {
	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop chain watcher")
		}
	}

	if app.binding != nil {
		app.binding.Close()
	}
	if app.session != nil {
		app.session.Close()
	}
	if app.collections != nil {
		app.collections.Close()
	}

	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
