package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/mememorph/internal/config"
	"github.com/smartdevs17/mememorph/internal/models"
	"github.com/smartdevs17/mememorph/internal/storage"
	"github.com/smartdevs17/mememorph/pkg/utils"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "mememorph",
	Short:         "MemeMorph NFT collection service",
	Long:          `Reconciles which MemeMorph NFTs a wallet owns, serves the collection over HTTP and records reconciliation history.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the configuration and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}
	if viper.IsSet("timeout") {
		cfg.Reconciler.PassTimeout = viper.GetDuration("timeout")
	}
	if viper.IsSet("concurrency") {
		cfg.Reconciler.MaxConcurrency = viper.GetInt("concurrency")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// waitForSignal blocks until SIGINT or SIGTERM
func waitForSignal() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	signal.Stop(signalChan)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serveCmd runs the HTTP API and the chain watcher
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collection HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg, appOptions{withStorage: true, withServer: true})
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}

		if err := app.Start(); err != nil {
			app.Stop()
			return fmt.Errorf("failed to start application: %w", err)
		}

		waitForSignal()
		app.logger.Info("Received shutdown signal, stopping application")
		app.Stop()
		return nil
	},
}

// collectionCmd reconciles one account and prints its collection
var collectionCmd = &cobra.Command{
	Use:   "collection <account>",
	Short: "Reconcile and print the NFTs an account owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := utils.ParseAddress(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		noHistory, _ := cmd.Flags().GetBool("no-history")
		app, err := NewApplication(cfg, appOptions{withStorage: !noHistory})
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		c, err := app.collections.Refresh(cmd.Context(), account)
		if c != nil {
			if printErr := printJSON(c); printErr != nil {
				return printErr
			}
		}
		if err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}
		return nil
	},
}

// watchCmd follows an account and prints every collection update
var watchCmd = &cobra.Command{
	Use:   "watch [account]",
	Short: "Follow an account and print collection updates as JSON lines",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Wallet.Account = args[0]
		}
		if cfg.Wallet.Account == "" {
			return utils.NewAppError(utils.ErrCodeNotConnected, "no account connected",
				"pass an account or set wallet.account")
		}

		app, err := NewApplication(cfg, appOptions{withStorage: true})
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}

		account := app.session.Account()
		enc := json.NewEncoder(os.Stdout)
		updates := app.collections.Subscribe(account, func(c models.Collection) {
			if err := enc.Encode(c); err != nil {
				app.logger.WithError(err).Warn("Failed to print collection")
			}
		})

		if err := app.Start(); err != nil {
			updates.Close()
			app.Stop()
			return fmt.Errorf("failed to start application: %w", err)
		}

		waitForSignal()
		updates.Close()
		app.Stop()
		return nil
	},
}

// migrateCmd applies the run history schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the run history schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
			return err
		}

		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Printf("Schema is up to date (%s)\n", cfg.Storage.Type)

		if cleanup, _ := cmd.Flags().GetBool("cleanup"); cleanup {
			removed, err := store.Cleanup(cmd.Context(), cfg.Storage.RetentionDays)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			if err := store.Vacuum(); err != nil {
				return fmt.Errorf("vacuum failed: %w", err)
			}
			fmt.Printf("Removed %d runs older than %d days\n", removed, cfg.Storage.RetentionDays)
		}

		stats, err := store.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

// networksCmd lists the supported networks
var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List supported networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NETWORK\tNAME\tCHAIN ID\tTESTNET\tEXPLORER")
		for _, n := range config.SortedNetworks() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", n.Key, n.Name, n.ChainID, n.IsTestnet, n.ExplorerURL)
		}
		return w.Flush()
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MemeMorph collection service %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Network: %s (chain id %d)\n", cfg.Chain.Network, cfg.Chain.ChainID)
		fmt.Printf("Node: %s\n", cfg.Chain.NodeURL)
		fmt.Printf("NFT contract: %s\n", common.HexToAddress(cfg.Contracts.NFTAddress).Hex())
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")
	rootCmd.PersistentFlags().Duration("timeout", 0, "bound each reconciliation pass (0 disables)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "cap concurrent chain calls per pass (0 disables)")

	for _, name := range []string{"config", "log-level", "log-format", "debug", "timeout", "concurrency"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	collectionCmd.Flags().Bool("no-history", false, "do not record the run in storage")
	migrateCmd.Flags().Bool("cleanup", false, "delete runs past the retention window and vacuum")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateConfigCmd)

}
