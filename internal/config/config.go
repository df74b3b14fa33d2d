// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/smartdevs17/mememorph/pkg/utils"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains EVM node connection configuration
type ChainConfig struct {
	Network        string        `mapstructure:"network"`
	NodeURL        string        `mapstructure:"node_url"`
	ChainID        uint64        `mapstructure:"chain_id"`
	BackupNodes    []string      `mapstructure:"backup_nodes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// ContractsConfig points at the NFT/token contract pair
type ContractsConfig struct {
	NFTAddress   string `mapstructure:"nft_address"`
	TokenAddress string `mapstructure:"token_address"`
	NFTABIPath   string `mapstructure:"nft_abi_path"`
	// FromBlock is where Transfer log scans start.
	FromBlock uint64 `mapstructure:"from_block"`
	// LogChunkSize splits log scans into block windows; 0 scans in one query.
	LogChunkSize uint64 `mapstructure:"log_chunk_size"`
}

// ReconcilerConfig tunes ownership reconciliation
type ReconcilerConfig struct {
	// PassTimeout bounds a whole reconciliation pass; 0 means no timeout.
	PassTimeout time.Duration `mapstructure:"pass_timeout"`
	// MaxConcurrency caps per-candidate chain calls; 0 means unbounded.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// WalletConfig configures the wallet session watcher
type WalletConfig struct {
	Account      string        `mapstructure:"account"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	RetentionDays    int           `mapstructure:"retention_days"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
	RefreshRPS    float64       `mapstructure:"refresh_rps"`
	RefreshBurst  int           `mapstructure:"refresh_burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file, discard
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MEMEMORPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Same variable names the dApp backend reads
	if nodeURL := os.Getenv("WEB3_PROVIDER_URI"); nodeURL != "" {
		config.Chain.NodeURL = nodeURL
	}
	if addr := os.Getenv("NFT_CONTRACT_ADDRESS"); addr != "" {
		config.Contracts.NFTAddress = addr
	}
	if addr := os.Getenv("TOKEN_CONTRACT_ADDRESS"); addr != "" {
		config.Contracts.TokenAddress = addr
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	config.applyNetwork()

	return &config, nil
}

// applyNetwork fills node URL and chain id from the named network when they
// were not set explicitly.
func (c *Config) applyNetwork() {
	network, ok := LookupNetwork(c.Chain.Network)
	if !ok {
		return
	}
	if c.Chain.NodeURL == "" {
		c.Chain.NodeURL = network.RPCURL
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = network.ChainID
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "mememorph")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Chain defaults
	v.SetDefault("chain.network", "sepolia")
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_delay", "5s")

	// Contract defaults
	v.SetDefault("contracts.from_block", 0)
	v.SetDefault("contracts.log_chunk_size", 0)

	// Reconciler defaults: no timeout, no concurrency cap
	v.SetDefault("reconciler.pass_timeout", "0s")
	v.SetDefault("reconciler.max_concurrency", 0)

	// Wallet defaults
	v.SetDefault("wallet.poll_interval", "15s")

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/mememorph.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.retention_days", 30)

	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)
	v.SetDefault("server.refresh_rps", 0.5)
	v.SetDefault("server.refresh_burst", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return fmt.Errorf("chain node URL is required")
	}
	if c.Contracts.NFTAddress == "" {
		return fmt.Errorf("NFT contract address is required")
	}
	if !utils.IsValidAddress(c.Contracts.NFTAddress) {
		return fmt.Errorf("invalid NFT contract address %q", c.Contracts.NFTAddress)
	}
	if c.Contracts.TokenAddress != "" && !utils.IsValidAddress(c.Contracts.TokenAddress) {
		return fmt.Errorf("invalid token contract address %q", c.Contracts.TokenAddress)
	}
	if c.Wallet.Account != "" && !utils.IsValidAddress(c.Wallet.Account) {
		return fmt.Errorf("invalid wallet account %q", c.Wallet.Account)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Reconciler.MaxConcurrency < 0 {
		return fmt.Errorf("reconciler max concurrency must not be negative")
	}
	if c.Wallet.PollInterval <= 0 {
		return fmt.Errorf("wallet poll interval must be positive")
	}
	return nil
}
