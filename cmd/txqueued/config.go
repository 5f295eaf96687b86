package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".txqueue" // Will be prefixed with user's home directory
	defaultRPC       = "http://localhost:8545"
	defaultNetworkID = 1

	// The sanity check self-reschedules every frequency; the initial delay
	// lets the task-bus and node connections settle first.
	defaultSanityFrequency = 60 * time.Second
	defaultSanityDelay     = 10 * time.Second
)

// Config holds the application configuration.
type Config struct {
	Web3    Web3Config
	Sanity  SanityConfig
	Log     LogConfig
	Datadir string
}

// Web3Config holds Ethereum-related configuration.
type Web3Config struct {
	RPC       string `mapstructure:"rpc"`
	NetworkID uint64 `mapstructure:"networkid"`
}

// SanityConfig holds the reconciler schedule.
type SanityConfig struct {
	Frequency time.Duration `mapstructure:"frequency"`
	Delay     time.Duration `mapstructure:"delay"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and
// defaults.
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("web3.rpc", defaultRPC)
	v.SetDefault("web3.networkid", defaultNetworkID)
	v.SetDefault("sanity.frequency", defaultSanityFrequency)
	v.SetDefault("sanity.delay", defaultSanityDelay)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	flag.StringP("web3.rpc", "w", defaultRPC, "ethereum node json-rpc endpoint")
	flag.Uint64P("web3.networkid", "n", defaultNetworkID, "ethereum network id")
	flag.Duration("sanity.frequency", defaultSanityFrequency, "period of the sanity reconciliation sweep")
	flag.Duration("sanity.delay", defaultSanityDelay, "initial delay before the first sanity sweep")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the transaction queue database")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: txqueued [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, TXQUEUE_WEB3_RPC or TXQUEUE_LOG_LEVEL\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("TXQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration.
func validateConfig(cfg *Config) error {
	if cfg.Web3.RPC == "" {
		return fmt.Errorf("ethereum rpc endpoint is required (use --web3.rpc or TXQUEUE_WEB3_RPC)")
	}
	if cfg.Web3.NetworkID == 0 {
		return fmt.Errorf("network id must be non-zero")
	}
	if cfg.Sanity.Frequency <= 0 {
		return fmt.Errorf("sanity frequency must be positive")
	}
	return nil
}
