package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ca-engine/pkg/plan"
)

// ChainConfig describes one chain in the config file
type ChainConfig struct {
	ID             uint64 `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Universe       string `mapstructure:"universe"`
	RPCURL         string `mapstructure:"rpc_url"`
	WSURL          string `mapstructure:"ws_url"`
	Vault          string `mapstructure:"vault"`
	Executor       string `mapstructure:"executor"`
	COT            string `mapstructure:"cot"`
	NativeSymbol   string `mapstructure:"native_symbol"`
	NativeDecimals uint8  `mapstructure:"native_decimals"`
}

// TokenConfig describes one token in the config file
type TokenConfig struct {
	ChainID  uint64 `mapstructure:"chain_id"`
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
	Native   bool   `mapstructure:"native"`
	// Permit is "approve" (default), "eip2612" or "none"
	Permit          string `mapstructure:"permit"`
	OneClickAssetID string `mapstructure:"one_click_asset_id"`
}

// Config holds the application configuration
type Config struct {
	SettlementURL    string
	SettlementAPIKey string

	RequestTTL          time.Duration
	FulfilmentTimeout   time.Duration
	PollInterval        time.Duration
	DoubleCheckAttempts int
	Slippage            decimal.Decimal
	QuoteFreshness      time.Duration

	JWTToken string

	EVMKey    string
	TronKey   string
	SolanaKey string

	SolanaRPCURL string
	JournalPath  string
	MetricsAddr  string

	Chains []ChainConfig
	Tokens []TokenConfig
}

var globalConfig *Config

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	viper.SetConfigName(".ca-engine")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	// Read from environment variables
	viper.SetEnvPrefix("CA_ENGINE")
	viper.AutomaticEnv()

	// Read config file (optional)
	_ = viper.ReadInConfig()

	cfg, err := FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("request_ttl", 15*time.Minute)
	v.SetDefault("fulfilment_timeout", 5*time.Minute)
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("double_check_attempts", 3)
	v.SetDefault("slippage", "0.005")
	v.SetDefault("quote_freshness", 30*time.Second)
	v.SetDefault("solana_rpc_url", "https://api.mainnet-beta.solana.com")
	if home, err := os.UserHomeDir(); err == nil {
		v.SetDefault("journal_path", filepath.Join(home, plan.DefaultStorageFileName))
	} else {
		v.SetDefault("journal_path", plan.DefaultStorageFileName)
	}
}

// FromViper builds a Config from an already loaded viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	slippage, err := decimal.NewFromString(v.GetString("slippage"))
	if err != nil {
		return nil, fmt.Errorf("invalid slippage %q: %w", v.GetString("slippage"), err)
	}
	if slippage.IsNegative() || slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("slippage must be in [0, 1), got %s", slippage)
	}

	cfg := &Config{
		SettlementURL:       v.GetString("settlement_url"),
		SettlementAPIKey:    v.GetString("settlement_api_key"),
		RequestTTL:          v.GetDuration("request_ttl"),
		FulfilmentTimeout:   v.GetDuration("fulfilment_timeout"),
		PollInterval:        v.GetDuration("poll_interval"),
		DoubleCheckAttempts: v.GetInt("double_check_attempts"),
		Slippage:            slippage,
		QuoteFreshness:      v.GetDuration("quote_freshness"),
		JWTToken:            v.GetString("jwt_token"),
		EVMKey:              v.GetString("evm_private_key"),
		TronKey:             v.GetString("tron_private_key"),
		SolanaKey:           v.GetString("solana_private_key"),
		SolanaRPCURL:        v.GetString("solana_rpc_url"),
		JournalPath:         v.GetString("journal_path"),
		MetricsAddr:         v.GetString("metrics_addr"),
	}
	if err := v.UnmarshalKey("chains", &cfg.Chains); err != nil {
		return nil, fmt.Errorf("invalid chains: %w", err)
	}
	if err := v.UnmarshalKey("tokens", &cfg.Tokens); err != nil {
		return nil, fmt.Errorf("invalid tokens: %w", err)
	}
	return cfg, nil
}

// RequireSettlement checks the settings every bridge needs
func (c *Config) RequireSettlement() error {
	if c.SettlementURL == "" {
		return fmt.Errorf("settlement URL not found. Please set CA_ENGINE_SETTLEMENT_URL or add settlement_url to .ca-engine.yaml")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured. Add a chains list to .ca-engine.yaml")
	}
	return nil
}

// RequireOneClick checks the settings of the 1Click aggregator
func (c *Config) RequireOneClick() error {
	if c.JWTToken == "" {
		return fmt.Errorf("JWT token not found. Please set CA_ENGINE_JWT_TOKEN environment variable or add jwt_token to .ca-engine.yaml")
	}
	return nil
}

// Get returns the global configuration
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return globalConfig
}

// Set updates the global configuration
func Set(cfg *Config) {
	globalConfig = cfg
}
