/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the bridge-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	ServiceJWTSecret     string `mapstructure:"SERVICE_JWT_SECRET"`

	// Exchange rate providers, tried in order.
	RatePrimaryURL      string `mapstructure:"RATE_PRIMARY_URL"`
	RateFallbackURL     string `mapstructure:"RATE_FALLBACK_URL"`
	RateMaxQuoteAgeSecs int    `mapstructure:"RATE_MAX_QUOTE_AGE_SECONDS"`

	// Saga timing and retry budget.
	WithdrawConfirmTimeoutSecs int `mapstructure:"WITHDRAW_CONFIRM_TIMEOUT_SECONDS"`
	DepositConfirmTimeoutSecs  int `mapstructure:"DEPOSIT_CONFIRM_TIMEOUT_SECONDS"`
	RollbackConfirmTimeoutSecs int `mapstructure:"ROLLBACK_CONFIRM_TIMEOUT_SECONDS"`
	MaxTransientRetries        int `mapstructure:"MAX_TRANSIENT_RETRIES"`
	RetryBackoffSecs           int `mapstructure:"RETRY_BACKOFF_SECONDS"`
	SwapExpiryMinutes          int `mapstructure:"SWAP_EXPIRY_MINUTES"`

	SwapSubmitRateLimitPerMinute int `mapstructure:"SWAP_SUBMIT_RATE_LIMIT_PER_MINUTE"`

	// Status tracker poll bounds.
	TrackerInitialIntervalSecs int `mapstructure:"TRACKER_INITIAL_INTERVAL_SECONDS"`
	TrackerMaxIntervalSecs     int `mapstructure:"TRACKER_MAX_INTERVAL_SECONDS"`

	// EVM adapter. Disabled when the RPC URL is empty.
	EVMRPCURL             string `mapstructure:"EVM_RPC_URL"`
	EVMNetworkID          int64  `mapstructure:"EVM_NETWORK_ID"`
	EVMTreasuryAddress    string `mapstructure:"EVM_TREASURY_ADDRESS"`
	EVMTreasuryPrivateKey string `mapstructure:"EVM_TREASURY_PRIVATE_KEY"`
	EVMGasLimit           uint64 `mapstructure:"EVM_GAS_LIMIT"`

	// Solana adapter. Disabled when the RPC URL is empty.
	SolanaRPCURL             string `mapstructure:"SOLANA_RPC_URL"`
	SolanaTreasuryPrivateKey string `mapstructure:"SOLANA_TREASURY_PRIVATE_KEY"`

	// Stellar adapter. Disabled when the Horizon URL is empty.
	StellarHorizonURL        string `mapstructure:"STELLAR_HORIZON_URL"`
	StellarNetworkPassphrase string `mapstructure:"STELLAR_NETWORK_PASSPHRASE"`
	StellarTreasurySeed      string `mapstructure:"STELLAR_TREASURY_SEED"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "bridge:rate_limit")
	viper.SetDefault("RATE_MAX_QUOTE_AGE_SECONDS", 60)
	viper.SetDefault("WITHDRAW_CONFIRM_TIMEOUT_SECONDS", 600)
	viper.SetDefault("DEPOSIT_CONFIRM_TIMEOUT_SECONDS", 300)
	viper.SetDefault("ROLLBACK_CONFIRM_TIMEOUT_SECONDS", 300)
	viper.SetDefault("MAX_TRANSIENT_RETRIES", 3)
	viper.SetDefault("RETRY_BACKOFF_SECONDS", 2)
	viper.SetDefault("SWAP_EXPIRY_MINUTES", 30)
	viper.SetDefault("SWAP_SUBMIT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("TRACKER_INITIAL_INTERVAL_SECONDS", 2)
	viper.SetDefault("TRACKER_MAX_INTERVAL_SECONDS", 30)
	viper.SetDefault("STELLAR_NETWORK_PASSPHRASE", "Test SDF Network ; September 2015")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BRIDGE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SERVICE_JWT_SECRET", "SERVICE_JWT_SECRET", "BRIDGE_SERVICE_JWT_SECRET")
	_ = viper.BindEnv("RATE_PRIMARY_URL")
	_ = viper.BindEnv("RATE_FALLBACK_URL")
	_ = viper.BindEnv("RATE_MAX_QUOTE_AGE_SECONDS")
	_ = viper.BindEnv("WITHDRAW_CONFIRM_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DEPOSIT_CONFIRM_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ROLLBACK_CONFIRM_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MAX_TRANSIENT_RETRIES")
	_ = viper.BindEnv("RETRY_BACKOFF_SECONDS")
	_ = viper.BindEnv("SWAP_EXPIRY_MINUTES")
	_ = viper.BindEnv("SWAP_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRACKER_INITIAL_INTERVAL_SECONDS")
	_ = viper.BindEnv("TRACKER_MAX_INTERVAL_SECONDS")
	_ = viper.BindEnv("EVM_RPC_URL")
	_ = viper.BindEnv("EVM_NETWORK_ID")
	_ = viper.BindEnv("EVM_TREASURY_ADDRESS")
	_ = viper.BindEnv("EVM_TREASURY_PRIVATE_KEY")
	_ = viper.BindEnv("EVM_GAS_LIMIT")
	_ = viper.BindEnv("SOLANA_RPC_URL")
	_ = viper.BindEnv("SOLANA_TREASURY_PRIVATE_KEY")
	_ = viper.BindEnv("STELLAR_HORIZON_URL")
	_ = viper.BindEnv("STELLAR_NETWORK_PASSPHRASE")
	_ = viper.BindEnv("STELLAR_TREASURY_SEED")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "bridge:rate_limit"
	}
	if strings.TrimSpace(config.ServiceJWTSecret) == "" {
		config.ServiceJWTSecret = strings.TrimSpace(os.Getenv("BRIDGE_SERVICE_JWT_SECRET"))
	}

	if config.RateMaxQuoteAgeSecs <= 0 {
		config.RateMaxQuoteAgeSecs = 60
	}
	if config.WithdrawConfirmTimeoutSecs <= 0 {
		config.WithdrawConfirmTimeoutSecs = 600
	}
	if config.DepositConfirmTimeoutSecs <= 0 {
		config.DepositConfirmTimeoutSecs = 300
	}
	if config.RollbackConfirmTimeoutSecs <= 0 {
		config.RollbackConfirmTimeoutSecs = 300
	}
	if config.MaxTransientRetries <= 0 {
		config.MaxTransientRetries = 3
	}
	if config.RetryBackoffSecs <= 0 {
		config.RetryBackoffSecs = 2
	}
	if config.SwapExpiryMinutes <= 0 {
		config.SwapExpiryMinutes = 30
	}
	if config.SwapSubmitRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative submit rate limit configured; disabling\" limit=%d", config.SwapSubmitRateLimitPerMinute)
		config.SwapSubmitRateLimitPerMinute = 0
	}
	if config.TrackerInitialIntervalSecs <= 0 {
		config.TrackerInitialIntervalSecs = 2
	}
	if config.TrackerMaxIntervalSecs < config.TrackerInitialIntervalSecs {
		config.TrackerMaxIntervalSecs = config.TrackerInitialIntervalSecs
	}

	return
}
