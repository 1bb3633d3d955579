package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the engine reads at startup. Values come from
// config.yaml (optional) overridden by CHAINPAY_* environment variables.
type Config struct {
	LogLevel  string
	LogFormat string

	HTTPAddr  string
	JWTSecret string

	DBDriver string // postgres or sqlite
	DBDSN    string

	SupportedCurrencies []string

	// FX
	FXSpreadPct     float64
	FXCacheTTL      time.Duration
	FXVolatilityPct float64

	// Compliance
	TxLimitUSD          int64 // minor units
	DailyLimitUSD       int64
	StructuringMinUSD   int64
	StructuringMaxUSD   int64
	StructuringMinCount int
	VelocityMaxPerHour  int
	SanctionsList       []string

	// Transfer
	DepositCeiling int64 // minor units, per single direct deposit
	SignatureKey   string

	// Settlement
	ProviderBaseURL      string
	ProviderKey          string
	ProviderSecret       string
	ProviderShortcode    string
	ProviderPasskey      string
	ProviderCallbackURL  string
	ProviderTimeout      time.Duration
	SettlementExpiry     time.Duration
	SettlementSweepEvery time.Duration
	AmountToleranceMinor int64

	// Reversal
	ReversalWindow time.Duration
}

// Load reads configuration with house defaults. Missing config files are not
// an error; environment variables always win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chainpay")
	v.SetEnvPrefix("CHAINPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":8443")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "host=localhost user=chainpay dbname=chainpay sslmode=disable")
	v.SetDefault("currencies", []string{"USD", "EUR", "GBP", "KES", "NGN"})

	v.SetDefault("fx.spread_pct", 1.5)
	v.SetDefault("fx.cache_ttl", "30s")
	v.SetDefault("fx.volatility_pct", 0.3)

	v.SetDefault("compliance.tx_limit_usd", 200000)    // 2,000.00 USD
	v.SetDefault("compliance.daily_limit_usd", 500000) // 5,000.00 USD
	v.SetDefault("compliance.structuring_min_usd", 90000)
	v.SetDefault("compliance.structuring_max_usd", 100000)
	v.SetDefault("compliance.structuring_min_count", 3)
	v.SetDefault("compliance.velocity_max_per_hour", 10)
	v.SetDefault("compliance.sanctions", []string{})

	v.SetDefault("transfer.deposit_ceiling", 1000000) // 10,000.00
	v.SetDefault("transfer.signature_key", "")

	v.SetDefault("provider.base_url", "https://sandbox.safaricom.co.ke")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("settlement.expiry", "120s")
	v.SetDefault("settlement.sweep_every", "60s")
	v.SetDefault("settlement.amount_tolerance_minor", 100)

	v.SetDefault("reversal.window", "24h")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		HTTPAddr:  v.GetString("http.addr"),
		JWTSecret: v.GetString("http.jwt_secret"),
		DBDriver:  v.GetString("db.driver"),
		DBDSN:     v.GetString("db.dsn"),

		SupportedCurrencies: v.GetStringSlice("currencies"),

		FXSpreadPct:     v.GetFloat64("fx.spread_pct"),
		FXCacheTTL:      v.GetDuration("fx.cache_ttl"),
		FXVolatilityPct: v.GetFloat64("fx.volatility_pct"),

		TxLimitUSD:          v.GetInt64("compliance.tx_limit_usd"),
		DailyLimitUSD:       v.GetInt64("compliance.daily_limit_usd"),
		StructuringMinUSD:   v.GetInt64("compliance.structuring_min_usd"),
		StructuringMaxUSD:   v.GetInt64("compliance.structuring_max_usd"),
		StructuringMinCount: v.GetInt("compliance.structuring_min_count"),
		VelocityMaxPerHour:  v.GetInt("compliance.velocity_max_per_hour"),
		SanctionsList:       v.GetStringSlice("compliance.sanctions"),

		DepositCeiling: v.GetInt64("transfer.deposit_ceiling"),
		SignatureKey:   v.GetString("transfer.signature_key"),

		ProviderBaseURL:      v.GetString("provider.base_url"),
		ProviderKey:          v.GetString("provider.consumer_key"),
		ProviderSecret:       v.GetString("provider.consumer_secret"),
		ProviderShortcode:    v.GetString("provider.shortcode"),
		ProviderPasskey:      v.GetString("provider.passkey"),
		ProviderCallbackURL:  v.GetString("provider.callback_url"),
		ProviderTimeout:      v.GetDuration("provider.timeout"),
		SettlementExpiry:     v.GetDuration("settlement.expiry"),
		SettlementSweepEvery: v.GetDuration("settlement.sweep_every"),
		AmountToleranceMinor: v.GetInt64("settlement.amount_tolerance_minor"),

		ReversalWindow: v.GetDuration("reversal.window"),
	}, nil
}
