package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Valuation ValuationConfig `yaml:"valuation" mapstructure:"valuation"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Report    ReportConfig    `yaml:"report" mapstructure:"report"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LifecycleConfig configures the lifecycle validator.
type LifecycleConfig struct {
	MaxTrialDays int `yaml:"max_trial_days" mapstructure:"max_trial_days"`
}

// PricingConfig configures price tier discovery and bucket assignment.
type PricingConfig struct {
	RelativeGap  float64 `yaml:"relative_gap" mapstructure:"relative_gap"`
	AbsoluteGap  float64 `yaml:"absolute_gap" mapstructure:"absolute_gap"`
	MatchEpsilon float64 `yaml:"match_epsilon" mapstructure:"match_epsilon"`
	Workers      int     `yaml:"workers" mapstructure:"workers"`
}

// ValuationConfig configures the value model phase windows, in days since
// the credited date, and the fallback rate profile.
type ValuationConfig struct {
	TrialPendingDays         int         `yaml:"trial_pending_days" mapstructure:"trial_pending_days"`
	TrialRefundWindowDays    int         `yaml:"trial_refund_window_days" mapstructure:"trial_refund_window_days"`
	PurchaseRefundWindowDays int         `yaml:"purchase_refund_window_days" mapstructure:"purchase_refund_window_days"`
	DefaultRates             RatesConfig `yaml:"default_rates" mapstructure:"default_rates"`
}

// RatesConfig is a conversion/refund rate profile.
type RatesConfig struct {
	TrialConversionRate float64 `yaml:"trial_conversion_rate" mapstructure:"trial_conversion_rate"`
	TrialRefundRate     float64 `yaml:"trial_converted_to_refund_rate" mapstructure:"trial_converted_to_refund_rate"`
	PurchaseRefundRate  float64 `yaml:"initial_purchase_to_refund_rate" mapstructure:"initial_purchase_to_refund_rate"`
}

// MetricsConfig configures the end-of-run metrics export.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// ReportConfig configures end-of-run summaries.
type ReportConfig struct {
	TopN int `yaml:"top_n" mapstructure:"top_n"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REVENUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "revenue.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("lifecycle.max_trial_days", 31)
	v.SetDefault("pricing.relative_gap", 0.175)
	v.SetDefault("pricing.absolute_gap", 5.00)
	v.SetDefault("pricing.match_epsilon", 0.01)
	v.SetDefault("pricing.workers", 4)
	v.SetDefault("valuation.trial_pending_days", 7)
	v.SetDefault("valuation.trial_refund_window_days", 37)
	v.SetDefault("valuation.purchase_refund_window_days", 30)
	v.SetDefault("valuation.default_rates.trial_conversion_rate", 0.25)
	v.SetDefault("valuation.default_rates.trial_converted_to_refund_rate", 0.20)
	v.SetDefault("valuation.default_rates.initial_purchase_to_refund_rate", 0.40)
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("report.top_n", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Every problem is
// reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "migrate", "import", "status":
		errs = append(errs, c.validateStore()...)
	case "run":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateStages()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.MinConns > c.Store.MaxConns && c.Store.MaxConns > 0 {
		errs = append(errs, "store.min_conns must not exceed store.max_conns")
	}
	return errs
}

func (c *Config) validateStages() []string {
	var errs []string
	if c.Lifecycle.MaxTrialDays < 1 {
		errs = append(errs, "lifecycle.max_trial_days must be >= 1")
	}
	if c.Pricing.RelativeGap < 0 || c.Pricing.AbsoluteGap < 0 || c.Pricing.MatchEpsilon < 0 {
		errs = append(errs, "pricing gaps and match_epsilon must be >= 0")
	}
	if c.Pricing.Workers < 0 {
		errs = append(errs, "pricing.workers must be >= 0")
	}
	v := c.Valuation
	if v.TrialPendingDays < 0 || v.TrialRefundWindowDays <= v.TrialPendingDays {
		errs = append(errs, "valuation.trial_refund_window_days must exceed valuation.trial_pending_days")
	}
	if v.PurchaseRefundWindowDays < 0 {
		errs = append(errs, "valuation.purchase_refund_window_days must be >= 0")
	}
	for _, r := range []float64{v.DefaultRates.TrialConversionRate, v.DefaultRates.TrialRefundRate, v.DefaultRates.PurchaseRefundRate} {
		if r < 0 || r > 1 {
			errs = append(errs, "valuation.default_rates must be between 0 and 1")
			break
		}
	}
	if c.Report.TopN < 0 {
		errs = append(errs, "report.top_n must be >= 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
