package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string   `mapstructure:"REDIS_URL"`
	AuthIssuer          string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL         string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey      string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	HospitalCode        string   `mapstructure:"HOSPITAL_CODE"`
	Timezone            string   `mapstructure:"TIMEZONE"`
	ConsultationFee     string   `mapstructure:"CONSULTATION_FEE"`
	CoverageRatio       string   `mapstructure:"HMO_COVERAGE_RATIO"`
	LabDefaultFee       string   `mapstructure:"LAB_DEFAULT_FEE"`
	LabFees             string   `mapstructure:"LAB_FEES"`
	FollowUpCron        string   `mapstructure:"FOLLOWUP_CRON"`
	FollowUpCronEnabled bool     `mapstructure:"FOLLOWUP_CRON_ENABLED"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HOSPITAL_CODE", "EDH")
	v.SetDefault("TIMEZONE", "Africa/Lagos")
	v.SetDefault("CONSULTATION_FEE", "5000.00")
	v.SetDefault("HMO_COVERAGE_RATIO", "0.80")
	v.SetDefault("LAB_DEFAULT_FEE", "0.00")
	v.SetDefault("FOLLOWUP_CRON", "@weekly")
	v.SetDefault("FOLLOWUP_CRON_ENABLED", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"HOSPITAL_CODE", "TIMEZONE", "CONSULTATION_FEE", "HMO_COVERAGE_RATIO",
		"LAB_DEFAULT_FEE", "LAB_FEES", "FOLLOWUP_CRON", "FOLLOWUP_CRON_ENABLED",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); every request is treated as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. Dates used for aging, claim periods and
// follow-up windows are computed in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Tariff holds the parsed billing figures. It is kept free of billing types
// so the config package stays a leaf.
type Tariff struct {
	ConsultationFee decimal.Decimal
	CoverageRatio   decimal.Decimal
	LabDefaultFee   decimal.Decimal
	LabFees         map[string]decimal.Decimal
}

// Tariff parses the billing figures. LAB_FEES has the form
// "Full Blood Count (FBC)=2500;ESR=1500".
func (c *Config) Tariff() (*Tariff, error) {
	fee, err := decimal.NewFromString(c.ConsultationFee)
	if err != nil {
		return nil, fmt.Errorf("CONSULTATION_FEE: %w", err)
	}
	ratio, err := decimal.NewFromString(c.CoverageRatio)
	if err != nil {
		return nil, fmt.Errorf("HMO_COVERAGE_RATIO: %w", err)
	}
	labDefault, err := decimal.NewFromString(c.LabDefaultFee)
	if err != nil {
		return nil, fmt.Errorf("LAB_DEFAULT_FEE: %w", err)
	}

	labFees := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(c.LabFees, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, price, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("LAB_FEES entry %q: expected name=price", entry)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil {
			return nil, fmt.Errorf("LAB_FEES entry %q: %w", entry, err)
		}
		labFees[strings.TrimSpace(name)] = d
	}

	return &Tariff{
		ConsultationFee: fee,
		CoverageRatio:   ratio,
		LabDefaultFee:   labDefault,
		LabFees:         labFees,
	}, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a way to verify bearer tokens must be configured, and the billing tariff
// must parse and stay within sane bounds.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	t, err := c.Tariff()
	if err != nil {
		return err
	}
	if t.CoverageRatio.IsNegative() || t.CoverageRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("HMO_COVERAGE_RATIO must be between 0 and 1, got %s", t.CoverageRatio)
	}
	if t.ConsultationFee.IsNegative() {
		return fmt.Errorf("CONSULTATION_FEE must not be negative, got %s", t.ConsultationFee)
	}
	if t.LabDefaultFee.IsNegative() {
		return fmt.Errorf("LAB_DEFAULT_FEE must not be negative, got %s", t.LabDefaultFee)
	}
	for name, fee := range t.LabFees {
		if fee.IsNegative() {
			return fmt.Errorf("LAB_FEES %q must not be negative, got %s", name, fee)
		}
	}

	if c.FollowUpCronEnabled && c.FollowUpCron == "" {
		return fmt.Errorf("FOLLOWUP_CRON is required when FOLLOWUP_CRON_ENABLED is true")
	}

	return nil
}
