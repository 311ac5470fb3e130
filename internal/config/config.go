// Package config is the proxy's validated configuration snapshot (C6):
// loaded from TOML via viper, validated with go-playground/validator, held
// behind a reader-writer lock with atomic swap-on-success semantics.
package config

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sreymja/mtls-proxy/internal/errs"
)

// Server holds the inbound listener and admission-control settings.
type Server struct {
	Host                  string  `mapstructure:"host" json:"host" validate:"required"`
	Port                  int     `mapstructure:"port" json:"port" validate:"required,ne=0"`
	MaxConnections        int     `mapstructure:"max_connections" json:"max_connections" validate:"required,gt=0"`
	ConnectionTimeoutSecs int     `mapstructure:"connection_timeout_secs" json:"connection_timeout_secs" validate:"required,gt=0"`
	MaxRequestSizeMB      int     `mapstructure:"max_request_size_mb" json:"max_request_size_mb" validate:"required,gt=0"`
	MaxConcurrentRequests int     `mapstructure:"max_concurrent_requests" json:"max_concurrent_requests" validate:"required,gt=0"`
	RateLimitRPS          float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst        float64 `mapstructure:"rate_limit_burst" json:"rate_limit_burst" validate:"gt=0"`
}

// TLS holds the client-auth certificate material paths.
type TLS struct {
	ClientCertPath string `mapstructure:"client_cert_path" json:"client_cert_path" validate:"required"`
	ClientKeyPath  string `mapstructure:"client_key_path" json:"client_key_path" validate:"required"`
	CACertPath     string `mapstructure:"ca_cert_path" json:"ca_cert_path"`
	VerifyHostname bool   `mapstructure:"verify_hostname" json:"verify_hostname"`
}

// Target holds the single upstream origin's base URL and per-request deadline.
type Target struct {
	BaseURL     string `mapstructure:"base_url" json:"base_url" validate:"required"`
	TimeoutSecs int    `mapstructure:"timeout_secs" json:"timeout_secs" validate:"required,gt=0"`
}

// Logging holds the request-log store's location and retention policy.
type Logging struct {
	SQLiteDBPath  string `mapstructure:"sqlite_db_path" json:"sqlite_db_path" validate:"required"`
	RetentionDays int    `mapstructure:"retention_days" json:"retention_days" validate:"required,gt=0"`
	MaxLogSizeMB  int    `mapstructure:"max_log_size_mb" json:"max_log_size_mb" validate:"required,gt=0"`
}

// UI holds optional control-plane surface settings; not required.
type UI struct {
	CertsDir string `mapstructure:"certs_dir" json:"certs_dir"`
}

// Config is the full validated snapshot.
type Config struct {
	Server  Server  `mapstructure:"server" json:"server" validate:"required"`
	TLS     TLS     `mapstructure:"tls" json:"tls" validate:"required"`
	Target  Target  `mapstructure:"target" json:"target" validate:"required"`
	Logging Logging `mapstructure:"logging" json:"logging" validate:"required"`
	UI      UI      `mapstructure:"ui" json:"ui"`
}

// Clone returns a deep-enough copy for copy-patch-validate update flows;
// every field here is a value type so a struct copy suffices.
func (c Config) Clone() Config {
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	_ = validate.RegisterValidation("https_url", validateHTTPSURL)
	validate.RegisterStructValidation(targetStructValidation, Target{})
}

func validateHTTPSURL(fl validator.FieldLevel) bool {
	return strings.HasPrefix(fl.Field().String(), "https://")
}

func targetStructValidation(sl validator.StructLevel) {
	t := sl.Current().Interface().(Target)
	if t.BaseURL == "" || !strings.HasPrefix(t.BaseURL, "https://") {
		sl.ReportError(t.BaseURL, "BaseURL", "base_url", "https_url", "")
	}
}

// Validate checks the authoritative rule list from spec.md §4.6, in
// addition to what the struct tags already enforce: path existence for
// cert/key/CA material.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.New(errs.ConfigValidationFailed, "configuration failed validation").WithDetails(err.Error())
	}

	if _, err := os.Stat(c.TLS.ClientCertPath); err != nil {
		return errs.Newf(errs.ConfigValidationFailed, "tls.client_cert_path does not exist: %s", c.TLS.ClientCertPath)
	}
	if _, err := os.Stat(c.TLS.ClientKeyPath); err != nil {
		return errs.Newf(errs.ConfigValidationFailed, "tls.client_key_path does not exist: %s", c.TLS.ClientKeyPath)
	}
	if c.TLS.CACertPath != "" {
		if _, err := os.Stat(c.TLS.CACertPath); err != nil {
			return errs.Newf(errs.ConfigValidationFailed, "tls.ca_cert_path does not exist: %s", c.TLS.CACertPath)
		}
	}
	return nil
}

// SetDefaults applies the proxy's baked-in defaults onto a freshly-decoded
// Config, setting only fields still at their zero value. An explicit zero
// in the config file cannot be told apart from an absent key, so it is
// replaced by the default as well.
func SetDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Server.ConnectionTimeoutSecs == 0 {
		c.Server.ConnectionTimeoutSecs = 30
	}
	if c.Server.MaxRequestSizeMB == 0 {
		c.Server.MaxRequestSizeMB = 10
	}
	if c.Server.MaxConcurrentRequests == 0 {
		c.Server.MaxConcurrentRequests = 500
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 100
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 200
	}
	if c.Target.TimeoutSecs == 0 {
		c.Target.TimeoutSecs = 30
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 30
	}
	if c.Logging.MaxLogSizeMB == 0 {
		c.Logging.MaxLogSizeMB = 100
	}
	if c.UI.CertsDir == "" {
		c.UI.CertsDir = "./certs"
	}
}
