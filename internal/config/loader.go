package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/sreymja/mtls-proxy/internal/errs"
)

const envPrefix = "MTLS_PROXY"

// InitViper wires viper's search path, env-var binding, and config type,
// mirroring the reference module's InitViper but switched from YAML to
// TOML and from the SENTINEL_GATE prefix to MTLS_PROXY.
func InitViper(configFile string) error {
	v := viper.GetViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("toml")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errs.Newf(errs.ConfigNotFound, "read config file").WithDetails(err.Error())
		}
	}

	// config/local.toml layers on top of config/default.toml when both are
	// present and no explicit --config override was given.
	if configFile == "" {
		if local := filepath.Join(filepath.Dir(v.ConfigFileUsed()), "local.toml"); fileExists(local) {
			lv := viper.New()
			lv.SetConfigFile(local)
			if err := lv.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(lv.AllSettings())
			}
		}
	}

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// findConfigFile searches, in order: ./config/default.toml,
// ./mtls-proxy.toml, $HOME/.mtls-proxy/config.toml,
// /etc/mtls-proxy/config.toml (or the Windows ProgramData equivalent), requiring an
// explicit .toml extension to avoid matching the binary itself.
func findConfigFile() string {
	candidates := []string{filepath.Join("config", "default.toml"), "mtls-proxy.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".mtls-proxy", "config.toml"))
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			candidates = append(candidates, filepath.Join(pd, "mtls-proxy", "config.toml"))
		}
	} else {
		candidates = append(candidates, filepath.Join("/etc", "mtls-proxy", "config.toml"))
	}
	for _, c := range candidates {
		if fileExists(c) {
			return c
		}
	}
	return ""
}

// bindNestedEnvKeys forces viper to recognize MTLS_PROXY_SERVER_PORT-style
// keys for struct fields that might not otherwise be discovered via
// AutomaticEnv before any default is set.
func bindNestedEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.host", "server.port", "server.max_connections",
		"server.connection_timeout_secs", "server.max_request_size_mb",
		"server.max_concurrent_requests", "server.rate_limit_rps", "server.rate_limit_burst",
		"tls.client_cert_path", "tls.client_key_path", "tls.ca_cert_path", "tls.verify_hostname",
		"target.base_url", "target.timeout_secs",
		"logging.sqlite_db_path", "logging.retention_days", "logging.max_log_size_mb",
		"ui.certs_dir",
	}
	for _, k := range keys {
		_ = v.BindEnv(k, fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.ReplaceAll(k, ".", "_"))))
	}
}

// LoadConfigRaw decodes the current viper state into a Config and applies
// defaults, without validating — used by the CLI so flag overrides can be
// layered in before the single, authoritative Validate() call.
func LoadConfigRaw() (*Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return nil, errs.Newf(errs.ConfigValidationFailed, "decode configuration").WithDetails(err.Error())
	}
	SetDefaults(&c)
	return &c, nil
}

// LoadConfig decodes, defaults, and validates in one call.
func LoadConfig() (*Config, error) {
	c, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WatchAndReload installs a viper file watcher that re-decodes and
// re-validates on every change, invoking onReload only when validation
// succeeds — an invalid on-disk edit is silently discarded (onReload is not
// called and no error is reported), never applied half-written.
func WatchAndReload(onReload func(*Config)) {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		c, err := LoadConfig()
		if err != nil {
			return
		}
		onReload(c)
	})
	viper.WatchConfig()
}

// ConfigFileUsed returns the path viper actually loaded.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
