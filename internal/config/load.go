package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/securewatch/agent/internal/agenterrors"
)

var validate = validator.New()

// Load reads the configuration document at path, applying defaults first.
// If path does not exist, a default document is synthesized and persisted to
// path before continuing (spec.md §4.1's "Default synthesis"). The returned
// Config has already passed Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := synthesizeDefault(v, path); err != nil {
				return nil, agenterrors.NewConfigurationError("failed to synthesize default config", err)
			}
		}

		v.SetConfigFile(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		default:
			v.SetConfigType("json")
		}

		if err := v.ReadInConfig(); err != nil {
			return nil, agenterrors.NewConfigurationError("failed to read config file "+path, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, agenterrors.NewConfigurationError("failed to unmarshal config", err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// synthesizeDefault writes the default document (defaults already loaded
// into v) to path so subsequent loads are stable, mirroring config.py's
// behavior of persisting the synthesized default on first run.
func synthesizeDefault(v *viper.Viper, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}
	return v.SafeWriteConfig()
}

// Validate enforces the closed schema described in spec.md §4.1: struct-tag
// constraints via validator, plus the cross-field checks validator tags
// cannot express (unique collector names, transport endpoint scheme, mTLS
// path existence as warnings only, buffer directory creatability).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return agenterrors.NewConfigurationError("schema validation failed: "+err.Error(), err)
	}

	seen := make(map[string]bool, len(c.Collectors))
	for _, col := range c.Collectors {
		if seen[col.Name] {
			return agenterrors.NewConfigurationError(
				fmt.Sprintf("collectors[%s]: duplicate collector name", col.Name), nil)
		}
		seen[col.Name] = true
	}

	u, err := url.Parse(c.Transport.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return agenterrors.NewConfigurationError(
			"transport.endpoint: must be an http:// or https:// URL", nil)
	}

	for _, p := range []struct{ name, path string }{
		{"transport.mtls.ca_cert", c.Transport.MTLS.CACert},
		{"transport.mtls.client_cert", c.Transport.MTLS.ClientCert},
		{"transport.mtls.client_key", c.Transport.MTLS.ClientKey},
	} {
		if p.path == "" {
			continue
		}
		if _, err := os.Stat(p.path); err != nil {
			slog.Warn("mTLS material path does not exist", "field", p.name, "path", p.path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.Buffer.DBPath), 0o755); err != nil {
		return agenterrors.NewConfigurationError(
			"buffer.db_path: parent directory is not creatable", err)
	}

	return nil
}
