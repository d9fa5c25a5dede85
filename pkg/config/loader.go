package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

// EnvPrefix prefixes environment overrides: LEASEPOOL_POOL_SIZE overrides
// pool.size.
const EnvPrefix = "LEASEPOOL"

// Load layers Default(), the YAML file at path (if non-empty) and LEASEPOOL_*
// environment variables, in that order, and validates the result.
// ${VAR} and ${VAR:-default} references in the file are expanded first.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := Marshal(Default())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to load defaults")
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to read config file").
				WithDetail("path", path)
		}
		expanded := substituteEnvVars(string(data))
		if err := v.MergeConfig(strings.NewReader(expanded)); err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to parse config file").
				WithDetail("path", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to decode config")
	}
	if cfg.Backend.Settings == nil {
		cfg.Backend.Settings = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to marshal YAML")
	}
	return data, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to write config file").
			WithDetail("path", path)
	}
	return nil
}

// substituteEnvVars replaces ${VAR} with the variable's value and
// ${VAR:-fallback} with fallback when VAR is unset or empty. An unterminated
// reference is left as is.
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			out.WriteString(content)
			return out.String()
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			out.WriteString(content)
			return out.String()
		}
		end += start

		out.WriteString(content[:start])
		ref := content[start+2 : end]
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		value := os.Getenv(name)
		if value == "" && hasFallback {
			value = fallback
		}
		out.WriteString(value)
		content = content[end+1:]
	}
}
