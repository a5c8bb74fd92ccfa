package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: TASKOPS_QUEUE_BACKEND sets
// queue.backend.
const EnvPrefix = "TASKOPS"

// SearchPaths are the directories searched for taskops.yaml when Load is
// given no explicit path.
var SearchPaths = []string{".", "/etc/taskops"}

// Load reads configuration from path (or taskops.yaml on SearchPaths when
// path is empty), applies TASKOPS_* environment overrides on top of
// DefaultConfig, and validates the result. A missing default file is not an
// error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
	} else {
		v.SetConfigName("taskops")
		v.SetConfigType("yaml")
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", displayPath(path), err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper returns a viper instance that knows every key of DefaultConfig,
// so each one can be overridden from the environment.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := flatten(DefaultConfig())
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v, nil
}

// flatten renders cfg to dotted keys through its yaml form.
func flatten(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("config: decode defaults: %w", err)
	}
	out := make(map[string]any)
	flattenInto(out, "", tree)
	return out, nil
}

func flattenInto(out map[string]any, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flattenInto(out, key, child)
			continue
		}
		out[key] = v
	}
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// WriteDefault writes DefaultConfig as YAML to path, refusing to overwrite.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return f.Close()
}

func displayPath(path string) string {
	if path == "" {
		return "taskops.yaml"
	}
	return path
}
