// Package config layers the runtime configuration: baked-in defaults, then
// an optional YAML file, then R2R_ environment variables, then command-line
// flags. Later layers win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "R2R_"

// Config carries everything the process needs to run.
type Config struct {
	DB        string `koanf:"db"`
	Addr      string `koanf:"addr"`
	ReposDir  string `koanf:"repos_dir"`
	ChunkSize int    `koanf:"chunk_size"`
}

func defaults() map[string]any {
	return map[string]any{
		"db":         "r2r.db",
		"addr":       ":8080",
		"repos_dir":  "repos",
		"chunk_size": 1000,
	}
}

// Load resolves the configuration. path names a YAML file and may be empty,
// in which case only defaults, environment, and flags apply. flags may be
// nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	for key, val := range defaults() {
		if err := k.Set(key, val); err != nil {
			return Config{}, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, envPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.DB == "" {
		return Config{}, fmt.Errorf("db path cannot be empty")
	}
	return cfg, nil
}
