// Package config loads tool settings and nativebind.yaml project files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/goplus/nativebind/internal/env"
)

// EnvPrefix prefixes every environment override, e.g. NATIVEBIND_VERBOSE.
const EnvPrefix = "NATIVEBIND"

// Settings are the tool-wide knobs. Precedence, highest first: command
// line flags, NATIVEBIND_* environment (including .env files), config
// file, defaults.
type Settings struct {
	CacheDir  string        `mapstructure:"cache_dir"`
	Verbose   bool          `mapstructure:"verbose"`
	Jobs      int           `mapstructure:"jobs"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Generator string        `mapstructure:"generator"`
	BuildType string        `mapstructure:"build_type"`

	Git       string `mapstructure:"git"`
	CMake     string `mapstructure:"cmake"`
	PkgConfig string `mapstructure:"pkg_config"`

	// LookupCacheSize bounds the memoized system library lookups.
	LookupCacheSize int `mapstructure:"lookup_cache_size"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	cacheDir, err := env.CacheDir()
	if err != nil {
		cacheDir = filepath.Join(os.TempDir(), env.AppName)
	}
	return Settings{
		CacheDir:        cacheDir,
		Jobs:            runtime.NumCPU(),
		Generator:       "Ninja",
		BuildType:       "Release",
		Git:             "git",
		CMake:           "cmake",
		PkgConfig:       "pkg-config",
		LookupCacheSize: 256,
	}
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// ConfigFile, if set, is read instead of searching for config.yaml.
	ConfigFile string
	// DotEnv lists .env files to load; missing files are skipped. Values
	// already present in the environment win.
	DotEnv []string
	// Flags are bound by name with '-' mapped to '_' (e.g. --build-type).
	Flags *pflag.FlagSet
}

// Load resolves the settings.
func Load(opts LoadOptions) (*Settings, error) {
	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	v := viper.New()
	defaults := DefaultSettings()
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("jobs", defaults.Jobs)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("generator", defaults.Generator)
	v.SetDefault("build_type", defaults.BuildType)
	v.SetDefault("git", defaults.Git)
	v.SetDefault("cmake", defaults.CMake)
	v.SetDefault("pkg_config", defaults.PkgConfig)
	v.SetDefault("lookup_cache_size", defaults.LookupCacheSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := v.AllSettings()[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else if dir, err := env.ConfigDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports settings that cannot work.
func (s *Settings) Validate() error {
	var errs []error
	if s.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is empty"))
	}
	if s.Jobs < 1 {
		errs = append(errs, fmt.Errorf("jobs must be at least 1, got %d", s.Jobs))
	}
	if s.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negative timeout %s", s.Timeout))
	}
	if s.LookupCacheSize < 1 {
		errs = append(errs, fmt.Errorf("lookup_cache_size must be at least 1, got %d", s.LookupCacheSize))
	}
	return errors.Join(errs...)
}

func loadDotEnv(files []string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}
