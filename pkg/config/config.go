// Package config loads cascade settings from an optional YAML file and
// CASCADE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ormasoftchile/cascade/pkg/logging"
	"github.com/ormasoftchile/cascade/pkg/provision"
)

const (
	// AppName is the application name used for config files and directories.
	AppName = "cascade"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "CASCADE"
)

// Config holds the run settings. CLI flags override these values.
type Config struct {
	Workers        int            `mapstructure:"workers"`
	CommandTimeout time.Duration  `mapstructure:"command_timeout"`
	FetchTimeout   time.Duration  `mapstructure:"fetch_timeout"`
	TempDir        string         `mapstructure:"temp_dir"`
	Trace          string         `mapstructure:"trace"`
	Log            logging.Config `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Load reads path, or searches the working directory and the user config
// directory for cascade.yaml when path is empty. A missing searched file is
// not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)
	v.SetDefault("command_timeout", "0s")
	v.SetDefault("fetch_timeout", provision.DefaultFetchTimeout.String())
	v.SetDefault("temp_dir", "")
	v.SetDefault("trace", "")

	log := logging.DefaultConfig()
	v.SetDefault("log.level", log.Level)
	v.SetDefault("log.format", log.Format)
	v.SetDefault("log.file", log.File)
}
