package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the dcpconv configuration file
// (~/.config/dcpconv/config.yaml). Values only fill in flags that were not
// given on the command line.
type Config struct {
	Type      string `yaml:"type"`
	DType     string `yaml:"dtype"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dcpconv", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to logging flags that
// were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config, o *loggingOptions) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		o.level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		o.format = cfg.LogFormat
	}
}

// applyConvertConfig applies config file defaults to convert flags.
func applyConvertConfig(c *cli.Command, cfg Config, kind, dtype *string) {
	if cfg.Type != "" && !c.IsSet("type") {
		*kind = cfg.Type
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
}
