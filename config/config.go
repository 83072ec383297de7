// Package config loads the TOML settings of the transfer core and its demo.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Transfer struct {
	// UseDedicatedQueue selects a transfer-only queue family when one exists.
	UseDedicatedQueue bool `toml:"use_dedicated_queue"`
	// BacklogWarn is the reclaim backlog length that triggers a warning.
	BacklogWarn int `toml:"backlog_warn"`
	// DrainTimeout bounds the wait for outstanding transfers at shutdown.
	DrainTimeout Duration `toml:"drain_timeout"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Sim struct {
	PoolCapacity int `toml:"pool_capacity"`
	// Families is how many queue families the simulated device exposes;
	// 1 forces transfers onto the graphics queue.
	Families int `toml:"families"`
}

type Demo struct {
	Frames  int    `toml:"frames"`
	Workers int    `toml:"workers"`
	Char    string `toml:"char"`
}

type Config struct {
	Transfer Transfer `toml:"transfer"`
	Log      Log      `toml:"log"`
	Sim      Sim      `toml:"sim"`
	Demo     Demo     `toml:"demo"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transfer: Transfer{
			UseDedicatedQueue: true,
			BacklogWarn:       64,
			DrainTimeout:      Duration(2 * time.Second),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Sim: Sim{
			PoolCapacity: 64,
			Families:     2,
		},
		Demo: Demo{
			Frames:  8,
			Workers: 4,
			Char:    "R",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults; a
// named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Transfer.BacklogWarn < 0:
		return fmt.Errorf("transfer.backlog_warn must not be negative, got %d", c.Transfer.BacklogWarn)
	case c.Transfer.DrainTimeout < 0:
		return fmt.Errorf("transfer.drain_timeout must not be negative, got %s", time.Duration(c.Transfer.DrainTimeout))
	case c.Sim.PoolCapacity < 0:
		return fmt.Errorf("sim.pool_capacity must not be negative, got %d", c.Sim.PoolCapacity)
	case c.Sim.Families < 1 || c.Sim.Families > 2:
		return fmt.Errorf("sim.families must be 1 or 2, got %d", c.Sim.Families)
	case c.Demo.Workers < 0:
		return fmt.Errorf("demo.workers must not be negative, got %d", c.Demo.Workers)
	case c.Demo.Char == "":
		return errors.New("demo.char must not be empty")
	}
	if _, err := c.Log.Logrus(); err != nil {
		return err
	}
	return nil
}

// Logrus builds a logger from the log section.
func (l Log) Logrus() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	logger := logrus.New()
	logger.Level = level
	switch l.Format {
	case "", "text":
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		logger.Formatter = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
	return logger, nil
}
