// Package config loads coordinator settings from an optional config.yaml
// and TASKMESH_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/service/policy"
)

type Config struct {
	Scheduler Scheduler `mapstructure:"scheduler"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Log       Log       `mapstructure:"log"`
}

type Scheduler struct {
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
	SelectionPolicy    policy.Policy `mapstructure:"selection_policy"`
	TaskTimeoutSeconds int           `mapstructure:"task_timeout_seconds"`
	// ProcessInterval drives the background queue retry loop.
	ProcessInterval time.Duration `mapstructure:"process_interval"`
}

// TaskTimeout is informational: it is surfaced in status reports for an
// external watchdog, never enforced by the scheduler.
func (s Scheduler) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutSeconds) * time.Second
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Database struct {
	// URL enables the Postgres task archive when set.
	URL string `mapstructure:"url"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml from the working directory if present, then
// applies environment overrides (TASKMESH_SCHEDULER_SELECTION_POLICY and
// friends).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("scheduler.max_queue_size", 100)
	v.SetDefault("scheduler.selection_policy", string(policy.Default))
	v.SetDefault("scheduler.task_timeout_seconds", 300)
	v.SetDefault("scheduler.process_interval", time.Second)
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("taskmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if !cfg.Scheduler.SelectionPolicy.Valid() {
		return nil, fmt.Errorf("config: unknown selection policy %q", cfg.Scheduler.SelectionPolicy)
	}
	return &cfg, nil
}
