// Package config loads service configuration from a yaml file and the
// environment via Viper. Every knob has a default so the service starts
// with no configuration at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	LogLevel    string
	Pair        string
	MetricsAddr string

	Exchange       ExchangeConfig
	Buffer         BufferConfig
	SnapshotReload SnapshotReloadConfig
	ValidityCheck  ValidityCheckConfig
	Notify         NotifyConfig
	Kafka          KafkaConfig
}

type ExchangeConfig struct {
	Name    string
	WSURL   string
	RESTURL string
}

type BufferConfig struct {
	Enabled  bool
	Interval time.Duration
}

type SnapshotReloadConfig struct {
	Enabled bool
	Timeout time.Duration
}

type ValidityCheckConfig struct {
	Enabled bool
	Timeout time.Duration
	Limit   int
}

type NotifyConfig struct {
	LevelAndAbove int
	Debug         bool
	ComputeIndex  bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// Load reads configuration from depthbook.yaml (working directory or
// /etc/depthbook) and DEPTHBOOK_* environment variables. A missing file is
// fine; defaults apply.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("pair", "BTC/USDT")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.rest_url", "")

	v.SetDefault("buffer.enabled", true)
	v.SetDefault("buffer.interval", 10*time.Millisecond)

	v.SetDefault("snapshot_reload.enabled", false)
	v.SetDefault("snapshot_reload.timeout", time.Minute)

	v.SetDefault("validity_check.enabled", true)
	v.SetDefault("validity_check.timeout", 5*time.Second)
	v.SetDefault("validity_check.limit", 6)

	v.SetDefault("notify.level_and_above", 0)
	v.SetDefault("notify.debug", false)
	v.SetDefault("notify.compute_index", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "depthbook.changes")

	v.SetConfigName("depthbook")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/depthbook")
	v.SetEnvPrefix("DEPTHBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	cfg := &Config{
		LogLevel:    v.GetString("log_level"),
		Pair:        v.GetString("pair"),
		MetricsAddr: v.GetString("metrics_addr"),
		Exchange: ExchangeConfig{
			Name:    v.GetString("exchange.name"),
			WSURL:   v.GetString("exchange.ws_url"),
			RESTURL: v.GetString("exchange.rest_url"),
		},
		Buffer: BufferConfig{
			Enabled:  v.GetBool("buffer.enabled"),
			Interval: v.GetDuration("buffer.interval"),
		},
		SnapshotReload: SnapshotReloadConfig{
			Enabled: v.GetBool("snapshot_reload.enabled"),
			Timeout: v.GetDuration("snapshot_reload.timeout"),
		},
		ValidityCheck: ValidityCheckConfig{
			Enabled: v.GetBool("validity_check.enabled"),
			Timeout: v.GetDuration("validity_check.timeout"),
			Limit:   v.GetInt("validity_check.limit"),
		},
		Notify: NotifyConfig{
			LevelAndAbove: v.GetInt("notify.level_and_above"),
			Debug:         v.GetBool("notify.debug"),
			ComputeIndex:  v.GetBool("notify.compute_index"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
	}

	if strings.TrimSpace(cfg.Pair) == "" {
		return nil, fmt.Errorf("config: pair must not be empty")
	}
	if cfg.ValidityCheck.Limit <= 0 {
		return nil, fmt.Errorf("config: validity_check.limit must be positive, got %d", cfg.ValidityCheck.Limit)
	}
	return cfg, nil
}
