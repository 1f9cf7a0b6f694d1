package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/autoscaler")
	}

	v.SetEnvPrefix("AUTOSCALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found: defaults plus env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "medgrid-autoscaler")
	v.SetDefault("app.mode", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "autoscaler")
	v.SetDefault("database.user", "admin")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.ping_timeout", "5s")

	// Collector defaults
	v.SetDefault("collector.type", "static")
	v.SetDefault("collector.interval", "10s")
	v.SetDefault("collector.timeout", "5s")
	v.SetDefault("collector.retry_attempts", 3)
	v.SetDefault("collector.circuit_breaker.max_failures", 5)
	v.SetDefault("collector.circuit_breaker.timeout", "30s")

	// Evaluator defaults
	v.SetDefault("evaluator.default_consecutive", 3)
	v.SetDefault("evaluator.default_cooldown", "5m")
	v.SetDefault("evaluator.history_length", 120)
	v.SetDefault("evaluator.history_retention", "10m")

	// Predictor defaults
	v.SetDefault("predictor.enabled", true)
	v.SetDefault("predictor.horizon", "15m")
	v.SetDefault("predictor.confidence_floor", 0.7)
	v.SetDefault("predictor.timeout", "2s")
	v.SetDefault("predictor.target_value", 70.0)

	// Decision defaults
	v.SetDefault("decision.interval", "30s")
	v.SetDefault("decision.max_scale_step", 3)
	v.SetDefault("decision.target_value", 70.0)
	v.SetDefault("decision.critical_floor_delta", 2)
	v.SetDefault("decision.automatic_rollback", true)
	v.SetDefault("decision.roi_floor", 0.5)
	v.SetDefault("decision.charge_window", "1h")

	// Placement defaults
	v.SetDefault("placement.failure_floor", 0.3)

	// Audit defaults
	v.SetDefault("audit.retention", "2160h") // 90 days
	v.SetDefault("audit.purge_interval", "24h")

	// Optimizer defaults
	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.interval", "6h")
	v.SetDefault("optimizer.window", "168h") // 7 days
	v.SetDefault("optimizer.snapshot_interval", "30m")
	v.SetDefault("optimizer.snapshot_retention", "336h") // 14 days
	v.SetDefault("optimizer.min_snapshots", 12)
	v.SetDefault("optimizer.target_utilization", 70.0)

	// Prometheus defaults
	v.SetDefault("prometheus.enabled", true)
	v.SetDefault("prometheus.port", 9090)

	// Events defaults
	v.SetDefault("events.buffer_size", 100)
}
