package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/autoscaler/pkg/models"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "medgrid-autoscaler",
			Mode:     "test",
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			MaxConnections: 25,
		},
		Collector: CollectorConfig{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		},
		Predictor: PredictorConfig{
			ConfidenceFloor: 0.7,
		},
		Decision: DecisionConfig{
			MaxScaleStep:       3,
			CriticalFloorDelta: 2,
		},
		Services: []ServiceConfig{
			{
				ID:              "claims-processor",
				Region:          "us-east",
				InitialReplicas: 3,
				MinReplicas:     2,
				MaxReplicas:     10,
				UnitCostHourly:  4.5,
				Thresholds: []ThresholdConfig{
					{
						ID:                  "cpu-high",
						Metric:              "cpu_utilization",
						ScaleUpValue:        80,
						ScaleDownValue:      30,
						Operator:            "gt",
						ConsecutiveBreaches: 3,
						Cooldown:            5 * time.Minute,
						Enabled:             true,
					},
				},
			},
		},
		Budgets: []BudgetConfig{
			{
				ID:             "budget-claims",
				ServiceIDs:     []string{"claims-processor"},
				Limit:          500,
				Timeframe:      30 * 24 * time.Hour,
				AlertThreshold: 0.8,
			},
		},
		Regions: []RegionConfig{
			{ID: "us-east", Capacity: 100, HealthScore: 0.95, Tier: 1},
		},
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: test-engine\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-engine", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Mode)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 10*time.Second, cfg.Collector.Interval)
	assert.Equal(t, 3, cfg.Evaluator.DefaultConsecutive)
	assert.Equal(t, 15*time.Minute, cfg.Predictor.Horizon)
	assert.Equal(t, 3, cfg.Decision.MaxScaleStep)
	assert.Equal(t, 0.5, cfg.Decision.ROIFloor)
	assert.Equal(t, time.Hour, cfg.Decision.ChargeWindow)
	assert.Equal(t, 0.3, cfg.Placement.FailureFloor)
	assert.Equal(t, 90*24*time.Hour, cfg.Audit.Retention)
	assert.Equal(t, 12, cfg.Optimizer.MinSnapshots)
	assert.Equal(t, 30*time.Minute, cfg.Optimizer.SnapshotInterval)
	assert.Equal(t, 14*24*time.Hour, cfg.Optimizer.SnapshotRetention)
	assert.Equal(t, 100, cfg.Events.BufferSize)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: medgrid-autoscaler
  mode: production
  log_level: warn
decision:
  max_scale_step: 5
  automatic_rollback: false
services:
  - id: claims-processor
    region: us-east
    initial_replicas: 3
    min_replicas: 2
    max_replicas: 12
    unit_cost_hourly: 4.5
    thresholds:
      - id: cpu-high
        metric: cpu_utilization
        scale_up_value: 80
        scale_down_value: 30
        operator: gt
        consecutive_breaches: 2
        cooldown: 10s
        enabled: true
regions:
  - id: us-east
    capacity: 100
    health_score: 0.95
    tier: 1
    certifications: [hipaa, hitrust]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Mode)
	assert.Equal(t, 5, cfg.Decision.MaxScaleStep)
	assert.False(t, cfg.Decision.AutomaticRollback)

	require.Len(t, cfg.Services, 1)
	svc := cfg.Services[0]
	assert.Equal(t, "claims-processor", svc.ID)
	assert.Equal(t, 12, svc.MaxReplicas)
	require.Len(t, svc.Thresholds, 1)
	assert.Equal(t, 10*time.Second, svc.Thresholds[0].Cooldown)

	require.Len(t, cfg.Regions, 1)
	assert.Equal(t, []string{"hipaa", "hitrust"}, cfg.Regions[0].Certifications)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "app: [not a map\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name:   "missing app name",
			mutate: func(c *Config) { c.App.Name = "" },
			want:   "app.name is required",
		},
		{
			name:   "invalid mode",
			mutate: func(c *Config) { c.App.Mode = "staging" },
			want:   "app.mode",
		},
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.App.LogLevel = "trace" },
			want:   "app.log_level",
		},
		{
			name:   "database port out of range",
			mutate: func(c *Config) { c.Database.Port = 70000 },
			want:   "database.port",
		},
		{
			name:   "collector timeout exceeds interval",
			mutate: func(c *Config) { c.Collector.Timeout = 20 * time.Second },
			want:   "collector.timeout must be less than",
		},
		{
			name:   "confidence floor above one",
			mutate: func(c *Config) { c.Predictor.ConfidenceFloor = 1.5 },
			want:   "predictor.confidence_floor",
		},
		{
			name:   "non-positive scale step",
			mutate: func(c *Config) { c.Decision.MaxScaleStep = 0 },
			want:   "decision.max_scale_step",
		},
		{
			name: "duplicate service id",
			mutate: func(c *Config) {
				c.Services = append(c.Services, c.Services[0])
			},
			want: `duplicate service id "claims-processor"`,
		},
		{
			name:   "min replicas not positive",
			mutate: func(c *Config) { c.Services[0].MinReplicas = 0 },
			want:   "min_replicas must be positive",
		},
		{
			name:   "max below min",
			mutate: func(c *Config) { c.Services[0].MaxReplicas = 1 },
			want:   "max_replicas must be >= min_replicas",
		},
		{
			name:   "initial outside bounds",
			mutate: func(c *Config) { c.Services[0].InitialReplicas = 11 },
			want:   "initial_replicas must be within",
		},
		{
			name:   "invalid threshold operator",
			mutate: func(c *Config) { c.Services[0].Thresholds[0].Operator = "between" },
			want:   `invalid operator "between"`,
		},
		{
			name:   "threshold hour out of range",
			mutate: func(c *Config) { c.Services[0].Thresholds[0].StartHour = 25 },
			want:   "time condition hours",
		},
		{
			name:   "budget with non-positive limit",
			mutate: func(c *Config) { c.Budgets[0].Limit = 0 },
			want:   "limit must be positive",
		},
		{
			name:   "budget references unknown service",
			mutate: func(c *Config) { c.Budgets[0].ServiceIDs = []string{"ghost"} },
			want:   `unknown service "ghost"`,
		},
		{
			name: "duplicate region id",
			mutate: func(c *Config) {
				c.Regions = append(c.Regions, c.Regions[0])
			},
			want: `duplicate region id "us-east"`,
		},
		{
			name:   "region health score out of range",
			mutate: func(c *Config) { c.Regions[0].HealthScore = 1.2 },
			want:   "health_score",
		},
		{
			name:   "service in undeclared region",
			mutate: func(c *Config) { c.Services[0].Region = "mars" },
			want:   `unknown region "mars"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServiceConfigToService(t *testing.T) {
	sc := ServiceConfig{
		ID:                "claims-processor",
		Name:              "Claims Processor",
		Region:            "us-east",
		InitialReplicas:   3,
		MinReplicas:       2,
		MaxReplicas:       10,
		ScaleUpCooldown:   time.Minute,
		ScaleDownCooldown: 5 * time.Minute,
		ResidencyZones:    []string{"us"},
		RequiredCerts:     []string{"hipaa"},
	}

	svc := sc.ToService()
	assert.Equal(t, "claims-processor", svc.ID)
	assert.Equal(t, 3, svc.CurrentReplicas)
	assert.Equal(t, 5*time.Minute, svc.ScaleDownCooldown)
	assert.Equal(t, []string{"us"}, svc.ResidencyZones)
}

func TestServiceConfigToCostProfileDefaultsCommitment(t *testing.T) {
	sc := ServiceConfig{ID: "claims-processor", UnitCostHourly: 4.5}

	profile := sc.ToCostProfile()
	assert.Equal(t, models.CommitmentOnDemand, profile.Commitment)
	assert.Equal(t, "USD", profile.Currency)
	assert.Equal(t, 4.5, profile.UnitCostHourly)
}

func TestServiceConfigToThresholds(t *testing.T) {
	sc := ServiceConfig{
		Thresholds: []ThresholdConfig{
			{ID: "cpu-high", Metric: "cpu_utilization", Operator: "gt", Enabled: true},
			{ID: "business-hours", Metric: "queue_depth", Operator: "gte", StartHour: 8, EndHour: 18},
		},
	}

	out := sc.ToThresholds()
	require.Len(t, out, 2)

	assert.Nil(t, out[0].TimeCondition)
	require.NotNil(t, out[1].TimeCondition)
	assert.Equal(t, 8, out[1].TimeCondition.StartHour)
	assert.Equal(t, 18, out[1].TimeCondition.EndHour)
	assert.Equal(t, models.OperatorGreaterOrEq, out[1].Operator)
}

func TestBudgetConfigToBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	bc := BudgetConfig{ID: "budget-claims", Limit: 500, Timeframe: 30 * 24 * time.Hour, Enforced: true}

	b := bc.ToBudget(now)
	assert.Equal(t, now, b.TimeframeStart)
	assert.Equal(t, 500.0, b.Limit)
	assert.True(t, b.Enforced)
}

func TestRegionConfigToRegionProfileDefaultsMultiplier(t *testing.T) {
	rc := RegionConfig{ID: "us-east", Capacity: 100}

	profile := rc.ToRegionProfile()
	assert.Equal(t, 1.0, profile.CostMultiplier)
}

func TestDatabaseConfigDSN(t *testing.T) {
	dc := DatabaseConfig{Host: "localhost", Port: 5432, Name: "autoscaler", User: "admin", Password: "secret"}

	dsn := dc.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "sslmode=disable")

	dc.SSLMode = "require"
	assert.Contains(t, dc.DSN(), "sslmode=require")
}
