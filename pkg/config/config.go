package config

import (
	"fmt"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Evaluator  EvaluatorConfig  `mapstructure:"evaluator"`
	Predictor  PredictorConfig  `mapstructure:"predictor"`
	Decision   DecisionConfig   `mapstructure:"decision"`
	Placement  PlacementConfig  `mapstructure:"placement"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Events     EventsConfig     `mapstructure:"events"`

	Services []ServiceConfig `mapstructure:"services"`
	Budgets  []BudgetConfig  `mapstructure:"budgets"`
	Regions  []RegionConfig  `mapstructure:"regions"`
}

type AppConfig struct {
	Name            string        `mapstructure:"name"`
	Mode            string        `mapstructure:"mode"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslMode,
	)
}

type CollectorConfig struct {
	Type           string               `mapstructure:"type"`
	Endpoint       string               `mapstructure:"endpoint"`
	Interval       time.Duration        `mapstructure:"interval"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	RetryAttempts  int                  `mapstructure:"retry_attempts"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type EvaluatorConfig struct {
	DefaultConsecutive int           `mapstructure:"default_consecutive"`
	DefaultCooldown    time.Duration `mapstructure:"default_cooldown"`
	HistoryLength      int           `mapstructure:"history_length"`
	HistoryRetention   time.Duration `mapstructure:"history_retention"`
}

type PredictorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Horizon         time.Duration `mapstructure:"horizon"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TargetValue     float64       `mapstructure:"target_value"`
}

type DecisionConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxScaleStep       int           `mapstructure:"max_scale_step"`
	TargetValue        float64       `mapstructure:"target_value"`
	CriticalFloorDelta int           `mapstructure:"critical_floor_delta"`
	AutomaticRollback  bool          `mapstructure:"automatic_rollback"`
	ROIFloor           float64       `mapstructure:"roi_floor"`
	ChargeWindow       time.Duration `mapstructure:"charge_window"`
}

type PlacementConfig struct {
	FailureFloor float64 `mapstructure:"failure_floor"`
}

type AuditConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type OptimizerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	Window            time.Duration `mapstructure:"window"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"`
	MinSnapshots      int           `mapstructure:"min_snapshots"`
	TargetUtilization float64       `mapstructure:"target_utilization"`
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// ServiceConfig declares one scaling target with its thresholds and cost
// profile.
type ServiceConfig struct {
	ID                string            `mapstructure:"id"`
	Name              string            `mapstructure:"name"`
	Region            string            `mapstructure:"region"`
	InitialReplicas   int               `mapstructure:"initial_replicas"`
	MinReplicas       int               `mapstructure:"min_replicas"`
	MaxReplicas       int               `mapstructure:"max_replicas"`
	ScaleUpCooldown   time.Duration     `mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration     `mapstructure:"scale_down_cooldown"`
	ResidencyZones    []string          `mapstructure:"residency_zones"`
	RequiredCerts     []string          `mapstructure:"required_certs"`
	SLAWindow         time.Duration     `mapstructure:"sla_window"`
	UnitCostHourly    float64           `mapstructure:"unit_cost_hourly"`
	Commitment        string            `mapstructure:"commitment"`
	Thresholds        []ThresholdConfig `mapstructure:"thresholds"`
}

type ThresholdConfig struct {
	ID                  string        `mapstructure:"id"`
	Metric              string        `mapstructure:"metric"`
	ScaleUpValue        float64       `mapstructure:"scale_up_value"`
	ScaleDownValue      float64       `mapstructure:"scale_down_value"`
	Operator            string        `mapstructure:"operator"`
	ConsecutiveBreaches int           `mapstructure:"consecutive_breaches"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	StartHour           int           `mapstructure:"start_hour"`
	EndHour             int           `mapstructure:"end_hour"`
	Enabled             bool          `mapstructure:"enabled"`
}

type BudgetConfig struct {
	ID             string        `mapstructure:"id"`
	Name           string        `mapstructure:"name"`
	ServiceIDs     []string      `mapstructure:"service_ids"`
	Limit          float64       `mapstructure:"limit"`
	Timeframe      time.Duration `mapstructure:"timeframe"`
	AlertThreshold float64       `mapstructure:"alert_threshold"`
	Enforced       bool          `mapstructure:"enforced"`
}

type RegionConfig struct {
	ID             string             `mapstructure:"id"`
	Name           string             `mapstructure:"name"`
	Capacity       int                `mapstructure:"capacity"`
	UsedCapacity   int                `mapstructure:"used_capacity"`
	HealthScore    float64            `mapstructure:"health_score"`
	Tier           int                `mapstructure:"tier"`
	Certifications []string           `mapstructure:"certifications"`
	ResidencyZone  string             `mapstructure:"residency_zone"`
	CostMultiplier float64            `mapstructure:"cost_multiplier"`
	LatencyMs      map[string]float64 `mapstructure:"latency_ms"`
}

func (s ServiceConfig) ToService() *models.Service {
	return &models.Service{
		ID:                s.ID,
		Name:              s.Name,
		Region:            s.Region,
		CurrentReplicas:   s.InitialReplicas,
		MinReplicas:       s.MinReplicas,
		MaxReplicas:       s.MaxReplicas,
		ScaleUpCooldown:   s.ScaleUpCooldown,
		ScaleDownCooldown: s.ScaleDownCooldown,
		ResidencyZones:    s.ResidencyZones,
		RequiredCerts:     s.RequiredCerts,
		SLAWindow:         s.SLAWindow,
	}
}

func (s ServiceConfig) ToCostProfile() models.CostProfile {
	commitment := models.CommitmentType(s.Commitment)
	if commitment == "" {
		commitment = models.CommitmentOnDemand
	}
	return models.CostProfile{
		ServiceID:      s.ID,
		UnitCostHourly: s.UnitCostHourly,
		Commitment:     commitment,
		Currency:       "USD",
	}
}

func (s ServiceConfig) ToThresholds() []models.Threshold {
	out := make([]models.Threshold, 0, len(s.Thresholds))
	for _, t := range s.Thresholds {
		threshold := models.Threshold{
			ID:                  t.ID,
			Metric:              t.Metric,
			ScaleUpValue:        t.ScaleUpValue,
			ScaleDownValue:      t.ScaleDownValue,
			Operator:            models.ThresholdOperator(t.Operator),
			ConsecutiveBreaches: t.ConsecutiveBreaches,
			Cooldown:            t.Cooldown,
			Enabled:             t.Enabled,
		}
		if t.StartHour != 0 || t.EndHour != 0 {
			threshold.TimeCondition = &models.TimeCondition{
				StartHour: t.StartHour,
				EndHour:   t.EndHour,
			}
		}
		out = append(out, threshold)
	}
	return out
}

func (b BudgetConfig) ToBudget(now time.Time) models.Budget {
	return models.Budget{
		ID:             b.ID,
		Name:           b.Name,
		ServiceIDs:     b.ServiceIDs,
		Limit:          b.Limit,
		TimeframeStart: now,
		Timeframe:      b.Timeframe,
		AlertThreshold: b.AlertThreshold,
		Enforced:       b.Enforced,
	}
}

func (r RegionConfig) ToRegionProfile() models.RegionProfile {
	multiplier := r.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return models.RegionProfile{
		ID:             r.ID,
		Name:           r.Name,
		Capacity:       r.Capacity,
		UsedCapacity:   r.UsedCapacity,
		HealthScore:    r.HealthScore,
		Tier:           r.Tier,
		Certifications: r.Certifications,
		ResidencyZone:  r.ResidencyZone,
		CostMultiplier: multiplier,
		LatencyMs:      r.LatencyMs,
	}
}
