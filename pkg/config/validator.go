package config

import (
	"errors"
	"fmt"

	"github.com/medgrid/autoscaler/pkg/models"
)

// Validate fails fast on malformed configuration; the engine never starts
// with a threshold or budget it cannot honor.
func (c *Config) Validate() error {
	var errs []error

	// App validation
	if c.App.Name == "" {
		errs = append(errs, errors.New("app.name is required"))
	}

	validModes := map[string]bool{"development": true, "production": true, "test": true}
	if !validModes[c.App.Mode] {
		errs = append(errs, errors.New("app.mode must be one of: development, production, test"))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.App.LogLevel] {
		errs = append(errs, errors.New("app.log_level must be one of: debug, info, warn, error"))
	}

	// Database validation
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, errors.New("database.port must be between 1 and 65535"))
	}
	if c.Database.MaxConnections <= 0 {
		errs = append(errs, errors.New("database.max_connections must be positive"))
	}

	// Collector validation
	if c.Collector.Interval <= 0 {
		errs = append(errs, errors.New("collector.interval must be positive"))
	}
	if c.Collector.Timeout <= 0 {
		errs = append(errs, errors.New("collector.timeout must be positive"))
	}
	if c.Collector.Timeout >= c.Collector.Interval {
		errs = append(errs, errors.New("collector.timeout must be less than collector.interval"))
	}

	// Predictor validation
	if c.Predictor.ConfidenceFloor < 0 || c.Predictor.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("predictor.confidence_floor must be between 0 and 1"))
	}

	// Decision validation
	if c.Decision.MaxScaleStep <= 0 {
		errs = append(errs, errors.New("decision.max_scale_step must be positive"))
	}
	if c.Decision.CriticalFloorDelta <= 0 {
		errs = append(errs, errors.New("decision.critical_floor_delta must be positive"))
	}

	// Service and threshold validation
	ids := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.ID == "" {
			errs = append(errs, errors.New("service id is required"))
			continue
		}
		if ids[svc.ID] {
			errs = append(errs, fmt.Errorf("duplicate service id %q", svc.ID))
		}
		ids[svc.ID] = true

		if svc.MinReplicas <= 0 {
			errs = append(errs, fmt.Errorf("service %s: min_replicas must be positive", svc.ID))
		}
		if svc.MaxReplicas < svc.MinReplicas {
			errs = append(errs, fmt.Errorf("service %s: max_replicas must be >= min_replicas", svc.ID))
		}
		if svc.InitialReplicas < svc.MinReplicas || svc.InitialReplicas > svc.MaxReplicas {
			errs = append(errs, fmt.Errorf("service %s: initial_replicas must be within [min, max]", svc.ID))
		}
		if svc.UnitCostHourly < 0 {
			errs = append(errs, fmt.Errorf("service %s: unit_cost_hourly must not be negative", svc.ID))
		}

		for _, t := range svc.Thresholds {
			if err := validateThreshold(svc.ID, t); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Budget validation
	for _, b := range c.Budgets {
		if b.ID == "" {
			errs = append(errs, errors.New("budget id is required"))
			continue
		}
		if b.Limit <= 0 {
			errs = append(errs, fmt.Errorf("budget %s: limit must be positive", b.ID))
		}
		if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
			errs = append(errs, fmt.Errorf("budget %s: alert_threshold must be between 0 and 1", b.ID))
		}
		for _, sid := range b.ServiceIDs {
			if !ids[sid] {
				errs = append(errs, fmt.Errorf("budget %s: unknown service %q", b.ID, sid))
			}
		}
	}

	// Region validation
	regionIDs := make(map[string]bool)
	for _, r := range c.Regions {
		if r.ID == "" {
			errs = append(errs, errors.New("region id is required"))
			continue
		}
		if regionIDs[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate region id %q", r.ID))
		}
		regionIDs[r.ID] = true
		if r.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("region %s: capacity must be positive", r.ID))
		}
		if r.HealthScore < 0 || r.HealthScore > 1 {
			errs = append(errs, fmt.Errorf("region %s: health_score must be between 0 and 1", r.ID))
		}
	}

	// Services must sit in a declared region when regions are configured.
	if len(c.Regions) > 0 {
		for _, svc := range c.Services {
			if svc.Region != "" && !regionIDs[svc.Region] {
				errs = append(errs, fmt.Errorf("service %s: unknown region %q", svc.ID, svc.Region))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %v", errs)
	}
	return nil
}

func validateThreshold(serviceID string, t ThresholdConfig) error {
	if t.ID == "" {
		return fmt.Errorf("service %s: threshold id is required", serviceID)
	}
	if t.Metric == "" {
		return fmt.Errorf("service %s: threshold %s: metric is required", serviceID, t.ID)
	}

	switch models.ThresholdOperator(t.Operator) {
	case models.OperatorGreaterThan, models.OperatorGreaterOrEq,
		models.OperatorLessThan, models.OperatorLessOrEq:
	default:
		return fmt.Errorf("service %s: threshold %s: invalid operator %q", serviceID, t.ID, t.Operator)
	}

	if t.ConsecutiveBreaches < 0 {
		return fmt.Errorf("service %s: threshold %s: consecutive_breaches must not be negative", serviceID, t.ID)
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("service %s: threshold %s: cooldown must not be negative", serviceID, t.ID)
	}
	if t.StartHour < 0 || t.StartHour > 23 || t.EndHour < 0 || t.EndHour > 23 {
		return fmt.Errorf("service %s: threshold %s: time condition hours must be within [0, 23]", serviceID, t.ID)
	}
	return nil
}
