package models

import "time"

// Service is a scaling target managed by the decision engine.
type Service struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Region            string        `json:"region"`
	CurrentReplicas   int           `json:"current_replicas"`
	MinReplicas       int           `json:"min_replicas"`
	MaxReplicas       int           `json:"max_replicas"`
	ScaleUpCooldown   time.Duration `json:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `json:"scale_down_cooldown"`
	ResidencyZones    []string      `json:"residency_zones,omitempty"`
	RequiredCerts     []string      `json:"required_certs,omitempty"`
	SLAWindow         time.Duration `json:"sla_window,omitempty"`
}

func (s *Service) ClampReplicas(target int) int {
	if target < s.MinReplicas {
		return s.MinReplicas
	}
	if target > s.MaxReplicas {
		return s.MaxReplicas
	}
	return target
}

func (s *Service) CanScaleUp() bool {
	return s.CurrentReplicas < s.MaxReplicas
}

func (s *Service) CanScaleDown() bool {
	return s.CurrentReplicas > s.MinReplicas
}

// CooldownFor returns the configured cooldown window for an action type.
func (s *Service) CooldownFor(action ScalingAction) time.Duration {
	switch action {
	case ActionScaleDown:
		return s.ScaleDownCooldown
	default:
		return s.ScaleUpCooldown
	}
}
