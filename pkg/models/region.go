package models

import "time"

type ReplicationMode string

const (
	ReplicationSynchronous  ReplicationMode = "synchronous"
	ReplicationAsynchronous ReplicationMode = "asynchronous"
)

// RegionProfile is static, read-only configuration of one deployment region.
type RegionProfile struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Capacity       int                `json:"capacity"`
	UsedCapacity   int                `json:"used_capacity"`
	HealthScore    float64            `json:"health_score"`
	Tier           int                `json:"tier"`
	Certifications []string           `json:"certifications"`
	ResidencyZone  string             `json:"residency_zone"`
	CostMultiplier float64            `json:"cost_multiplier"`
	LatencyMs      map[string]float64 `json:"latency_ms"`
}

func (r *RegionProfile) SpareCapacity() int {
	return r.Capacity - r.UsedCapacity
}

func (r *RegionProfile) HasCertification(cert string) bool {
	for _, c := range r.Certifications {
		if c == cert {
			return true
		}
	}
	return false
}

// LatencyTo returns the measured latency to another region, or a
// conservative default when no measurement exists.
func (r *RegionProfile) LatencyTo(regionID string) float64 {
	if ms, ok := r.LatencyMs[regionID]; ok {
		return ms
	}
	return 250
}

// ComplianceImpact records a compliance consequence of a placement or
// failover choice, for the audit record.
type ComplianceImpact struct {
	Rule        string `json:"rule"`
	RegionID    string `json:"region_id"`
	Description string `json:"description"`
	Waived      bool   `json:"waived"`
}

// FailoverPlan describes how capacity moves when a region degrades.
type FailoverPlan struct {
	ID              string             `json:"id"`
	TriggerRegion   string             `json:"trigger_region"`
	TargetRegions   []string           `json:"target_regions"`
	Replication     ReplicationMode    `json:"replication"`
	EstimatedRTO    time.Duration      `json:"estimated_rto"`
	EstimatedRPO    time.Duration      `json:"estimated_rpo"`
	ComplianceImpacts []ComplianceImpact `json:"compliance_impacts,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}
