// Package placement chooses compliant regions for added capacity and
// builds failover plans when a region degrades.
package placement

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medgrid/autoscaler/internal/logger"
	"github.com/medgrid/autoscaler/internal/metrics"
	"github.com/medgrid/autoscaler/pkg/models"
)

var (
	ErrRegionUnknown  = errors.New("region not registered")
	ErrNoCompliant    = errors.New("no compliant region with capacity")
	ErrNoFailoverPath = errors.New("no failover target available")
)

// Registry is the static, read-only view of configured regions.
type Registry struct {
	mu      sync.RWMutex
	regions map[string]*models.RegionProfile
}

func NewRegistry(profiles []models.RegionProfile) *Registry {
	r := &Registry{regions: make(map[string]*models.RegionProfile)}
	for _, p := range profiles {
		copied := p
		if copied.CostMultiplier <= 0 {
			copied.CostMultiplier = 1
		}
		r.regions[p.ID] = &copied
	}
	return r
}

func (r *Registry) Region(id string) (models.RegionProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.regions[id]
	if !ok {
		return models.RegionProfile{}, false
	}
	return *p, true
}

func (r *Registry) All() []models.RegionProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.RegionProfile, 0, len(r.regions))
	for _, p := range r.regions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetHealth refreshes one region's health score from monitoring. Everything
// else about a region stays static configuration.
func (r *Registry) SetHealth(id string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.regions[id]; ok {
		p.HealthScore = score
	}
}

func (r *Registry) HealthSnapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.regions))
	for id, p := range r.regions {
		out[id] = p.HealthScore
	}
	return out
}

type Config struct {
	HealthWeight     float64
	LatencyWeight    float64
	CostWeight       float64
	ComplianceWeight float64
	FailureFloor     float64
}

// Selector ranks candidate regions and builds failover plans.
type Selector struct {
	registry *Registry
	config   Config
	now      func() time.Time
}

func NewSelector(registry *Registry, cfg Config) *Selector {
	if cfg.HealthWeight <= 0 {
		cfg.HealthWeight = 0.4
	}
	if cfg.LatencyWeight <= 0 {
		cfg.LatencyWeight = 0.3
	}
	if cfg.CostWeight <= 0 {
		cfg.CostWeight = 0.2
	}
	if cfg.ComplianceWeight <= 0 {
		cfg.ComplianceWeight = 0.1
	}
	if cfg.FailureFloor <= 0 {
		cfg.FailureFloor = 0.3
	}
	return &Selector{registry: registry, config: cfg, now: time.Now}
}

func NewSelectorWithClock(registry *Registry, cfg Config, now func() time.Time) *Selector {
	s := NewSelector(registry, cfg)
	s.now = now
	return s
}

// Region exposes the registry view the composer consults for spare
// capacity checks.
func (s *Selector) Region(id string) (models.RegionProfile, bool) {
	return s.registry.Region(id)
}

func (s *Selector) HealthSnapshot() map[string]float64 {
	return s.registry.HealthSnapshot()
}

// Candidate is one ranked placement option.
type Candidate struct {
	Region     models.RegionProfile
	Score      float64
	Compliance []models.ComplianceImpact
}

// Selection is the outcome of a placement request.
type Selection struct {
	SourceRegion string
	Candidates   []Candidate
	Failover     *models.FailoverPlan
}

// Select filters and ranks regions able to host additional capacity for a
// service. Hard compliance constraints exclude a region outright unless
// urgency is critical, in which case the violation is allowed but recorded.
func (s *Selector) Select(service *models.Service, capacity int, urgency models.Urgency) (Selection, error) {
	source, ok := s.registry.Region(service.Region)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrRegionUnknown, service.Region)
	}

	sel := Selection{SourceRegion: source.ID}

	for _, region := range s.registry.All() {
		if region.SpareCapacity() < capacity {
			continue
		}

		violations := s.complianceViolations(service, region)
		if len(violations) > 0 && urgency != models.UrgencyCritical {
			continue
		}
		if len(violations) > 0 {
			for i := range violations {
				violations[i].Waived = true
			}
			logger.WithService(service.ID).Warnf(
				"Region %s admitted under emergency with %d compliance violation(s)",
				region.ID, len(violations),
			)
		}

		sel.Candidates = append(sel.Candidates, Candidate{
			Region:     region,
			Score:      s.score(source, region, service),
			Compliance: violations,
		})
	}

	if len(sel.Candidates) == 0 {
		return sel, ErrNoCompliant
	}

	sort.Slice(sel.Candidates, func(i, j int) bool {
		return sel.Candidates[i].Score > sel.Candidates[j].Score
	})

	if source.HealthScore < s.config.FailureFloor {
		plan := s.buildFailoverPlan(source, sel.Candidates)
		sel.Failover = &plan
	}

	return sel, nil
}

// score ranks a surviving candidate: health 40%, inverse cross-region
// latency 30%, inverse relative cost 20%, compliance match 10%.
func (s *Selector) score(source, region models.RegionProfile, service *models.Service) float64 {
	health := region.HealthScore

	latency := source.LatencyTo(region.ID)
	latencyScore := 1.0 / (1.0 + latency/100.0)
	if region.ID == source.ID {
		latencyScore = 1.0
	}

	costScore := 1.0 / region.CostMultiplier
	if costScore > 1 {
		costScore = 1
	}

	matched, required := 0, len(service.RequiredCerts)
	for _, cert := range service.RequiredCerts {
		if region.HasCertification(cert) {
			matched++
		}
	}
	complianceScore := 1.0
	if required > 0 {
		complianceScore = float64(matched) / float64(required)
	}

	return s.config.HealthWeight*health +
		s.config.LatencyWeight*latencyScore +
		s.config.CostWeight*costScore +
		s.config.ComplianceWeight*complianceScore
}

func (s *Selector) complianceViolations(service *models.Service, region models.RegionProfile) []models.ComplianceImpact {
	var out []models.ComplianceImpact

	if len(service.ResidencyZones) > 0 {
		allowed := false
		for _, zone := range service.ResidencyZones {
			if region.ResidencyZone == zone {
				allowed = true
				break
			}
		}
		if !allowed {
			out = append(out, models.ComplianceImpact{
				Rule:        "residency",
				RegionID:    region.ID,
				Description: fmt.Sprintf("region %s zone %q outside permitted zones %v", region.ID, region.ResidencyZone, service.ResidencyZones),
			})
		}
	}

	for _, cert := range service.RequiredCerts {
		if !region.HasCertification(cert) {
			out = append(out, models.ComplianceImpact{
				Rule:        "certification",
				RegionID:    region.ID,
				Description: fmt.Sprintf("region %s lacks required certification %s", region.ID, cert),
			})
		}
	}

	return out
}

// buildFailoverPlan orders targets by score and picks the replication mode:
// synchronous only between mutually compliant, same-tier regions.
func (s *Selector) buildFailoverPlan(source models.RegionProfile, candidates []Candidate) models.FailoverPlan {
	plan := models.FailoverPlan{
		ID:            uuid.NewString(),
		TriggerRegion: source.ID,
		Replication:   models.ReplicationAsynchronous,
		CreatedAt:     s.now(),
	}

	for _, c := range candidates {
		if c.Region.ID == source.ID {
			continue
		}
		plan.TargetRegions = append(plan.TargetRegions, c.Region.ID)
		plan.ComplianceImpacts = append(plan.ComplianceImpacts, c.Compliance...)
	}

	if len(plan.TargetRegions) > 0 {
		primary, _ := s.registry.Region(plan.TargetRegions[0])
		if primary.Tier == source.Tier && mutuallyCompliant(source, primary) {
			plan.Replication = models.ReplicationSynchronous
		}
	}

	// RTO grows with latency to the primary target; RPO is zero for
	// synchronous replication.
	plan.EstimatedRTO = 60 * time.Second
	if len(plan.TargetRegions) > 0 {
		latency := source.LatencyTo(plan.TargetRegions[0])
		plan.EstimatedRTO = time.Duration(60+latency) * time.Second
		if plan.EstimatedRTO > 300*time.Second {
			plan.EstimatedRTO = 300 * time.Second
		}
	}
	if plan.Replication == models.ReplicationSynchronous {
		plan.EstimatedRPO = 0
	} else {
		plan.EstimatedRPO = 5 * time.Minute
	}

	metrics.FailoversPlanned.WithLabelValues(source.ID).Inc()
	logger.WithField("region", source.ID).Warnf(
		"Failover plan built: %d target(s), %s replication, RTO %s",
		len(plan.TargetRegions), plan.Replication, plan.EstimatedRTO,
	)
	return plan
}

// mutuallyCompliant requires each region to hold every certification the
// other holds, so synchronous replication cannot leak data into a weaker
// compliance domain.
func mutuallyCompliant(a, b models.RegionProfile) bool {
	covers := func(x, y models.RegionProfile) bool {
		for _, cert := range x.Certifications {
			if !y.HasCertification(cert) {
				return false
			}
		}
		return true
	}
	return covers(a, b) && covers(b, a)
}
