// Package scheduler ranks online GPU nodes and picks the best one for a
// request. Scoring is a weighted sum of normalized resource signals; the
// caller supplies a registry snapshot so scoring never blocks pollers.
package scheduler

import (
	"errors"
	"sort"
	"time"

	"github.com/Wuni1/InferOps/gateway/registry"
)

// ErrNoNodeAvailable is returned when no node passes the eligibility
// filter for a request.
var ErrNoNodeAvailable = errors.New("no eligible node available")

// Weights control the relative importance of each scoring signal.
// They are expected to sum to 1.0 but the scheduler does not enforce it.
type Weights struct {
	GPUUtil   float64
	Capacity  float64
	Memory    float64
	CPU       float64
	Temp      float64
	GPUMemory float64
}

// DefaultWeights returns the production scoring weights. Static
// capability carries the most weight so a big idle card beats a small
// idle card; GPU utilization dominates the dynamic half.
func DefaultWeights() Weights {
	return Weights{
		Capacity:  0.30,
		GPUUtil:   0.25,
		GPUMemory: 0.15,
		CPU:       0.10,
		Memory:    0.10,
		Temp:      0.10,
	}
}

// Config holds scheduler tunables.
type Config struct {
	Weights Weights
	// MetricsMaxAge is the freshness window for node telemetry.
	// Nodes whose last successful poll is older are not scheduled.
	MetricsMaxAge time.Duration
}

// DefaultConfig returns a Config with production defaults. The freshness
// window is twice the poll interval so one dropped poll does not
// disqualify a node.
func DefaultConfig(pollInterval time.Duration) Config {
	return Config{
		Weights:       DefaultWeights(),
		MetricsMaxAge: 2 * pollInterval,
	}
}

// Requirements narrow the candidate set for a single request.
type Requirements struct {
	// Model, when non-empty, restricts candidates to nodes advertising
	// that model name.
	Model string
	// Exclude lists node IDs to skip, e.g. nodes that already failed
	// this request during failover.
	Exclude map[int]bool
}

// Candidate is one scored node, exported for decision logging.
type Candidate struct {
	NodeID  int
	Score   float64
	GPUUtil float64
}

// Pick returns the ID of the best eligible node in snap, or
// ErrNoNodeAvailable. Ties on score fall to the lower GPU utilization,
// then the lower node ID, so repeated calls over identical snapshots
// are deterministic.
func Pick(snap []registry.NodeSnapshot, req Requirements, cfg Config, now time.Time) (int, error) {
	ranked := Rank(snap, req, cfg, now)
	if len(ranked) == 0 {
		return 0, ErrNoNodeAvailable
	}
	return ranked[0].NodeID, nil
}

// Rank scores every eligible node and returns them best-first.
func Rank(snap []registry.NodeSnapshot, req Requirements, cfg Config, now time.Time) []Candidate {
	caps := capacityScores(snap)

	var ranked []Candidate
	for _, s := range snap {
		if !eligible(s, req, cfg, now) {
			continue
		}
		m := s.State.Metrics
		ranked = append(ranked, Candidate{
			NodeID:  s.ID,
			Score:   score(m, caps[s.ID], cfg.Weights),
			GPUUtil: m.GPU.UtilizationPercent,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.GPUUtil != b.GPUUtil {
			return a.GPUUtil < b.GPUUtil
		}
		return a.NodeID < b.NodeID
	})
	return ranked
}

// LockedOut reports whether at least one node would be eligible were it
// not holding its exclusivity lock. The dispatcher uses it to tell
// "wait for a lock to free up" apart from "no capacity at all".
func LockedOut(snap []registry.NodeSnapshot, req Requirements, cfg Config, now time.Time) bool {
	for _, s := range snap {
		if req.Exclude[s.ID] || !s.State.Online || !s.State.Busy {
			continue
		}
		if !s.HasFreshMetrics(now, cfg.MetricsMaxAge) {
			continue
		}
		if req.Model != "" && !s.AdvertisesModel(req.Model) {
			continue
		}
		return true
	}
	return false
}

func eligible(s registry.NodeSnapshot, req Requirements, cfg Config, now time.Time) bool {
	if req.Exclude[s.ID] {
		return false
	}
	if !s.State.Online || s.State.Busy {
		return false
	}
	if !s.HasFreshMetrics(now, cfg.MetricsMaxAge) {
		return false
	}
	if req.Model != "" && !s.AdvertisesModel(req.Model) {
		return false
	}
	return true
}

func score(m *registry.Metrics, capScore float64, w Weights) float64 {
	return w.GPUUtil*(1-clampPercent(m.GPU.UtilizationPercent)/100) +
		w.Capacity*capScore +
		w.Memory*(1-clampPercent(m.Memory.Percent)/100) +
		w.CPU*(1-clampPercent(m.CPUUsagePercent)/100) +
		w.Temp*tempScore(m.GPU.TemperatureCelsius) +
		w.GPUMemory*(1-clampPercent(m.GPU.MemoryUsagePercent)/100)
}

// capacityScores normalizes raw hardware capability (VRAM and TFLOPS,
// equal weight) across the whole configured fleet, not just eligible
// nodes, so a node's capacity score is stable as peers come and go.
// When all nodes have identical capability every node scores 1.0.
func capacityScores(snap []registry.NodeSnapshot) map[int]float64 {
	raw := make(map[int]float64, len(snap))
	min, max := 0.0, 0.0
	for i, s := range snap {
		v := s.VRAMGB*0.5 + s.TFLOPS*0.5
		raw[s.ID] = v
		if i == 0 {
			min, max = v, v
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	scores := make(map[int]float64, len(raw))
	spread := max - min
	for id, v := range raw {
		if spread == 0 {
			scores[id] = 1.0
			continue
		}
		scores[id] = (v - min) / spread
	}
	return scores
}

// tempScore maps GPU temperature to [0,1]: full marks at or below 60°C,
// zero at or above 90°C, linear in between.
func tempScore(celsius float64) float64 {
	switch {
	case celsius <= 60:
		return 1.0
	case celsius >= 90:
		return 0.0
	default:
		return (90 - celsius) / 30
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
