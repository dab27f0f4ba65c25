// Package alerts derives the current alert set from registry snapshots.
// Evaluation is pull-based: every call recomputes the active alerts, so
// an alert clears as soon as its condition does.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/Wuni1/InferOps/gateway/registry"
)

// Alert levels.
const (
	LevelCritical = "critical"
	LevelWarning  = "warning"
)

// Alert is one active condition on one node.
type Alert struct {
	ID        string  `json:"id"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	NodeID    int     `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
}

// Thresholds for the built-in rules.
const (
	gpuTempCritical   = 85.0
	gpuMemoryWarning  = 90.0
	memoryWarning     = 90.0
	gpuUtilWarning    = 95.0
	utilStreakMinimum = 2
)

// Evaluator applies the alert rules. The only state it keeps is the
// per-node count of consecutive polls with saturated GPU utilization,
// fed by the telemetry poller.
type Evaluator struct {
	offlineDelay time.Duration

	mu          sync.Mutex
	utilStreaks map[int]int
}

// NewEvaluator builds an Evaluator. offlineDelay is how long a node
// must stay offline before the critical alert fires.
func NewEvaluator(offlineDelay time.Duration) *Evaluator {
	if offlineDelay <= 0 {
		offlineDelay = 30 * time.Second
	}
	return &Evaluator{
		offlineDelay: offlineDelay,
		utilStreaks:  make(map[int]int),
	}
}

// ObserveMetrics records one successful poll for streak tracking. It
// implements the poller's Sink interface.
func (e *Evaluator) ObserveMetrics(nodeID int, m registry.Metrics, _ time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.GPU.UtilizationPercent >= gpuUtilWarning {
		e.utilStreaks[nodeID]++
	} else {
		e.utilStreaks[nodeID] = 0
	}
}

// Evaluate returns the alerts active right now, in snapshot order.
func (e *Evaluator) Evaluate(snap []registry.NodeSnapshot, now time.Time) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := float64(now.UnixNano()) / 1e9
	alerts := []Alert{}

	for _, s := range snap {
		if !s.State.Online {
			if !s.State.OfflineSince.IsZero() && now.Sub(s.State.OfflineSince) >= e.offlineDelay {
				alerts = append(alerts, Alert{
					ID:        fmt.Sprintf("offline_%d", s.ID),
					Level:     LevelCritical,
					Message:   fmt.Sprintf("%s 已离线 %d 秒", s.Name, int(now.Sub(s.State.OfflineSince).Seconds())),
					NodeID:    s.ID,
					Timestamp: ts,
				})
			}
			continue
		}

		m := s.State.Metrics
		if m == nil {
			continue
		}

		if m.GPU.TemperatureCelsius >= gpuTempCritical {
			alerts = append(alerts, Alert{
				ID:        fmt.Sprintf("gpu_temp_%d", s.ID),
				Level:     LevelCritical,
				Message:   fmt.Sprintf("%s GPU温度达到 %.0f°C", s.Name, m.GPU.TemperatureCelsius),
				NodeID:    s.ID,
				Timestamp: ts,
			})
		}
		if m.GPU.MemoryUsagePercent >= gpuMemoryWarning {
			alerts = append(alerts, Alert{
				ID:        fmt.Sprintf("gpu_mem_%d", s.ID),
				Level:     LevelWarning,
				Message:   fmt.Sprintf("%s 显存使用率达到 %.0f%%", s.Name, m.GPU.MemoryUsagePercent),
				NodeID:    s.ID,
				Timestamp: ts,
			})
		}
		if m.Memory.Percent >= memoryWarning {
			alerts = append(alerts, Alert{
				ID:        fmt.Sprintf("mem_%d", s.ID),
				Level:     LevelWarning,
				Message:   fmt.Sprintf("%s 内存使用率达到 %.0f%%", s.Name, m.Memory.Percent),
				NodeID:    s.ID,
				Timestamp: ts,
			})
		}
		if e.utilStreaks[s.ID] >= utilStreakMinimum {
			alerts = append(alerts, Alert{
				ID:        fmt.Sprintf("gpu_util_%d", s.ID),
				Level:     LevelWarning,
				Message:   fmt.Sprintf("%s GPU利用率持续高于 %.0f%% (当前 %.0f%%)", s.Name, gpuUtilWarning, m.GPU.UtilizationPercent),
				NodeID:    s.ID,
				Timestamp: ts,
			})
		}
	}
	return alerts
}
