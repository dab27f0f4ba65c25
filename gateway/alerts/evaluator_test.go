package alerts

import (
	"strings"
	"testing"
	"time"

	"github.com/Wuni1/InferOps/gateway/registry"
)

func onlineSnap(id int, name string, m registry.Metrics) registry.NodeSnapshot {
	metrics := m
	return registry.NodeSnapshot{
		Node: registry.Node{ID: id, Name: name},
		State: registry.NodeState{
			Online:        true,
			LastSuccessAt: time.Now(),
			Metrics:       &metrics,
		},
	}
}

func healthyMetrics() registry.Metrics {
	return registry.Metrics{
		CPUUsagePercent: 20,
		Memory:          registry.MemoryMetrics{Percent: 40},
		GPU:             registry.GPUMetrics{UtilizationPercent: 30, MemoryUsagePercent: 50, TemperatureCelsius: 60},
	}
}

func findAlert(alerts []Alert, id string) *Alert {
	for i := range alerts {
		if alerts[i].ID == id {
			return &alerts[i]
		}
	}
	return nil
}

func TestHealthyFleetNoAlerts(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	snap := []registry.NodeSnapshot{onlineSnap(1, "节点 1 (RTX 4090)", healthyMetrics())}

	alerts := e.Evaluate(snap, time.Now())
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %v", alerts)
	}
	if alerts == nil {
		t.Error("Evaluate must return an empty slice, not nil, for JSON encoding")
	}
}

func TestGPUTemperatureCritical(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	m := healthyMetrics()
	m.GPU.TemperatureCelsius = 87
	snap := []registry.NodeSnapshot{onlineSnap(1, "节点 1 (RTX 4090)", m)}

	alerts := e.Evaluate(snap, time.Now())
	a := findAlert(alerts, "gpu_temp_1")
	if a == nil {
		t.Fatalf("no gpu_temp alert in %v", alerts)
	}
	if a.Level != LevelCritical {
		t.Errorf("level = %q, want critical", a.Level)
	}
	if !strings.Contains(a.Message, "87°C") || !strings.Contains(a.Message, "节点 1") {
		t.Errorf("message missing node name or value: %q", a.Message)
	}
}

func TestMemoryWarnings(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	m := healthyMetrics()
	m.GPU.MemoryUsagePercent = 92
	m.Memory.Percent = 95
	snap := []registry.NodeSnapshot{onlineSnap(2, "节点 2 (RTX 3080)", m)}

	alerts := e.Evaluate(snap, time.Now())
	if a := findAlert(alerts, "gpu_mem_2"); a == nil || a.Level != LevelWarning {
		t.Errorf("gpu memory warning missing or wrong level: %v", alerts)
	}
	if a := findAlert(alerts, "mem_2"); a == nil || a.Level != LevelWarning {
		t.Errorf("system memory warning missing or wrong level: %v", alerts)
	}
}

func TestOfflineAlertRespectsDelay(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	now := time.Now()
	snap := []registry.NodeSnapshot{{
		Node: registry.Node{ID: 3, Name: "节点 3 (RTX 3060)"},
		State: registry.NodeState{
			Online:       false,
			OfflineSince: now.Add(-10 * time.Second),
		},
	}}

	// Down for 10s: under the 30s delay, no alert yet.
	if alerts := e.Evaluate(snap, now); len(alerts) != 0 {
		t.Errorf("alert fired before the offline delay: %v", alerts)
	}

	snap[0].State.OfflineSince = now.Add(-45 * time.Second)
	alerts := e.Evaluate(snap, now)
	a := findAlert(alerts, "offline_3")
	if a == nil {
		t.Fatalf("no offline alert after delay: %v", alerts)
	}
	if a.Level != LevelCritical {
		t.Errorf("level = %q, want critical", a.Level)
	}
	if !strings.Contains(a.Message, "45") {
		t.Errorf("message should carry the offline duration: %q", a.Message)
	}
}

func TestOfflineNodeNeverFiresMetricAlerts(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	hot := healthyMetrics()
	hot.GPU.TemperatureCelsius = 99
	now := time.Now()
	snap := []registry.NodeSnapshot{{
		Node: registry.Node{ID: 1, Name: "节点 1"},
		State: registry.NodeState{
			Online:       false,
			OfflineSince: now.Add(-60 * time.Second),
			Metrics:      &hot, // stale reading from before it died
		},
	}}

	alerts := e.Evaluate(snap, now)
	if findAlert(alerts, "gpu_temp_1") != nil {
		t.Error("stale metrics produced a temperature alert on an offline node")
	}
	if findAlert(alerts, "offline_1") == nil {
		t.Error("offline alert missing")
	}
}

func TestGPUUtilizationNeedsTwoConsecutivePolls(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	saturated := healthyMetrics()
	saturated.GPU.UtilizationPercent = 98
	snap := []registry.NodeSnapshot{onlineSnap(1, "节点 1", saturated)}
	now := time.Now()

	// First saturated poll: no alert.
	e.ObserveMetrics(1, saturated, now)
	if alerts := e.Evaluate(snap, now); findAlert(alerts, "gpu_util_1") != nil {
		t.Error("utilization alert after a single poll")
	}

	// Second consecutive: alert.
	e.ObserveMetrics(1, saturated, now)
	alerts := e.Evaluate(snap, now)
	if a := findAlert(alerts, "gpu_util_1"); a == nil || a.Level != LevelWarning {
		t.Fatalf("utilization warning missing after sustained load: %v", alerts)
	}

	// A calm poll resets the streak.
	e.ObserveMetrics(1, healthyMetrics(), now)
	e.ObserveMetrics(1, saturated, now)
	if alerts := e.Evaluate(snap, now); findAlert(alerts, "gpu_util_1") != nil {
		t.Error("streak not reset by a below-threshold poll")
	}
}

func TestAlertsFollowSnapshotOrder(t *testing.T) {
	e := NewEvaluator(30 * time.Second)
	hot := healthyMetrics()
	hot.GPU.TemperatureCelsius = 90
	snap := []registry.NodeSnapshot{
		onlineSnap(1, "节点 1", hot),
		onlineSnap(2, "节点 2", hot),
	}

	alerts := e.Evaluate(snap, time.Now())
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].NodeID != 1 || alerts[1].NodeID != 2 {
		t.Errorf("alerts out of snapshot order: %v", alerts)
	}
}
