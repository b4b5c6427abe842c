package health

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

var assessedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAssessWorstSeverityWins(t *testing.T) {
	obj := Assess(1, "m-1", []Issue{
		{Code: "hashrate_degradation", Severity: "P2"},
		{Code: "overheat_crit", Severity: "P0"},
		{Code: "fan_zero", Severity: "P1"},
	}, 0.1, assessedAt.Add(-time.Minute), assessedAt)

	if obj.HealthState != "P0" {
		t.Errorf("state = %q, want P0", obj.HealthState)
	}
	if obj.Issues[0].Code != "overheat_crit" || obj.Issues[2].Code != "hashrate_degradation" {
		t.Errorf("issues not ordered worst first: %+v", obj.Issues)
	}
}

func TestAssessHealthyIsOK(t *testing.T) {
	obj := Assess(1, "m-1", nil, 0.2, assessedAt, assessedAt)
	if obj.HealthState != StateOK {
		t.Errorf("state = %q, want %q", obj.HealthState, StateOK)
	}
	if len(obj.Issues) != 0 {
		t.Errorf("issues = %+v, want none", obj.Issues)
	}
}

// High failure risk raises the state even without issues, but never lowers
// a worse one.
func TestAssessFailureRiskOverrides(t *testing.T) {
	cases := []struct {
		name   string
		issues []Issue
		pfail  float64
		want   string
	}{
		{"risk above 0.8 forces P1", nil, 0.85, "P1"},
		{"risk above 0.5 forces P2", nil, 0.60, "P2"},
		{"risk at 0.5 exactly does nothing", nil, 0.50, StateOK},
		{"P0 outranks the risk override", []Issue{{Code: "offline", Severity: "P0"}}, 0.95, "P0"},
		{"P1 issue not lowered by moderate risk", []Issue{{Code: "fan_zero", Severity: "P1"}}, 0.60, "P1"},
		{"P3 raised to P2 by moderate risk", []Issue{{Code: "fleet_outlier", Severity: "P3"}}, 0.60, "P2"},
		{"P2 raised to P1 by high risk", []Issue{{Code: "temp_anomaly", Severity: "P2"}}, 0.81, "P1"},
	}
	for _, tc := range cases {
		obj := Assess(1, "m-1", tc.issues, tc.pfail, assessedAt, assessedAt)
		if obj.HealthState != tc.want {
			t.Errorf("%s: state = %q, want %q", tc.name, obj.HealthState, tc.want)
		}
	}
}

func TestCacheServesLatestBatch(t *testing.T) {
	c := NewCache(100, time.Minute)
	c.Put([]Object{
		{SiteID: 2, MinerID: "m-2", HealthState: "P1"},
		{SiteID: 1, MinerID: "m-1", HealthState: StateOK},
	})

	got, ok := c.Get("m-1")
	if !ok || got.HealthState != StateOK {
		t.Fatalf("Get(m-1) = %+v, %v", got, ok)
	}

	c.Put([]Object{{SiteID: 1, MinerID: "m-1", HealthState: "P0"}})
	if got, _ := c.Get("m-1"); got.HealthState != "P0" {
		t.Errorf("stale state %q after overwrite", got.HealthState)
	}

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d entries, want 2", len(snap))
	}
	if snap[0].MinerID != "m-1" || snap[1].MinerID != "m-2" {
		t.Errorf("snapshot order = %s, %s", snap[0].MinerID, snap[1].MinerID)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	c := NewCache(100, 20*time.Millisecond)
	c.Put([]Object{{SiteID: 1, MinerID: "m-1", HealthState: StateOK}})

	if _, ok := c.Get("m-1"); !ok {
		t.Fatal("entry missing immediately after Put")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("m-1"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestHubFanout(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelA()
	defer cancelB()

	batch := []Object{{SiteID: 1, MinerID: "m-1", HealthState: "P2"}}
	hub.Publish(batch)

	for name, ch := range map[string]<-chan []Object{"a": a, "b": b} {
		select {
		case got := <-ch:
			if len(got) != 1 || got[0].MinerID != "m-1" {
				t.Errorf("subscriber %s received %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow, _ := hub.Subscribe(1)
	live, cancel := hub.Subscribe(4)
	defer cancel()

	batch := []Object{{MinerID: "m-1"}}
	hub.Publish(batch) // fills the slow buffer
	hub.Publish(batch) // overflows it; slow is dropped

	if n := hub.Subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1 after drop", n)
	}

	// The dropped channel drains its buffered batch and then closes.
	<-slow
	if _, open := <-slow; open {
		t.Error("dropped subscriber channel left open")
	}

	hub.Publish(batch)
	select {
	case <-live:
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber stopped receiving")
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()

	if _, open := <-ch; open {
		t.Error("cancelled channel left open")
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	hub.Publish([]Object{{MinerID: "m-1"}})
}
