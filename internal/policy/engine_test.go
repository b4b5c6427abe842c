package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/events"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := NewEngine(st, DefaultSettings(), zap.NewNop())
	eng.now = func() time.Time { return testNow }
	return eng, st
}

func result(action, id string, site int64, miner, code, severity string, openFor time.Duration) events.Result {
	return events.Result{
		Action: action,
		Event: &store.EventRecord{
			ID:         id,
			DedupKey:   events.DedupKey(site, miner, code),
			SiteID:     site,
			MinerID:    miner,
			RuleCode:   code,
			Severity:   severity,
			Status:     store.StatusOpen,
			StartTS:    testNow.Add(-openFor),
			LastSeenTS: testNow,
			CreatedAt:  testNow.Add(-openFor),
			UpdatedAt:  testNow,
		},
	}
}

func TestCriticalSeveritiesAlwaysDispatch(t *testing.T) {
	eng, _ := newTestEngine(t)

	results := []events.Result{
		result(events.ActionCreated, "ev-p0", 1, "m-1", "overheat_crit", "P0", 0),
		result(events.ActionUpdated, "ev-p1", 1, "m-2", "hashrate_zero", "P1", 0),
		result(events.ActionReopened, "ev-p1b", 1, "m-3", "fan_zero", "P1", 0),
	}
	d := eng.EvaluateBatch(results, nil, map[int64]int{1: 100})

	assert.Len(t, d.Notifications, 3)
	assert.Len(t, d.Tickets, 3)
	assert.Zero(t, d.SuppressedNotifications)
	assert.Zero(t, d.SuppressedTickets)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Notifications[0].Payload), &payload))
	assert.Equal(t, "ev-p0", payload["event_id"])
	assert.Equal(t, "overheat_crit", payload["issue_code"])
	assert.Equal(t, ReasonSeverity, payload["reason"])
	assert.Equal(t, "critical", payload["priority"])

	require.NoError(t, json.Unmarshal([]byte(d.Tickets[0].Payload), &payload))
	assert.Contains(t, payload["subject"], "[P0] overheat_crit")
	assert.Contains(t, payload["description"], "m-1")
}

func TestP3NeverDispatches(t *testing.T) {
	eng, _ := newTestEngine(t)

	d := eng.EvaluateBatch([]events.Result{
		result(events.ActionCreated, "ev-1", 1, "m-1", "fleet_outlier", "P3", 2*time.Hour),
	}, map[string]float64{"m-1": 0.99}, map[int64]int{1: 100})

	assert.Empty(t, d.Notifications)
	assert.Empty(t, d.Tickets)
}

func TestOnlyLifecycleActionsEvaluated(t *testing.T) {
	eng, _ := newTestEngine(t)

	d := eng.EvaluateBatch([]events.Result{
		{Action: events.ActionDebouncing, Event: result(events.ActionCreated, "ev-1", 1, "m-1", "offline", "P0", 0).Event},
		{Action: events.ActionResolving, Event: result(events.ActionCreated, "ev-2", 1, "m-2", "offline", "P0", 0).Event},
		{Action: events.ActionResolved, Event: result(events.ActionCreated, "ev-3", 1, "m-3", "offline", "P0", 0).Event},
		{Action: events.ActionSuppressed},
		{Action: events.ActionNoActiveEvent},
	}, nil, map[int64]int{1: 100})

	assert.Empty(t, d.Notifications, "non-lifecycle actions must not notify")
	assert.Empty(t, d.Tickets)
}

// A P2 notifies when it is among the site's worst by failure risk, or when
// it has been open past the duration gate; otherwise it stays quiet.
func TestP2NotificationGates(t *testing.T) {
	eng, _ := newTestEngine(t)

	pfail := map[string]float64{}
	var results []events.Result
	// Ten fresh P2s with rising risk; site of 100 gives K = max(3, 5) = 5.
	for i := 0; i < 10; i++ {
		miner := fmt.Sprintf("m-%02d", i)
		results = append(results,
			result(events.ActionUpdated, fmt.Sprintf("ev-%02d", i), 1, miner, "hashrate_degradation", "P2", 0))
		pfail[miner] = 0.30 + float64(i)*0.01
	}
	// One old low-risk P2 that passes the duration gate.
	results = append(results,
		result(events.ActionUpdated, "ev-old", 1, "m-old", "efficiency_degradation", "P2", time.Hour))
	pfail["m-old"] = 0.05

	d := eng.EvaluateBatch(results, pfail, map[int64]int{1: 100})

	require.Len(t, d.Notifications, 6, "top 5 by risk plus the long-open one")
	got := map[string]string{}
	for _, rec := range d.Notifications {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(rec.Payload), &payload))
		got[payload["miner_id"].(string)] = payload["reason"].(string)
	}
	for i := 5; i < 10; i++ {
		assert.Equal(t, ReasonTopRisk, got[fmt.Sprintf("m-%02d", i)])
	}
	assert.Equal(t, ReasonOpenDuration, got["m-old"])
	assert.NotContains(t, got, "m-00", "low-risk fresh P2 stays quiet")

	// No P2 earned a ticket: none is both risky and past the gate.
	assert.Empty(t, d.Tickets)
}

func TestP2TicketNeedsRiskAndDuration(t *testing.T) {
	eng, _ := newTestEngine(t)

	pfail := map[string]float64{"m-risky-fresh": 0.9, "m-risky-old": 0.9, "m-safe-old": 0.2}
	d := eng.EvaluateBatch([]events.Result{
		result(events.ActionUpdated, "ev-1", 1, "m-risky-fresh", "hashrate_degradation", "P2", 10*time.Minute),
		result(events.ActionUpdated, "ev-2", 1, "m-risky-old", "hashrate_degradation", "P2", time.Hour),
		result(events.ActionUpdated, "ev-3", 1, "m-safe-old", "hashrate_degradation", "P2", time.Hour),
	}, pfail, map[int64]int{1: 100})

	require.Len(t, d.Tickets, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Tickets[0].Payload), &payload))
	assert.Equal(t, "m-risky-old", payload["miner_id"])
	assert.Equal(t, ReasonHighRisk, payload["reason"])
}

// Thirty P2 events with risk rising 0.30..0.59 at a 600-miner site: the
// budget admits exactly five tickets (the five riskiest) and twenty
// notifications.
func TestBudgetEnforcement(t *testing.T) {
	eng, _ := newTestEngine(t)

	pfail := map[string]float64{}
	var results []events.Result
	for i := 0; i < 30; i++ {
		miner := fmt.Sprintf("m-%02d", i)
		results = append(results,
			result(events.ActionUpdated, fmt.Sprintf("ev-%02d", i), 1, miner, "hashrate_degradation", "P2", time.Hour))
		pfail[miner] = 0.30 + float64(i)*0.01
	}

	d := eng.EvaluateBatch(results, pfail, map[int64]int{1: 600})

	assert.Len(t, d.Notifications, 20, "notification budget")
	require.Len(t, d.Tickets, 5, "ticket budget")
	assert.Equal(t, 10, d.SuppressedNotifications)
	assert.Equal(t, 4, d.SuppressedTickets, "nine P2s pass the risk bar, five fit")

	// The tickets are exactly the five riskiest miners, in risk order.
	wantMiners := []string{"m-29", "m-28", "m-27", "m-26", "m-25"}
	for i, rec := range d.Tickets {
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(rec.Payload), &payload))
		assert.Equal(t, wantMiners[i], payload["miner_id"])
	}
}

// P0 and P1 ride above the budgets: a flood of criticals all dispatch, and
// P2s see only the leftover room.
func TestCriticalsExemptFromBudget(t *testing.T) {
	eng, _ := newTestEngine(t)

	pfail := map[string]float64{}
	var results []events.Result
	for i := 0; i < 25; i++ {
		miner := fmt.Sprintf("m-p0-%02d", i)
		results = append(results,
			result(events.ActionUpdated, fmt.Sprintf("ev-p0-%02d", i), 1, miner, "offline", "P0", time.Hour))
	}
	for i := 0; i < 3; i++ {
		miner := fmt.Sprintf("m-p2-%d", i)
		results = append(results,
			result(events.ActionUpdated, fmt.Sprintf("ev-p2-%d", i), 1, miner, "hashrate_degradation", "P2", time.Hour))
		pfail[miner] = 0.9
	}

	d := eng.EvaluateBatch(results, pfail, map[int64]int{1: 1000})

	assert.Len(t, d.Notifications, 25, "all criticals dispatch, budget already exceeded")
	assert.Len(t, d.Tickets, 25)
	assert.Equal(t, 3, d.SuppressedNotifications, "no room left for P2s")
	assert.Equal(t, 3, d.SuppressedTickets)
}

func TestBudgetsAreIndependentPerSite(t *testing.T) {
	eng, _ := newTestEngine(t)

	pfail := map[string]float64{}
	var results []events.Result
	for _, site := range []int64{1, 2} {
		for i := 0; i < 8; i++ {
			miner := fmt.Sprintf("s%d-m-%d", site, i)
			results = append(results,
				result(events.ActionUpdated, fmt.Sprintf("ev-%d-%d", site, i), site, miner, "hashrate_degradation", "P2", time.Hour))
			pfail[miner] = 0.6 + float64(i)*0.01
		}
	}

	d := eng.EvaluateBatch(results, pfail, map[int64]int{1: 100, 2: 100})

	// Five tickets per site, not five across the fleet.
	assert.Len(t, d.Tickets, 10)
	bySite := map[int64]int{}
	for _, rec := range d.Tickets {
		bySite[rec.SiteID]++
	}
	assert.Equal(t, 5, bySite[1])
	assert.Equal(t, 5, bySite[2])
}

func TestDispatchWritesOutbox(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	d := eng.EvaluateBatch([]events.Result{
		result(events.ActionCreated, "ev-1", 1, "m-1", "overheat_crit", "P0", 0),
	}, nil, map[int64]int{1: 10})
	require.NoError(t, eng.Dispatch(ctx, d))

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2, "one notification and one ticket")

	kinds := map[string]int{}
	for _, rec := range pending {
		kinds[rec.Kind]++
		assert.Equal(t, "ev-1", rec.EventID)
		assert.Equal(t, "P0", rec.Severity)
		assert.Nil(t, rec.DispatchedAt)
	}
	assert.Equal(t, 1, kinds[store.OutboxKindNotification])
	assert.Equal(t, 1, kinds[store.OutboxKindTicket])
}

// An unavailable outbox must not lose the decision or fail the cycle; it
// degrades to log delivery.
func TestDispatchFallsBackToLogsWhenOutboxGone(t *testing.T) {
	st, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	eng := NewEngine(st, DefaultSettings(), zap.NewNop())
	eng.now = func() time.Time { return testNow }

	d := eng.EvaluateBatch([]events.Result{
		result(events.ActionCreated, "ev-1", 1, "m-1", "overheat_crit", "P0", 0),
	}, nil, map[int64]int{1: 10})

	require.NoError(t, st.Close())
	assert.NoError(t, eng.Dispatch(context.Background(), d), "fallback must swallow the outbox failure")
}

func TestEmptyDecisionDispatchesNothing(t *testing.T) {
	eng, st := newTestEngine(t)
	require.NoError(t, eng.Dispatch(context.Background(), &Decision{}))
	depth, err := st.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}
