// Package policy turns event engine results into budgeted notification and
// ticket requests. Decisions are written to the durable outbox; an
// independent relay delivers them. Budgets keep a bad cycle at a big site
// from flooding the on-call channel, but critical severities always go out.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/events"
	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Dispatch reasons recorded on outbox payloads.
const (
	ReasonSeverity     = "severity"
	ReasonTopRisk      = "top_k_risk"
	ReasonOpenDuration = "open_duration"
	ReasonHighRisk     = "high_failure_risk"
)

// Settings are the per-site, per-cycle dispatch budgets and P2 gates.
type Settings struct {
	// MaxNotifications caps notifications per site per cycle. P0/P1 are
	// exempt: they always dispatch, even over budget.
	MaxNotifications int

	// MaxTickets caps tickets per site per cycle, with the same P0/P1
	// exemption.
	MaxTickets int

	// P2DurationGate is how long a P2 event must have been open before
	// duration alone justifies dispatch.
	P2DurationGate time.Duration

	// P2PfailTicket is the failure-risk floor for ticketing a P2.
	P2PfailTicket float64
}

// DefaultSettings returns the deployment defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxNotifications: 20,
		MaxTickets:       5,
		P2DurationGate:   30 * time.Minute,
		P2PfailTicket:    0.5,
	}
}

// Decision is the outcome of one policy evaluation: the outbox rows to write
// plus counts of what the budget dropped.
type Decision struct {
	Notifications []*store.OutboxRecord
	Tickets       []*store.OutboxRecord

	// SuppressedNotifications and SuppressedTickets count P2 dispatches
	// dropped by the per-site budgets.
	SuppressedNotifications int
	SuppressedTickets       int
}

// Engine evaluates cycle results into dispatch decisions.
type Engine struct {
	store    store.OutboxStore
	settings Settings
	logger   *zap.Logger

	// Injectable clock for duration gates in tests.
	now func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(st store.OutboxStore, settings Settings, logger *zap.Logger) *Engine {
	if settings.MaxNotifications < 1 {
		settings.MaxNotifications = 20
	}
	if settings.MaxTickets < 1 {
		settings.MaxTickets = 5
	}
	if settings.P2DurationGate <= 0 {
		settings.P2DurationGate = 30 * time.Minute
	}
	if settings.P2PfailTicket <= 0 {
		settings.P2PfailTicket = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, settings: settings, logger: logger, now: time.Now}
}

// candidate is one evaluable result with its failure risk attached.
type candidate struct {
	event *store.EventRecord
	pfail float64
}

// EvaluateBatch decides what this cycle's results dispatch. Only results
// whose action created, updated, escalated, or reopened an event are
// considered; debouncing, resolving, and suppressed entries never notify.
// pfail carries per-miner failure probabilities, siteMinerCount the fleet
// size per site for Top-K scaling.
func (e *Engine) EvaluateBatch(results []events.Result, pfail map[string]float64, siteMinerCount map[int64]int) *Decision {
	evaluable := map[string]bool{
		events.ActionCreated:   true,
		events.ActionUpdated:   true,
		events.ActionEscalated: true,
		events.ActionReopened:  true,
	}

	bySite := make(map[int64][]candidate)
	for _, res := range results {
		if !evaluable[res.Action] || res.Event == nil {
			continue
		}
		bySite[res.Event.SiteID] = append(bySite[res.Event.SiteID], candidate{
			event: res.Event,
			pfail: pfail[res.Event.MinerID],
		})
	}

	sites := make([]int64, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	now := e.now().UTC()
	decision := &Decision{}
	for _, site := range sites {
		e.evaluateSite(decision, site, bySite[site], siteMinerCount[site], now)
	}
	return decision
}

// evaluateSite applies the severity rules and budgets for one site.
func (e *Engine) evaluateSite(decision *Decision, site int64, cands []candidate, minerCount int, now time.Time) {
	var critical, p2s []candidate
	for _, c := range cands {
		switch rules.Severity(c.event.Severity) {
		case rules.SeverityP0, rules.SeverityP1:
			critical = append(critical, c)
		case rules.SeverityP2:
			p2s = append(p2s, c)
		}
		// P3 never dispatches.
	}

	// Worst severity first, then highest risk, so budget spillover is
	// deterministic and always favors the worst problems.
	bySeverityThenRisk := func(list []candidate) func(i, j int) bool {
		return func(i, j int) bool {
			si := rules.Severity(list[i].event.Severity).Rank()
			sj := rules.Severity(list[j].event.Severity).Rank()
			if si != sj {
				return si > sj
			}
			return list[i].pfail > list[j].pfail
		}
	}
	sort.SliceStable(critical, bySeverityThenRisk(critical))
	sort.SliceStable(p2s, func(i, j int) bool { return p2s[i].pfail > p2s[j].pfail })

	// Top-K worst P2s by failure risk qualify for notification regardless
	// of how long they have been open.
	k := minerCount * 5 / 100
	if k < 3 {
		k = 3
	}
	topK := make(map[string]bool, k)
	for i, c := range p2s {
		if i >= k {
			break
		}
		topK[c.event.ID] = true
	}

	// Notifications: P0/P1 unconditionally, then eligible P2s by risk while
	// budget remains.
	sent, droppedNotes, droppedTickets := 0, 0, 0
	for _, c := range critical {
		decision.Notifications = append(decision.Notifications,
			e.notification(c, ReasonSeverity, now))
		sent++
	}
	for _, c := range p2s {
		reason := ""
		switch {
		case topK[c.event.ID]:
			reason = ReasonTopRisk
		case now.Sub(c.event.StartTS) > e.settings.P2DurationGate:
			reason = ReasonOpenDuration
		default:
			continue
		}
		if sent >= e.settings.MaxNotifications {
			droppedNotes++
			metrics.BudgetSuppressedTotal.WithLabelValues(store.OutboxKindNotification).Inc()
			continue
		}
		decision.Notifications = append(decision.Notifications, e.notification(c, reason, now))
		sent++
	}

	// Tickets: P0/P1 unconditionally, then P2s that are both risky and
	// persistent.
	opened := 0
	for _, c := range critical {
		decision.Tickets = append(decision.Tickets, e.ticket(c, ReasonSeverity, now))
		opened++
	}
	for _, c := range p2s {
		if c.pfail <= e.settings.P2PfailTicket || now.Sub(c.event.StartTS) <= e.settings.P2DurationGate {
			continue
		}
		if opened >= e.settings.MaxTickets {
			droppedTickets++
			metrics.BudgetSuppressedTotal.WithLabelValues(store.OutboxKindTicket).Inc()
			continue
		}
		decision.Tickets = append(decision.Tickets, e.ticket(c, ReasonHighRisk, now))
		opened++
	}

	decision.SuppressedNotifications += droppedNotes
	decision.SuppressedTickets += droppedTickets
	if droppedNotes > 0 || droppedTickets > 0 {
		e.logger.Info("budget suppressed dispatches",
			zap.Int64("site_id", site),
			zap.Int("notifications", droppedNotes),
			zap.Int("tickets", droppedTickets))
	}
}

// Dispatch writes the decision to the outbox. When the outbox is
// unavailable the decision is not dropped: notifications fall back to WARN
// logs and tickets to ERROR logs carrying the full payload, so P0/P1 always
// surface somewhere an operator looks.
func (e *Engine) Dispatch(ctx context.Context, decision *Decision) error {
	records := make([]*store.OutboxRecord, 0, len(decision.Notifications)+len(decision.Tickets))
	records = append(records, decision.Notifications...)
	records = append(records, decision.Tickets...)
	if len(records) == 0 {
		return nil
	}

	if err := e.store.EnqueueOutboxBatch(ctx, records); err != nil {
		e.logFallback(decision, err)
		return nil
	}

	metrics.NotificationsTotal.Add(float64(len(decision.Notifications)))
	metrics.TicketsTotal.Add(float64(len(decision.Tickets)))
	return nil
}

func (e *Engine) logFallback(decision *Decision, cause error) {
	e.logger.Error("outbox unavailable, falling back to log delivery", zap.Error(cause))
	for _, rec := range decision.Notifications {
		e.logger.Warn("notification (outbox fallback)",
			zap.String("event_id", rec.EventID),
			zap.String("severity", rec.Severity),
			zap.String("payload", rec.Payload))
	}
	for _, rec := range decision.Tickets {
		e.logger.Error("ticket (outbox fallback)",
			zap.String("event_id", rec.EventID),
			zap.String("severity", rec.Severity),
			zap.String("payload", rec.Payload))
	}
}

// notification builds one outbox row of kind notification.
func (e *Engine) notification(c candidate, reason string, now time.Time) *store.OutboxRecord {
	payload := map[string]any{
		"event_id":   c.event.ID,
		"site_id":    c.event.SiteID,
		"miner_id":   c.event.MinerID,
		"issue_code": c.event.RuleCode,
		"severity":   c.event.Severity,
		"reason":     reason,
		"priority":   PriorityFor(c.event.Severity),
		"timestamp":  now.Format(time.RFC3339),
	}
	return e.record(c.event, store.OutboxKindNotification, payload, now)
}

// ticket builds one outbox row of kind ticket, adding the synthesized
// subject and description.
func (e *Engine) ticket(c candidate, reason string, now time.Time) *store.OutboxRecord {
	payload := map[string]any{
		"event_id":   c.event.ID,
		"site_id":    c.event.SiteID,
		"miner_id":   c.event.MinerID,
		"issue_code": c.event.RuleCode,
		"severity":   c.event.Severity,
		"reason":     reason,
		"priority":   PriorityFor(c.event.Severity),
		"timestamp":  now.Format(time.RFC3339),
		"subject":    fmt.Sprintf("[%s] %s on %s", c.event.Severity, c.event.RuleCode, c.event.MinerID),
		"description": fmt.Sprintf("%s %s on miner %s (site %d), open since %s, failure risk 24h %.2f",
			c.event.Severity, c.event.RuleCode, c.event.MinerID, c.event.SiteID,
			c.event.StartTS.UTC().Format(time.RFC3339), c.pfail),
	}
	return e.record(c.event, store.OutboxKindTicket, payload, now)
}

func (e *Engine) record(ev *store.EventRecord, kind string, payload map[string]any, now time.Time) *store.OutboxRecord {
	blob, err := json.Marshal(payload)
	if err != nil {
		blob = []byte("{}")
	}
	return &store.OutboxRecord{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Kind:      kind,
		Severity:  ev.Severity,
		SiteID:    ev.SiteID,
		Payload:   string(blob),
		CreatedAt: now,
	}
}

// PriorityFor maps severity to the priority vocabulary downstream systems
// expect.
func PriorityFor(severity string) string {
	switch rules.Severity(severity) {
	case rules.SeverityP0:
		return "critical"
	case rules.SeverityP1:
		return "high"
	case rules.SeverityP2:
		return "normal"
	default:
		return "low"
	}
}
