// Package events owns the problem event lifecycle: dedup, debounce, severity
// escalation, resolve with cooldown, reopen, and miner-level suppression. The
// contract is that at most one active event exists per dedup key, enforced
// jointly by this engine and the store's partial unique index.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/metrics"
	"github.com/ArabotHXL/BTC-project-sub002/internal/rules"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Actions reported back to the orchestrator. The policy engine keys its
// dispatch decisions off these strings, so they are a wire format.
const (
	ActionCreated       = "created"
	ActionDebouncing    = "debouncing"
	ActionUpdated       = "updated"
	ActionEscalated     = "escalated"
	ActionReopened      = "reopened"
	ActionSuppressed    = "suppressed"
	ActionResolving     = "resolving"
	ActionResolved      = "resolved"
	ActionNoActiveEvent = "no_active_event"
)

// Reasons attached to suppressed results.
const (
	ReasonSuppression = "suppression"
	ReasonCooldown    = "cooldown"
)

// Settings are the lifecycle thresholds. They must be uniform across every
// process sharing a database; mixing values breaks the single-active-event
// contract.
type Settings struct {
	// DebounceThreshold is the number of consecutive detections before an
	// event opens. With threshold N the first detection creates the row in
	// ack and the Nth flips it to open.
	DebounceThreshold int

	// ResolveThreshold is the number of consecutive healthy signals before
	// an active event resolves.
	ResolveThreshold int

	// Cooldown is the window after resolution in which a recurrence reopens
	// the same row instead of creating a fresh one.
	Cooldown time.Duration

	// EvidenceMax bounds the evidence list kept on a row, most recent wins.
	EvidenceMax int
}

// DefaultSettings returns the deployment defaults.
func DefaultSettings() Settings {
	return Settings{
		DebounceThreshold: 2,
		ResolveThreshold:  3,
		Cooldown:          24 * time.Hour,
		EvidenceMax:       100,
	}
}

func (s Settings) normalized() Settings {
	if s.DebounceThreshold < 1 {
		s.DebounceThreshold = 1
	}
	if s.ResolveThreshold < 1 {
		s.ResolveThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 24 * time.Hour
	}
	if s.EvidenceMax < 1 {
		s.EvidenceMax = 100
	}
	return s
}

// Store is the persistence surface the engine needs.
type Store interface {
	store.EventStore
	store.SuppressionStore
}

// Detection is one rule firing plus the optional context blocks the
// orchestrator attaches before handing it to the engine.
type Detection struct {
	rules.Detection

	// PeerMetrics is the fleet comparison block, overwritten on the event
	// row when present.
	PeerMetrics map[string]any

	// ML is the failure prediction block, overwritten on the event row when
	// present.
	ML map[string]any
}

// HealthySignal reports that a taxonomy rule did not fire for a miner this
// cycle.
type HealthySignal struct {
	SiteID  int64
	MinerID string
	Code    string
}

// Result is the outcome of processing one detection or healthy signal.
type Result struct {
	Action string             `json:"action"`
	Reason string             `json:"reason,omitempty"`
	Event  *store.EventRecord `json:"event,omitempty"`
}

// BulkResult aggregates one BulkProcess call.
type BulkResult struct {
	// Results holds the per-item outcomes, detections first, in input order.
	Results []Result

	// Tally counts outcomes per action.
	Tally map[string]int

	// Failures counts items that errored and were skipped.
	Failures int
}

// Engine drives the event lifecycle against the store.
type Engine struct {
	store    Store
	settings Settings
	logger   *zap.Logger

	// Injectable clock for lifecycle tests.
	now func() time.Time
}

// NewEngine creates an event engine.
func NewEngine(st Store, settings Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
}

// DedupKey is the identity of "this kind of problem on this miner".
func DedupKey(siteID int64, minerID, code string) string {
	return fmt.Sprintf("%d:%s:%s", siteID, minerID, code)
}

// ProcessDetection applies one rule firing to the lifecycle. The decision
// order is: miner suppression, then an existing active row, then a resolved
// row still in cooldown, then a fresh insert. Insert races on the dedup key
// are retried as updates.
func (e *Engine) ProcessDetection(ctx context.Context, det Detection) (*Result, error) {
	res, err := e.processDetection(ctx, det)
	if err != nil {
		return nil, err
	}
	metrics.EventActionsTotal.WithLabelValues(res.Action).Inc()
	return res, nil
}

func (e *Engine) processDetection(ctx context.Context, det Detection) (*Result, error) {
	now := e.now().UTC()

	sup, err := e.store.GetSuppression(ctx, det.MinerID)
	switch {
	case err == nil:
		if sup.Active(now) {
			return &Result{Action: ActionSuppressed, Reason: ReasonSuppression}, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("suppression lookup: %w", err)
	}

	key := DedupKey(det.SiteID, det.MinerID, det.Code)

	cur, err := e.store.GetEventByDedup(ctx, key, store.ActiveStatuses)
	switch {
	case err == nil:
		return e.update(ctx, cur, det, now)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("active lookup: %w", err)
	}

	prev, err := e.store.LatestResolvedEvent(ctx, key)
	switch {
	case err == nil:
		if prev.ResolvedTS != nil && now.Sub(*prev.ResolvedTS) < e.settings.Cooldown {
			return e.reopen(ctx, prev, det, now)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("resolved lookup: %w", err)
	}

	return e.create(ctx, det, key, now)
}

// update advances an existing active row with a fresh detection.
func (e *Engine) update(ctx context.Context, cur *store.EventRecord, det Detection, now time.Time) (*Result, error) {
	action := ActionUpdated

	cur.ConsecutiveFail++
	cur.ConsecutiveOK = 0
	cur.LastSeenTS = now
	cur.UpdatedAt = now
	cur.Evidence = appendEvidence(cur.Evidence, det.Evidence, e.settings.EvidenceMax)
	e.attachContext(cur, det)

	// Severity only ever climbs while a row is active.
	if det.Severity.Worse(rules.Severity(cur.Severity)) {
		cur.Severity = string(det.Severity)
		action = ActionEscalated
	}

	if cur.Status == store.StatusAck && cur.ConsecutiveFail >= e.settings.DebounceThreshold {
		cur.Status = store.StatusOpen
	}

	if err := e.store.UpdateEvent(ctx, cur); err != nil {
		return nil, fmt.Errorf("update event %s: %w", cur.ID, err)
	}
	return &Result{Action: action, Event: cur}, nil
}

// reopen handles a detection against a row resolved within the cooldown
// window. Reopens are debounced the same way creates are: the resolved row
// accumulates detections and only flips back to open at the threshold, so a
// flapping miner does not resurrect its event on a single blip.
func (e *Engine) reopen(ctx context.Context, prev *store.EventRecord, det Detection, now time.Time) (*Result, error) {
	prev.ConsecutiveFail++
	prev.ConsecutiveOK = 0
	prev.LastSeenTS = now
	prev.UpdatedAt = now

	if prev.ConsecutiveFail < e.settings.DebounceThreshold {
		if err := e.store.UpdateEvent(ctx, prev); err != nil {
			return nil, fmt.Errorf("update resolved event %s: %w", prev.ID, err)
		}
		return &Result{Action: ActionSuppressed, Reason: ReasonCooldown, Event: prev}, nil
	}

	prev.Status = store.StatusOpen
	prev.ResolvedTS = nil
	prev.ConsecutiveFail = 1
	prev.RecurrenceCount++
	prev.Evidence = appendEvidence("", det.Evidence, e.settings.EvidenceMax)
	e.attachContext(prev, det)
	if det.Severity.Worse(rules.Severity(prev.Severity)) {
		prev.Severity = string(det.Severity)
	}

	if err := e.store.UpdateEvent(ctx, prev); err != nil {
		return nil, fmt.Errorf("reopen event %s: %w", prev.ID, err)
	}
	return &Result{Action: ActionReopened, Event: prev}, nil
}

// create inserts a fresh row. With debouncing enabled the row starts in ack
// and the result is debouncing rather than created.
func (e *Engine) create(ctx context.Context, det Detection, key string, now time.Time) (*Result, error) {
	status, action := store.StatusOpen, ActionCreated
	if e.settings.DebounceThreshold > 1 {
		status, action = store.StatusAck, ActionDebouncing
	}

	rec := &store.EventRecord{
		ID:              uuid.NewString(),
		DedupKey:        key,
		SiteID:          det.SiteID,
		MinerID:         det.MinerID,
		RuleCode:        det.Code,
		Severity:        string(det.Severity),
		Status:          status,
		Description:     rules.Describe(det.Code, det.MinerID),
		Evidence:        appendEvidence("", det.Evidence, e.settings.EvidenceMax),
		ConsecutiveFail: 1,
		StartTS:         now,
		LastSeenTS:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.attachContext(rec, det)

	err := e.store.InsertEvent(ctx, rec)
	if err == nil {
		return &Result{Action: action, Event: rec}, nil
	}
	if !errors.Is(err, store.ErrDuplicateActiveEvent) {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	// Lost an insert race, or a suppressed row is holding the dedup slot.
	// Re-read and apply as an update.
	e.logger.Warn("event insert race, retrying as update", zap.String("dedup_key", key))
	holder, gerr := e.store.GetEventByDedup(ctx, key, append(store.ActiveStatuses, store.StatusSuppressed))
	if gerr != nil {
		return nil, fmt.Errorf("insert race on %s: %w", key, gerr)
	}
	if holder.Status == store.StatusSuppressed {
		return &Result{Action: ActionSuppressed, Reason: ReasonSuppression, Event: holder}, nil
	}
	return e.update(ctx, holder, det, now)
}

// attachContext overwrites the peer and ML blocks when the detection carries
// them. Absent blocks leave the stored ones in place.
func (e *Engine) attachContext(rec *store.EventRecord, det Detection) {
	if blob := marshalBlock(det.PeerMetrics); blob != "" {
		rec.PeerMetrics = blob
	}
	if blob := marshalBlock(det.ML); blob != "" {
		rec.ML = blob
	}
}

// ProcessHealthy applies one healthy signal. Only active rows react;
// suppressed rows stay frozen until the suppression lifts.
func (e *Engine) ProcessHealthy(ctx context.Context, sig HealthySignal) (*Result, error) {
	res, err := e.processHealthy(ctx, sig)
	if err != nil {
		return nil, err
	}
	metrics.EventActionsTotal.WithLabelValues(res.Action).Inc()
	return res, nil
}

func (e *Engine) processHealthy(ctx context.Context, sig HealthySignal) (*Result, error) {
	now := e.now().UTC()
	key := DedupKey(sig.SiteID, sig.MinerID, sig.Code)

	cur, err := e.store.GetEventByDedup(ctx, key, store.ActiveStatuses)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{Action: ActionNoActiveEvent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active lookup: %w", err)
	}

	cur.ConsecutiveOK++
	cur.ConsecutiveFail = 0
	cur.LastSeenTS = now
	cur.UpdatedAt = now

	action := ActionResolving
	if cur.ConsecutiveOK >= e.settings.ResolveThreshold {
		cur.Status = store.StatusResolved
		resolved := now
		cur.ResolvedTS = &resolved
		action = ActionResolved
	}

	if err := e.store.UpdateEvent(ctx, cur); err != nil {
		return nil, fmt.Errorf("update event %s: %w", cur.ID, err)
	}
	return &Result{Action: action, Event: cur}, nil
}

// BulkProcess applies a cycle's detections and healthy signals. Detections
// are consumed first so an event is never resolved and immediately reopened
// within one cycle. A failing item is logged and skipped; it never aborts
// the rest of the batch.
func (e *Engine) BulkProcess(ctx context.Context, detections []Detection, healthy []HealthySignal) *BulkResult {
	out := &BulkResult{
		Results: make([]Result, 0, len(detections)+len(healthy)),
		Tally:   make(map[string]int),
	}

	if err := e.liftExpiredSuppressions(ctx); err != nil {
		e.logger.Error("lifting expired suppressions", zap.Error(err))
	}

	for _, det := range detections {
		res, err := e.ProcessDetection(ctx, det)
		if err != nil {
			out.Failures++
			e.logger.Error("process detection",
				zap.String("miner_id", det.MinerID),
				zap.String("rule_code", det.Code),
				zap.Error(err))
			continue
		}
		out.Results = append(out.Results, *res)
		out.Tally[res.Action]++
	}

	for _, sig := range healthy {
		res, err := e.ProcessHealthy(ctx, sig)
		if err != nil {
			out.Failures++
			e.logger.Error("process healthy",
				zap.String("miner_id", sig.MinerID),
				zap.String("rule_code", sig.Code),
				zap.Error(err))
			continue
		}
		out.Results = append(out.Results, *res)
		out.Tally[res.Action]++
	}

	return out
}

// liftExpiredSuppressions deletes time-bounded suppressions whose deadline
// has passed and returns their suppressed events to open. Maintenance
// suppressions stay until explicitly lifted.
func (e *Engine) liftExpiredSuppressions(ctx context.Context) error {
	now := e.now().UTC()
	sups, err := e.store.ListSuppressions(ctx)
	if err != nil {
		return err
	}
	for _, sup := range sups {
		if sup.Active(now) {
			continue
		}
		if err := e.store.DeleteSuppression(ctx, sup.MinerID); err != nil {
			return fmt.Errorf("delete suppression %s: %w", sup.MinerID, err)
		}
		n, err := e.store.SetEventStatusForMiner(ctx, sup.MinerID,
			[]string{store.StatusSuppressed}, store.StatusOpen, now)
		if err != nil {
			return fmt.Errorf("restore events for %s: %w", sup.MinerID, err)
		}
		e.logger.Info("suppression expired",
			zap.String("miner_id", sup.MinerID),
			zap.Int64("events_reopened", n))
	}
	return nil
}

// SuppressMiner mutes a miner, either for maintenance (until explicitly
// lifted) or until a deadline, and parks its active events in suppressed.
// Parked rows keep holding their dedup slot so the single-active-event
// contract survives the window. Returns the number of events parked.
func (e *Engine) SuppressMiner(ctx context.Context, minerID string, siteID int64, reason string, until *time.Time, maintenance bool) (int64, error) {
	now := e.now().UTC()
	rec := &store.SuppressionRecord{
		MinerID:       minerID,
		SiteID:        siteID,
		Reason:        reason,
		Maintenance:   maintenance,
		SuppressUntil: until,
		CreatedAt:     now,
	}
	if err := e.store.SaveSuppression(ctx, rec); err != nil {
		return 0, fmt.Errorf("save suppression: %w", err)
	}
	n, err := e.store.SetEventStatusForMiner(ctx, minerID, store.ActiveStatuses, store.StatusSuppressed, now)
	if err != nil {
		return 0, fmt.Errorf("park events: %w", err)
	}
	e.logger.Info("miner suppressed",
		zap.String("miner_id", minerID),
		zap.Bool("maintenance", maintenance),
		zap.Int64("events_parked", n))
	return n, nil
}

// UnsuppressMiner clears both suppression controls and returns parked events
// to open. Returns the number of events restored.
func (e *Engine) UnsuppressMiner(ctx context.Context, minerID string) (int64, error) {
	now := e.now().UTC()
	if err := e.store.DeleteSuppression(ctx, minerID); err != nil {
		return 0, fmt.Errorf("delete suppression: %w", err)
	}
	n, err := e.store.SetEventStatusForMiner(ctx, minerID,
		[]string{store.StatusSuppressed}, store.StatusOpen, now)
	if err != nil {
		return 0, fmt.Errorf("restore events: %w", err)
	}
	e.logger.Info("miner unsuppressed",
		zap.String("miner_id", minerID),
		zap.Int64("events_restored", n))
	return n, nil
}

// ─── Evidence helpers ─────────────────────────────────────────────────────────

// appendEvidence appends one snapshot to the stored evidence list, keeping at
// most max entries with the most recent last. A corrupt stored blob is
// dropped rather than propagated.
func appendEvidence(existing string, item map[string]any, max int) string {
	var list []map[string]any
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &list); err != nil {
			list = nil
		}
	}
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	b, err := json.Marshal(list)
	if err != nil {
		return existing
	}
	return string(b)
}

// EvidenceCount reports how many snapshots an event row carries.
func EvidenceCount(rec *store.EventRecord) int {
	var list []json.RawMessage
	if err := json.Unmarshal([]byte(rec.Evidence), &list); err != nil {
		return 0
	}
	return len(list)
}

func marshalBlock(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
