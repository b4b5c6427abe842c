// Package rules owns the fixed problem taxonomy and its evaluation. Hard
// rules fire off the current cycle's raw features; soft rules need baseline
// z-scores or fleet context. The taxonomy is versioned so evidence written
// today stays interpretable after the rule set changes.
package rules

import (
	"fmt"
	"time"

	"github.com/ArabotHXL/BTC-project-sub002/internal/baseline"
	"github.com/ArabotHXL/BTC-project-sub002/internal/telemetry"
)

// TaxonomyVersion identifies the rule set that produced a detection. Bump it
// whenever a code, threshold or severity changes.
const TaxonomyVersion = "2025.1"

// Severity ranks a problem, P0 worst. The string values sort the wrong way
// lexically, so always compare through Rank.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Rank returns the ordinal weight of a severity, higher = worse. Unknown
// severities rank below P3 so malformed input never escalates anything.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 4
	case SeverityP1:
		return 3
	case SeverityP2:
		return 2
	case SeverityP3:
		return 1
	}
	return 0
}

// Worse reports whether s outranks other.
func (s Severity) Worse(other Severity) bool {
	return s.Rank() > other.Rank()
}

// Rule codes. The code is the third segment of an event dedup key, so these
// strings are effectively a persisted wire format.
const (
	CodeOverheatCrit    = "overheat_crit"
	CodeOffline         = "offline"
	CodeHashrateZero    = "hashrate_zero"
	CodeBoardsDead      = "boards_dead"
	CodeFanZero         = "fan_zero"
	CodeOverheatWarn    = "overheat_warn"
	CodeHashrateDegrade = "hashrate_degradation"
	CodeEffDegrade      = "efficiency_degradation"
	CodeTempAnomaly     = "temp_anomaly"
	CodeFleetOutlier    = "fleet_outlier"
	CodeBoardsDegrading = "boards_degrading"
)

// Rule kinds.
const (
	KindHard = "hard"
	KindSoft = "soft"
)

// Thresholds baked into the taxonomy. These are the contract with the rest
// of the fleet tooling, not tunables.
const (
	TempCritC          = 85.0
	TempWarnC          = 75.0
	HashrateZeroRatio  = 0.01
	BoardsDeadRatio    = 0.5
	HashrateDegradeZ   = -2.0
	EffDegradeZ        = 2.0
	TempAnomalyZ       = 2.5
	FleetOutlierZ      = 3.0
	BoardsDegradingRes = -0.1
)

// Rule describes one taxonomy entry.
type Rule struct {
	Code        string   `json:"code"`
	Severity    Severity `json:"severity"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
}

// taxonomy is the fixed rule set in evaluation order.
var taxonomy = []Rule{
	{CodeOverheatCrit, SeverityP0, KindHard, "board temperature at or above critical threshold"},
	{CodeOffline, SeverityP0, KindHard, "miner unreachable or reporting offline"},
	{CodeHashrateZero, SeverityP1, KindHard, "miner online but producing no hashrate"},
	{CodeBoardsDead, SeverityP1, KindHard, "half or more hashboards unhealthy"},
	{CodeFanZero, SeverityP1, KindHard, "miner online with a stopped fan"},
	{CodeOverheatWarn, SeverityP1, KindHard, "board temperature in the warning band"},
	{CodeHashrateDegrade, SeverityP2, KindSoft, "hashrate ratio well below the miner's own baseline"},
	{CodeEffDegrade, SeverityP2, KindSoft, "power per terahash drifting above the miner's own baseline"},
	{CodeTempAnomaly, SeverityP2, KindSoft, "temperature spiking above the miner's own baseline"},
	{CodeFleetOutlier, SeverityP3, KindSoft, "hashrate ratio far from the peer group"},
	{CodeBoardsDegrading, SeverityP3, KindSoft, "healthy board count trending down"},
}

// Taxonomy returns the rule set in stable order. The orchestrator derives
// healthy signals from it: every code that did not fire this cycle is a
// healthy signal for the event engine.
func Taxonomy() []Rule {
	out := make([]Rule, len(taxonomy))
	copy(out, taxonomy)
	return out
}

// RuleByCode looks up a taxonomy entry.
func RuleByCode(code string) (Rule, bool) {
	for _, r := range taxonomy {
		if r.Code == code {
			return r, true
		}
	}
	return Rule{}, false
}

// Detection is one firing rule for one miner, with the evidence snapshot the
// event engine persists. Evidence carries the inputs and thresholds that made
// the decision so an operator can audit it months later.
type Detection struct {
	SiteID   int64          `json:"site_id"`
	MinerID  string         `json:"miner_id"`
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Evidence map[string]any `json:"evidence"`
}

// Engine evaluates the taxonomy against one miner's cycle state.
type Engine struct {
	minSamples int

	// Injectable clock for deterministic evidence timestamps in tests.
	now func() time.Time
}

// NewEngine creates a rules engine. minSamples gates the soft rules that
// need a settled baseline; temp_anomaly is deliberately ungated because a
// temperature spike matters even on a freshly enrolled miner.
func NewEngine(minSamples int) *Engine {
	if minSamples < 1 {
		minSamples = 6
	}
	return &Engine{minSamples: minSamples, now: time.Now}
}

// EvaluateAll runs every rule against the miner's features and baseline
// state and returns the firings. Absent inputs simply keep their rules
// quiet; they never fire and never error.
func (e *Engine) EvaluateAll(f *telemetry.Features, base baseline.MinerState) []Detection {
	var out []Detection

	fire := func(code string, evidence map[string]any) {
		rule, _ := RuleByCode(code)
		evidence["rule_code"] = rule.Code
		evidence["severity"] = string(rule.Severity)
		evidence["description"] = rule.Description
		evidence["taxonomy_version"] = TaxonomyVersion
		evidence["evaluated_at"] = e.now().UTC().Format(time.RFC3339)
		out = append(out, Detection{
			SiteID:   f.SiteID,
			MinerID:  f.MinerID,
			Code:     rule.Code,
			Severity: rule.Severity,
			Evidence: evidence,
		})
	}

	// ── Hard rules: current-cycle features only ──

	if f.TempMax != nil && *f.TempMax >= TempCritC {
		fire(CodeOverheatCrit, map[string]any{
			"temp_max":    *f.TempMax,
			"threshold_c": TempCritC,
		})
	}

	if !f.Online {
		fire(CodeOffline, map[string]any{
			"online": false,
		})
	}

	if f.Online && f.HashrateRatio != nil && *f.HashrateRatio <= HashrateZeroRatio {
		fire(CodeHashrateZero, map[string]any{
			"hashrate_ratio": *f.HashrateRatio,
			"threshold":      HashrateZeroRatio,
		})
	}

	if f.BoardsRatio != nil && *f.BoardsRatio <= BoardsDeadRatio {
		fire(CodeBoardsDead, map[string]any{
			"boards_ratio": *f.BoardsRatio,
			"threshold":    BoardsDeadRatio,
		})
	}

	if f.Online && f.FanSpeedMin != nil && *f.FanSpeedMin == 0 {
		fire(CodeFanZero, map[string]any{
			"fan_speed_min": 0,
		})
	}

	if f.TempMax != nil && *f.TempMax >= TempWarnC && *f.TempMax < TempCritC {
		fire(CodeOverheatWarn, map[string]any{
			"temp_max":    *f.TempMax,
			"warn_band_c": TempWarnC,
			"crit_band_c": TempCritC,
		})
	}

	// ── Soft rules: baseline and fleet context ──

	if st, ok := base[telemetry.MetricHashrateRatio]; ok &&
		st.SampleCount >= e.minSamples && st.ZScore < HashrateDegradeZ {
		fire(CodeHashrateDegrade, map[string]any{
			"z_score":      st.ZScore,
			"ewma":         st.EWMA,
			"last_value":   st.LastValue,
			"sample_count": st.SampleCount,
			"threshold_z":  HashrateDegradeZ,
		})
	}

	if st, ok := base[telemetry.MetricEfficiency]; ok &&
		st.SampleCount >= e.minSamples && st.ZScore > EffDegradeZ {
		fire(CodeEffDegrade, map[string]any{
			"z_score":      st.ZScore,
			"ewma":         st.EWMA,
			"last_value":   st.LastValue,
			"sample_count": st.SampleCount,
			"threshold_z":  EffDegradeZ,
		})
	}

	// Ungated: new miners overheat too.
	if st, ok := base[telemetry.MetricTempMax]; ok && st.ZScore > TempAnomalyZ {
		fire(CodeTempAnomaly, map[string]any{
			"z_score":      st.ZScore,
			"ewma":         st.EWMA,
			"last_value":   st.LastValue,
			"sample_count": st.SampleCount,
			"threshold_z":  TempAnomalyZ,
		})
	}

	if f.FleetZHashrate != nil && abs(*f.FleetZHashrate) > FleetOutlierZ {
		fire(CodeFleetOutlier, map[string]any{
			"fleet_z_hashrate": *f.FleetZHashrate,
			"threshold_z":      FleetOutlierZ,
		})
	}

	if st, ok := base[telemetry.MetricBoardsRatio]; ok &&
		st.SampleCount >= e.minSamples && st.Residual < BoardsDegradingRes {
		fire(CodeBoardsDegrading, map[string]any{
			"residual":     st.Residual,
			"ewma":         st.EWMA,
			"last_value":   st.LastValue,
			"sample_count": st.SampleCount,
			"threshold":    BoardsDegradingRes,
		})
	}

	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Describe renders a short operator-facing line for a firing, used as the
// event description and in outbox payloads.
func Describe(code string, minerID string) string {
	if r, ok := RuleByCode(code); ok {
		return fmt.Sprintf("%s: %s", minerID, r.Description)
	}
	return fmt.Sprintf("%s: %s", minerID, code)
}
