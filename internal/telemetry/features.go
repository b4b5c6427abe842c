package telemetry

import (
	"fmt"
	"time"
)

// Features is the per-miner, per-cycle feature vector. The four metric fields
// are nil when their inputs were absent or their denominators non-positive.
type Features struct {
	MinerID  string `json:"miner_id"`
	SiteID   int64  `json:"site_id"`
	Model    string `json:"model"`
	Firmware string `json:"firmware"`
	Online   bool   `json:"online"`

	HashrateRatio *float64 `json:"hashrate_ratio,omitempty"`
	BoardsRatio   *float64 `json:"boards_ratio,omitempty"`
	TempMax       *float64 `json:"temp_max,omitempty"`
	Efficiency    *float64 `json:"efficiency,omitempty"`
	FanSpeedMin   *int     `json:"fan_speed_min,omitempty"`

	// Populated after fleet statistics are computed for the cycle.
	FleetZHashrate *float64 `json:"fleet_z_hashrate,omitempty"`

	// Populated by mode inference; defaults to unknown.
	InferredMode   string  `json:"inferred_mode"`
	ModeConfidence float64 `json:"mode_confidence"`

	ObservedAt time.Time `json:"observed_at"`
}

// Extract derives the feature vector from a normalized record. Ratios are
// computed only when their denominators are strictly positive; efficiency
// needs both power and a non-zero current hashrate.
func Extract(rec *Record) Features {
	f := Features{
		MinerID:      rec.MinerID,
		SiteID:       rec.SiteID,
		Model:        rec.Model(),
		Firmware:     rec.Firmware(),
		Online:       rec.Online,
		InferredMode: ModeUnknown,
		ObservedAt:   rec.ReceivedAt,
	}

	if rec.Hashrate.Value != nil && rec.Hashrate.ExpectedTHs != nil && *rec.Hashrate.ExpectedTHs > 0 {
		ratio := *rec.Hashrate.Value / *rec.Hashrate.ExpectedTHs
		f.HashrateRatio = &ratio
	}

	if rec.Hardware.BoardsHealthy != nil && rec.Hardware.BoardsTotal != nil && *rec.Hardware.BoardsTotal > 0 {
		ratio := float64(*rec.Hardware.BoardsHealthy) / float64(*rec.Hardware.BoardsTotal)
		f.BoardsRatio = &ratio
	}

	if rec.Temperature.Max != nil {
		v := *rec.Temperature.Max
		f.TempMax = &v
	}

	if rec.Power != nil && rec.Hashrate.Value != nil && *rec.Hashrate.Value > 0 {
		eff := *rec.Power / *rec.Hashrate.Value
		f.Efficiency = &eff
	}

	if len(rec.Hardware.FanSpeeds) > 0 {
		minSpeed := rec.Hardware.FanSpeeds[0]
		for _, s := range rec.Hardware.FanSpeeds[1:] {
			if s < minSpeed {
				minSpeed = s
			}
		}
		f.FanSpeedMin = &minSpeed
	}

	return f
}

// Metric returns the named metric value and whether it is present.
func (f *Features) Metric(name string) (float64, bool) {
	switch name {
	case MetricHashrateRatio:
		if f.HashrateRatio != nil {
			return *f.HashrateRatio, true
		}
	case MetricBoardsRatio:
		if f.BoardsRatio != nil {
			return *f.BoardsRatio, true
		}
	case MetricTempMax:
		if f.TempMax != nil {
			return *f.TempMax, true
		}
	case MetricEfficiency:
		if f.Efficiency != nil {
			return *f.Efficiency, true
		}
	}
	return 0, false
}

// BaseGroupKey identifies the miner's hardware cohort: site:model:firmware.
// Mode inference clusters within this key.
func (f *Features) BaseGroupKey() string {
	return groupKeyBase(f.SiteID, f.Model, f.Firmware)
}

// GroupKey identifies the miner's peer group. The mode segment is appended
// only when the inferred mode is known, so miners from undersized clusters
// stay pooled in the mode-agnostic group.
func (f *Features) GroupKey() string {
	key := groupKeyBase(f.SiteID, f.Model, f.Firmware)
	if f.InferredMode != "" && f.InferredMode != ModeUnknown {
		key += ":" + f.InferredMode
	}
	return key
}

func groupKeyBase(siteID int64, model, firmware string) string {
	return fmt.Sprintf("%d:%s:%s", siteID, model, firmware)
}
