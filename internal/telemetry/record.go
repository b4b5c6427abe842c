// Package telemetry defines the normalized telemetry record consumed by the
// pipeline and the per-cycle feature vector derived from it.
//
// Records arrive from edge agents as JSON. Optional fields are pointers so a
// missing value stays absent instead of collapsing to zero; every derived
// quantity downstream is either numerically valid or not present at all.
package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Operating modes assigned by mode inference.
const (
	ModeEco     = "eco"
	ModeNormal  = "normal"
	ModePerf    = "perf"
	ModeUnknown = "unknown"
)

// Metric names tracked per miner. These are the metric_name values stored on
// baseline rows and the keys of fleet group statistics.
const (
	MetricHashrateRatio = "hashrate_ratio"
	MetricBoardsRatio   = "boards_ratio"
	MetricTempMax       = "temp_max"
	MetricEfficiency    = "efficiency"
)

// MetricNames returns the tracked metric names in stable order.
func MetricNames() []string {
	return []string{MetricHashrateRatio, MetricBoardsRatio, MetricTempMax, MetricEfficiency}
}

// Record is one normalized observation for one miner at one instant, in the
// shape agents post it.
type Record struct {
	MinerID     string      `json:"miner_id" validate:"required"`
	SiteID      int64       `json:"site_id" validate:"gt=0"`
	Online      bool        `json:"online"`
	Hashrate    Hashrate    `json:"hashrate"`
	Temperature Temperature `json:"temperature"`
	Hardware    Hardware    `json:"hardware"`
	Power       *float64    `json:"power,omitempty" validate:"omitempty,gte=0"`
	ReceivedAt  time.Time   `json:"received_at,omitempty"`
}

// Hashrate carries current and expected hashrate in TH/s.
type Hashrate struct {
	Value       *float64 `json:"value,omitempty" validate:"omitempty,gte=0"`
	ExpectedTHs *float64 `json:"expected_ths,omitempty" validate:"omitempty,gte=0"`
}

// Temperature carries board temperature readings in °C.
type Temperature struct {
	Max *float64 `json:"max,omitempty"`
	Avg *float64 `json:"avg,omitempty"`
}

// Hardware carries board and fan state plus device identity.
type Hardware struct {
	BoardsHealthy *int   `json:"boards_healthy,omitempty" validate:"omitempty,gte=0"`
	BoardsTotal   *int   `json:"boards_total,omitempty" validate:"omitempty,gte=0"`
	FanSpeeds     []int  `json:"fan_speeds,omitempty"`
	Model         string `json:"model,omitempty"`
	Firmware      string `json:"firmware,omitempty"`
}

var validate = validator.New()

// Validate reports whether the record satisfies the minimum schema: a miner
// identity, a positive site id, and non-negative numeric fields. Records that
// fail validation are skipped by the pipeline, never partially processed.
func (r *Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("telemetry record invalid: %w", err)
	}
	return nil
}

// Model returns the device model, or "unknown" when the agent could not
// determine it. Group keys need a stable token for unidentified hardware.
func (r *Record) Model() string {
	if r.Hardware.Model == "" {
		return "unknown"
	}
	return r.Hardware.Model
}

// Firmware returns the firmware version, or "unknown" when absent.
func (r *Record) Firmware() string {
	if r.Hardware.Firmware == "" {
		return "unknown"
	}
	return r.Hardware.Firmware
}

// Batch is the body agents post to the telemetry endpoints.
type Batch struct {
	AgentID string   `json:"agent_id,omitempty"`
	Miners  []Record `json:"miners" validate:"required"`
}
