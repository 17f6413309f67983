// Package config loads and validates the tunable parameters for the
// activity brain, the timeline recorder, and the timeline processor.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/security"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// BrainTuning holds the tunable knobs for the
// ActivityBrain's moving/stationary decision engine.
type BrainTuning struct {
	WorstAllowedLocationAccuracy *float64 `json:"worst_allowed_location_accuracy,omitempty"`
	WorstAllowedPastSampleRadius *float64 `json:"worst_allowed_past_sample_radius,omitempty"`
	MaximumSampleAgeSeconds      *float64 `json:"maximum_sample_age_seconds,omitempty"`
	MinimumRequiredN             *int     `json:"minimum_required_n,omitempty"`
	MinimumRequiredNSleepWakeup  *int     `json:"minimum_required_n_sleep_wakeup,omitempty"`
	MaximumRequiredN             *int     `json:"maximum_required_n,omitempty"`
	MinimumConfidenceN           *int     `json:"minimum_confidence_n,omitempty"`
	MinimumConfidenceNWakeup     *int     `json:"minimum_confidence_n_wakeup,omitempty"`
	MaxSpeedReq                  *float64 `json:"max_speed_req,omitempty"`
	SpeedReqKmh                  *float64 `json:"speed_req_kmh,omitempty"`
	SpeedSampleN                 *int     `json:"speed_sample_n,omitempty"`
}

// RecorderTuning holds the tunable knobs for the
// TimelineRecorder state machine.
type RecorderTuning struct {
	SamplesPerMinute                  *int    `json:"samples_per_minute,omitempty"`
	SleepAfterStationaryDuration       *string `json:"sleep_after_stationary_duration,omitempty"`
	SleepCycleDuration                 *string `json:"sleep_cycle_duration,omitempty"`
	UseLowPowerSleepModeWhileStationary *bool  `json:"use_low_power_sleep_mode_while_stationary,omitempty"`
	IgnoreNoLocationDataDuringWakeups  *bool   `json:"ignore_no_location_data_during_wakeups,omitempty"`
	MaximumModeShiftSpeed              *float64 `json:"maximum_mode_shift_speed,omitempty"`
}

// ProcessorTuning holds the tunable knobs for the
// TimelineProcessor.
type ProcessorTuning struct {
	MaximumItemsInProcessingLoop        *int    `json:"maximum_items_in_processing_loop,omitempty"`
	MaximumPotentialMergesInProcessingLoop *int `json:"maximum_potential_merges_in_processing_loop,omitempty"`
	KeeperBoundary                       *string `json:"keeper_boundary,omitempty"`
	DurationBetween                      *string `json:"duration_between,omitempty"`
	EdgeCleanseMaxIterations             *int    `json:"edge_cleanse_max_iterations,omitempty"`
	HardDeleteSweepAge                   *string `json:"hard_delete_sweep_age,omitempty"`
}

// TuningConfig is the root configuration for tuning parameters. Every leaf
// is a pointer so a partial on-disk JSON document only overrides the
// fields it sets; callers read values through the Get* accessors, which
// fall back to the hard-coded production defaults for nil fields.
type TuningConfig struct {
	Brain     BrainTuning     `json:"brain"`
	Recorder  RecorderTuning  `json:"recorder"`
	Processor ProcessorTuning `json:"processor"`
}

// EmptyTuningConfig returns a TuningConfig with all fields nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the JSON file retain their default values via the Get* accessors,
// so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	data, err := security.ReadConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and a few parent
// directories (tests run from package directories several levels below
// the repository root). Panics if the file cannot be loaded; intended
// for tests and for the engine binary's startup path, which has already
// validated config availability.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that any set configuration values are sane.
func (c *TuningConfig) Validate() error {
	if c.Brain.SpeedReqKmh != nil && *c.Brain.SpeedReqKmh <= 0 {
		return fmt.Errorf("brain.speed_req_kmh must be positive, got %f", *c.Brain.SpeedReqKmh)
	}
	if c.Brain.MinimumRequiredN != nil && c.Brain.MaximumRequiredN != nil &&
		*c.Brain.MinimumRequiredN > *c.Brain.MaximumRequiredN {
		return fmt.Errorf("brain.minimum_required_n (%d) must not exceed brain.maximum_required_n (%d)",
			*c.Brain.MinimumRequiredN, *c.Brain.MaximumRequiredN)
	}
	for name, s := range map[string]*string{
		"recorder.sleep_after_stationary_duration": c.Recorder.SleepAfterStationaryDuration,
		"recorder.sleep_cycle_duration":             c.Recorder.SleepCycleDuration,
		"processor.keeper_boundary":                 c.Processor.KeeperBoundary,
		"processor.duration_between":                c.Processor.DurationBetween,
		"processor.hard_delete_sweep_age":            c.Processor.HardDeleteSweepAge,
	} {
		if s != nil {
			if _, err := time.ParseDuration(*s); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *s, err)
			}
		}
	}
	return nil
}

func durationOr(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

func floatOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// Brain tuning accessors. Defaults match production values.

func (c *TuningConfig) GetWorstAllowedLocationAccuracy() float64 {
	return floatOr(c.Brain.WorstAllowedLocationAccuracy, 300)
}
func (c *TuningConfig) GetWorstAllowedPastSampleRadius() float64 {
	return floatOr(c.Brain.WorstAllowedPastSampleRadius, 65)
}
func (c *TuningConfig) GetMaximumSampleAge() time.Duration {
	return time.Duration(floatOr(c.Brain.MaximumSampleAgeSeconds, 60) * float64(time.Second))
}
func (c *TuningConfig) GetMinimumRequiredN(sleepWakeup bool) int {
	if sleepWakeup {
		return intOr(c.Brain.MinimumRequiredNSleepWakeup, 8)
	}
	return intOr(c.Brain.MinimumRequiredN, 5)
}
func (c *TuningConfig) GetMaximumRequiredN() int {
	return intOr(c.Brain.MaximumRequiredN, 60)
}
func (c *TuningConfig) GetMinimumConfidenceN(wakeup bool) int {
	if wakeup {
		return intOr(c.Brain.MinimumConfidenceNWakeup, 7)
	}
	return intOr(c.Brain.MinimumConfidenceN, 5)
}
func (c *TuningConfig) GetMaxSpeedReq() float64 {
	return floatOr(c.Brain.MaxSpeedReq, 7)
}
func (c *TuningConfig) GetSpeedReqKmh() float64 {
	return floatOr(c.Brain.SpeedReqKmh, 6)
}
func (c *TuningConfig) GetSpeedSampleN() int {
	return intOr(c.Brain.SpeedSampleN, 4)
}

// Recorder tuning accessors. Defaults match production values.

func (c *TuningConfig) GetSamplesPerMinute() int {
	return intOr(c.Recorder.SamplesPerMinute, 10)
}
func (c *TuningConfig) GetSleepAfterStationaryDuration() time.Duration {
	return durationOr(c.Recorder.SleepAfterStationaryDuration, 180*time.Second)
}
func (c *TuningConfig) GetSleepCycleDuration() time.Duration {
	return durationOr(c.Recorder.SleepCycleDuration, 60*time.Second)
}
func (c *TuningConfig) GetUseLowPowerSleepModeWhileStationary() bool {
	return boolOr(c.Recorder.UseLowPowerSleepModeWhileStationary, true)
}
func (c *TuningConfig) GetIgnoreNoLocationDataDuringWakeups() bool {
	return boolOr(c.Recorder.IgnoreNoLocationDataDuringWakeups, true)
}
func (c *TuningConfig) GetMaximumModeShiftSpeed() float64 {
	return floatOr(c.Recorder.MaximumModeShiftSpeed, 2.0/3.6) // ~2 km/h, in m/s
}

// Processor tuning accessors. Defaults match production values.

func (c *TuningConfig) GetMaximumItemsInProcessingLoop() int {
	return intOr(c.Processor.MaximumItemsInProcessingLoop, 21)
}
func (c *TuningConfig) GetMaximumPotentialMergesInProcessingLoop() int {
	return intOr(c.Processor.MaximumPotentialMergesInProcessingLoop, 10)
}
func (c *TuningConfig) GetKeeperBoundary() time.Duration {
	return durationOr(c.Processor.KeeperBoundary, 30*time.Minute)
}
func (c *TuningConfig) GetDurationBetween() time.Duration {
	return durationOr(c.Processor.DurationBetween, 2*time.Minute)
}
func (c *TuningConfig) GetEdgeCleanseMaxIterations() int {
	return intOr(c.Processor.EdgeCleanseMaxIterations, 30)
}
func (c *TuningConfig) GetHardDeleteSweepAge() time.Duration {
	return durationOr(c.Processor.HardDeleteSweepAge, time.Hour)
}
