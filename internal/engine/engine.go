// Package engine wires the brain, recorder, processor, and store
// together into the single cooperative loop the engine binary drives:
// tick the recorder on a cadence, persist whatever it produced, and
// periodically run the processor over recently-touched items.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/locomotion-timeline/internal/brain"
	"github.com/banshee-data/locomotion-timeline/internal/config"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/banshee-data/locomotion-timeline/internal/monitoring"
	"github.com/banshee-data/locomotion-timeline/internal/notify"
	"github.com/banshee-data/locomotion-timeline/internal/recorder"
	"github.com/banshee-data/locomotion-timeline/internal/timeline"
	"github.com/banshee-data/locomotion-timeline/internal/timeutil"
)

// Engine owns the recorder's single logical task: it is the ItemSink
// the recorder hands items to, and the driver of the periodic
// processor sweep. Not safe for concurrent use outside of Run.
type Engine struct {
	store timeline.Store
	bus   *notify.Bus

	Brain     *brain.ActivityBrain
	recorder  *recorder.Recorder
	processor *timeline.Processor
	tuning    *config.TuningConfig

	// OnSample, if set, is called after every recorder tick with the
	// sample it produced. The dashboard uses this to build its history
	// without the engine depending on the dashboard package.
	OnSample func(sample *locomotion.Sample)

	// Clock drives Run's tickers. Defaults to timeutil.RealClock{}; tests
	// substitute a timeutil.MockClock for deterministic tick control.
	Clock timeutil.Clock

	mu          sync.Mutex
	currentItem *timeline.Item
	source      string
}

// New builds an Engine from a loaded tuning config, a Store
// implementation, and a notification bus. source identifies the device
// this engine instance records for (this package's multi-source model).
func New(tuning *config.TuningConfig, store timeline.Store, bus *notify.Bus, source string) *Engine {
	b := brain.New(brainTuning(tuning))
	e := &Engine{store: store, bus: bus, Brain: b, tuning: tuning, source: source, Clock: timeutil.RealClock{}}
	e.recorder = recorder.New(recorderTuning(tuning), b, uuid.NewString, e, source)
	e.processor = timeline.NewProcessor(store, processorTuning(tuning))
	return e
}

func brainTuning(c *config.TuningConfig) brain.Tuning {
	return brain.Tuning{
		WorstAllowedLocationAccuracy: c.GetWorstAllowedLocationAccuracy(),
		WorstAllowedPastSampleRadius: c.GetWorstAllowedPastSampleRadius(),
		MaximumSampleAgeSeconds:      c.GetMaximumSampleAge().Seconds(),
		MinimumRequiredN:             c.GetMinimumRequiredN(false),
		MinimumRequiredNSleepWakeup:  c.GetMinimumRequiredN(true),
		MaximumRequiredN:             c.GetMaximumRequiredN(),
		MinimumConfidenceN:           c.GetMinimumConfidenceN(false),
		MinimumConfidenceNWakeup:     c.GetMinimumConfidenceN(true),
		MaxSpeedReq:                  c.GetMaxSpeedReq(),
		SpeedReqKmh:                  c.GetSpeedReqKmh(),
	}
}

func recorderTuning(c *config.TuningConfig) recorder.Tuning {
	return recorder.Tuning{
		SamplesPerMinute:                    c.GetSamplesPerMinute(),
		SleepAfterStationaryDuration:        c.GetSleepAfterStationaryDuration(),
		SleepCycleDuration:                  c.GetSleepCycleDuration(),
		UseLowPowerSleepModeWhileStationary: c.GetUseLowPowerSleepModeWhileStationary(),
		IgnoreNoLocationDataDuringWakeups:   c.GetIgnoreNoLocationDataDuringWakeups(),
		MaximumModeShiftSpeed:               c.GetMaximumModeShiftSpeed(),
	}
}

func processorTuning(c *config.TuningConfig) timeline.ProcessorTuning {
	return timeline.ProcessorTuning{
		MaximumItemsInProcessingLoop:           c.GetMaximumItemsInProcessingLoop(),
		MaximumPotentialMergesInProcessingLoop: c.GetMaximumPotentialMergesInProcessingLoop(),
		KeeperBoundary:                         c.GetKeeperBoundary(),
		DurationBetween:                        c.GetDurationBetween(),
		EdgeCleanseMaxIterations:                c.GetEdgeCleanseMaxIterations(),
		HardDeleteSweepAge:                      c.GetHardDeleteSweepAge(),
	}
}

// CurrentItem implements recorder.ItemSink.
func (e *Engine) CurrentItem() *timeline.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentItem
}

// SetCurrentItem implements recorder.ItemSink: it persists the outgoing
// item (if any), adopts the new one, and publishes the transition.
func (e *Engine) SetCurrentItem(it *timeline.Item) {
	e.mu.Lock()
	previous := e.currentItem
	e.currentItem = it
	e.mu.Unlock()

	ctx := context.Background()
	toSave := []*timeline.Item{it}
	if previous != nil {
		toSave = append(toSave, previous)
	}
	if err := e.store.Upsert(ctx, toSave...); err != nil {
		monitoring.Logf("engine: failed to persist item transition: %v", err)
	}
	if it != nil {
		e.processor.SetCurrentItemID(it.ID)
		e.bus.Publish(notify.TopicNewTimelineItem, it.ID)
	}
	e.bus.Publish(notify.TopicCurrentItemChanged, itemID(it))
}

// AppendSample implements recorder.ItemSink.
func (e *Engine) AppendSample(item *timeline.Item, sample *locomotion.Sample) {
	item.Add(sample)
	ctx := context.Background()
	if err := e.store.UpsertSamples(ctx, sample); err != nil {
		monitoring.Logf("engine: failed to persist sample: %v", err)
	}
	if err := e.store.Upsert(ctx, item); err != nil {
		monitoring.Logf("engine: failed to persist item: %v", err)
	}
	e.bus.Publish(notify.TopicLocomotionSampleUpdated, sample.ID)
	e.bus.Publish(notify.TopicUpdatedTimelineItem, item.ID)
}

func itemID(it *timeline.Item) string {
	if it == nil {
		return ""
	}
	return it.ID
}

// Start transitions Off -> Recording, publishing the state change.
func (e *Engine) Start(now time.Time) {
	e.recorder.StartRecording(now)
	e.bus.Publish(notify.TopicRecordingStateChanged, string(e.recorder.State()))
}

// Run drives the recorder's sampling cadence and the processor's
// periodic sweep until ctx is cancelled. The two run on independent
// tickers: sampling happens far more often than healing/pruning needs
// to.
func (e *Engine) Run(ctx context.Context, processEvery time.Duration) error {
	sampleTicker := e.Clock.NewTicker(e.recorder.SampleInterval())
	defer sampleTicker.Stop()
	processTicker := e.Clock.NewTicker(processEvery)
	defer processTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-sampleTicker.C():
			lastState := e.recorder.State()
			lastMoving := e.Brain.MovingState()
			sample := e.recorder.Tick(now)
			e.publishStateTransition(lastState, e.recorder.State())
			if moving := e.Brain.MovingState(); moving != lastMoving {
				e.bus.Publish(notify.TopicMovingStateChanged, string(moving))
			}
			if e.OnSample != nil {
				e.OnSample(sample)
			}
		case <-processTicker.C():
			if err := e.runProcessingPass(ctx); err != nil {
				monitoring.Logf("engine: processing pass failed: %v", err)
			}
		}
	}
}

func (e *Engine) publishStateTransition(from, to recorder.State) {
	if from == to {
		return
	}
	e.bus.Publish(notify.TopicRecordingStateChanged, string(to))
	switch to {
	case recorder.Sleeping:
		e.bus.Publish(notify.TopicWillStartSleepMode, "")
		e.bus.Publish(notify.TopicDidStartSleepMode, "")
		e.bus.Publish(notify.TopicWentToSleepMode, "")
	case recorder.Recording:
		if from == recorder.Sleeping || from == recorder.Wakeup {
			e.bus.Publish(notify.TopicWentToRecording, "")
		}
	}
}

// runProcessingPass heals/merges/prunes the current item's recent
// neighbourhood, then sweeps hard-deletable tombstones.
func (e *Engine) runProcessingPass(ctx context.Context) error {
	current := e.CurrentItem()
	if current == nil {
		return nil
	}
	if err := e.processor.ProcessFrom(ctx, current.ID); err != nil {
		return err
	}
	if _, err := e.store.HardDeleteSweep(ctx, e.tuning.GetHardDeleteSweepAge()); err != nil {
		return err
	}
	return nil
}
