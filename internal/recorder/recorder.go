// Package recorder implements the TimelineRecorder state machine: it
// ticks the ActivityBrain on a cadence, materialises LocomotionSamples,
// and decides how those samples attach to (or start) TimelineItems.
package recorder

import (
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/brain"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/banshee-data/locomotion-timeline/internal/timeline"
)

// State is one of the recorder's six lifecycle states.
type State string

const (
	Off          State = "off"
	Recording    State = "recording"
	Sleeping     State = "sleeping"
	DeepSleeping State = "deepSleeping"
	Wakeup       State = "wakeup"
	Standby      State = "standby"
)

// Tuning holds the recorder's tunable thresholds.
type Tuning struct {
	SamplesPerMinute                     int
	SleepAfterStationaryDuration         time.Duration
	SleepCycleDuration                   time.Duration
	UseLowPowerSleepModeWhileStationary  bool
	IgnoreNoLocationDataDuringWakeups    bool
	MaximumModeShiftSpeed                float64
}

// DefaultTuning returns the recorder's default thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		SamplesPerMinute:                    10,
		SleepAfterStationaryDuration:        180 * time.Second,
		SleepCycleDuration:                  60 * time.Second,
		UseLowPowerSleepModeWhileStationary: true,
		IgnoreNoLocationDataDuringWakeups:   true,
		MaximumModeShiftSpeed:               0.5556,
	}
}

// IDFactory mints a new unique id (backed by google/uuid in production).
type IDFactory func() string

// ItemSink is how the recorder hands off newly created or appended-to
// items; the caller (engine wiring) is responsible for persisting them
// through the Store.
type ItemSink interface {
	CurrentItem() *timeline.Item
	SetCurrentItem(*timeline.Item)
	AppendSample(item *timeline.Item, sample *locomotion.Sample)
}

// Recorder drives the state machine. Not safe for concurrent use; it
// runs on the same single logical task as the brain.
type Recorder struct {
	tuning Tuning
	brain  *brain.ActivityBrain
	ids    IDFactory
	sink   ItemSink
	source string

	state          State
	lastSampleTime time.Time
	lastTickTime   time.Time
}

// New returns a Recorder in the Off state.
func New(tuning Tuning, b *brain.ActivityBrain, ids IDFactory, sink ItemSink, source string) *Recorder {
	return &Recorder{tuning: tuning, brain: b, ids: ids, sink: sink, source: source, state: Off}
}

// State returns the recorder's current lifecycle state.
func (r *Recorder) State() State { return r.state }

// SampleInterval is the cadence samples are built on: 60/samplesPerMinute.
func (r *Recorder) SampleInterval() time.Duration {
	if r.tuning.SamplesPerMinute <= 0 {
		return time.Minute
	}
	return time.Duration(60/float64(r.tuning.SamplesPerMinute)*1000) * time.Millisecond
}

// StartRecording transitions Off -> Recording, inserting a sleep-gap
// item first if the last item is stale.
func (r *Recorder) StartRecording(now time.Time) {
	if current := r.sink.CurrentItem(); current != nil {
		lastEnd := current.EndDate(time.Time{})
		if !current.IsDataGap && now.Sub(lastEnd) > r.tuning.SleepCycleDuration {
			gap := timeline.NewDataGapPath(r.ids(), r.source)
			gap.Add(
				&locomotion.Sample{ID: r.ids(), Date: lastEnd, RecordingState: locomotion.RecordingOff},
				&locomotion.Sample{ID: r.ids(), Date: now, RecordingState: locomotion.RecordingOff},
			)
			r.sink.SetCurrentItem(gap)
		}
	}
	r.state = Recording
}

// Tick runs one sampling cycle: builds a LocomotionSample from the
// brain's present window, persists it via the sink, and evaluates state
// transitions. Call this every SampleInterval.
func (r *Recorder) Tick(now time.Time) *locomotion.Sample {
	r.brain.Update()
	sample := r.buildSample(now)
	r.attachSample(sample)
	r.evaluateTransition(now)
	r.lastTickTime = now
	return sample
}

func (r *Recorder) buildSample(now time.Time) *locomotion.Sample {
	present := r.brain.Present()
	center := present.Center()

	var stepHz *float64
	if start, end, ok := present.TimeRange(); ok {
		if v := present.StepHz(start, end); v >= 0 {
			stepHz = &v
		}
	}

	return &locomotion.Sample{
		ID:                         r.ids(),
		Date:                       now,
		SmoothedLat:                center.Lat,
		SmoothedLon:                center.Lon,
		MovingState:                present.MovingState(),
		RecordingState:             recordingStateFor(r.state),
		StepHz:                     stepHz,
		LocalTimezoneOffsetSeconds: timezoneOffsetSeconds(now),
	}
}

func recordingStateFor(s State) locomotion.RecordingState {
	switch s {
	case Recording:
		return locomotion.RecordingActive
	case Sleeping:
		return locomotion.RecordingSleeping
	case DeepSleeping:
		return locomotion.RecordingDeepSleeping
	case Wakeup:
		return locomotion.RecordingWakeup
	case Standby:
		return locomotion.RecordingStandby
	default:
		return locomotion.RecordingOff
	}
}

func timezoneOffsetSeconds(t time.Time) int {
	_, offset := t.Zone()
	return offset
}

// attachSample implements the item-building decision table: given the
// new sample and the current item C, decide whether to
// append to C or start a new item.
func (r *Recorder) attachSample(sample *locomotion.Sample) {
	current := r.sink.CurrentItem()
	isMoving := sample.MovingState == brain.Moving

	switch {
	case current == nil:
		r.startNewItem(sample, isMoving)

	case current.IsDataGap:
		r.startNewItem(sample, isMoving)

	case current.Kind == timeline.KindVisit && isMoving:
		r.startNewItem(sample, true)

	case current.Kind == timeline.KindPath && !isMoving:
		r.startNewItem(sample, false)

	case current.Kind == timeline.KindPath && isMoving:
		if r.sameOrCompatibleActivity(current, sample) {
			r.sink.AppendSample(current, sample)
		} else {
			r.startNewItem(sample, true)
		}

	case current.Kind == timeline.KindVisit && !isMoving:
		r.sink.AppendSample(current, sample)
		if r.state == Sleeping || r.state == DeepSleeping {
			// Pruning is driven by the processor; the recorder only
			// flags that a stationary append happened during sleep.
		}
	}
}

func (r *Recorder) sameOrCompatibleActivity(current *timeline.Item, sample *locomotion.Sample) bool {
	currentType := current.ModeMovingActivityType
	if currentType == nil {
		return true
	}
	if sample.ClassifiedType != nil && *sample.ClassifiedType == *currentType {
		return true
	}
	// Different activity type: still append if both endpoint speeds sit
	// on the same side of the mode-shift threshold, the same gate
	// timeline.cleansePathPathEdge uses to decide whether two adjacent
	// paths are really one continuous mode of travel.
	currentSpeed := current.Speed(time.Time{})
	sampleSpeed := rawSpeedOf(sample)
	return (currentSpeed > r.tuning.MaximumModeShiftSpeed) == (sampleSpeed > r.tuning.MaximumModeShiftSpeed)
}

// rawSpeedOf returns the first reported raw speed on sample, or -1 if
// none of its members carry one.
func rawSpeedOf(sample *locomotion.Sample) float64 {
	for _, raw := range sample.RawMembers {
		if raw.Speed >= 0 {
			return raw.Speed
		}
	}
	return -1
}

func (r *Recorder) startNewItem(sample *locomotion.Sample, moving bool) {
	previous := r.sink.CurrentItem()
	var item *timeline.Item
	if moving {
		item = timeline.NewPath(r.ids(), r.source)
	} else {
		item = timeline.NewVisit(r.ids(), r.source)
	}
	if previous != nil {
		prevID := previous.ID
		item.PreviousItemID = &prevID
		itemID := item.ID
		previous.NextItemID = &itemID
	}
	item.Add(sample)
	r.sink.SetCurrentItem(item)
}

// RequestDeepSleep transitions Recording -> DeepSleeping, but only when
// the requested wake time is >= 15 minutes out. It checks nothing else:
// whether wake-up scheduling is available is not tested, and wakeAt is
// not stored or scheduled.
func (r *Recorder) RequestDeepSleep(now, wakeAt time.Time) bool {
	if r.state != Recording {
		return false
	}
	if wakeAt.Sub(now) < 15*time.Minute {
		return false
	}
	r.state = DeepSleeping
	r.brain.Freeze()
	return true
}

// evaluateTransition applies the recorder's state-transition rules,
// driven by the brain's moving-state classification.
func (r *Recorder) evaluateTransition(now time.Time) {
	switch r.state {
	case Recording:
		if r.brain.MovingState() == brain.Stationary {
			start := r.brain.StationaryPeriodStart()
			current := r.sink.CurrentItem()
			if start != nil && current != nil && current.Kind == timeline.KindVisit &&
				current.IsWorthKeeping(time.Time{}) {
				age := now.Sub(time.Unix(int64(*start), 0))
				if age >= r.tuning.SleepAfterStationaryDuration {
					r.state = Sleeping
					r.brain.Freeze()
				}
			}
		}

	case Sleeping:
		if r.lastTickTime.IsZero() || now.Sub(r.lastTickTime) >= r.tuning.SleepCycleDuration {
			r.state = Wakeup
		}

	case Wakeup:
		r.brain.SetAwaitingSleepWakeup(true)
		switch r.brain.MovingState() {
		case brain.Stationary:
			r.state = Sleeping
			r.brain.SetAwaitingSleepWakeup(false)
		case brain.Moving:
			r.state = Recording
			r.brain.SetAwaitingSleepWakeup(false)
		default:
			if r.brain.Present().N() == 0 && r.tuning.IgnoreNoLocationDataDuringWakeups {
				r.state = Sleeping
				r.brain.SetAwaitingSleepWakeup(false)
			}
			// else: stay in Wakeup, keep collecting.
		}
	}
}
