package brain

import (
	"math"

	"github.com/banshee-data/locomotion-timeline/internal/geo"
	"github.com/banshee-data/locomotion-timeline/internal/kalman"
)

// Tuning holds the ActivityBrain's tunable thresholds. Config loading and
// defaults live in internal/config; this struct is the runtime-facing
// shape the brain actually reads.
type Tuning struct {
	WorstAllowedLocationAccuracy float64
	WorstAllowedPastSampleRadius float64
	MaximumSampleAgeSeconds      float64
	MinimumRequiredN             int
	MinimumRequiredNSleepWakeup  int
	MaximumRequiredN             int
	MinimumConfidenceN           int
	MinimumConfidenceNWakeup     int
	MaxSpeedReq                  float64
	SpeedReqKmh                  float64
}

// DefaultTuning returns the brain's default thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		WorstAllowedLocationAccuracy: 300,
		WorstAllowedPastSampleRadius: 65,
		MaximumSampleAgeSeconds:      60,
		MinimumRequiredN:             5,
		MinimumRequiredNSleepWakeup:  8,
		MaximumRequiredN:             60,
		MinimumConfidenceN:           5,
		MinimumConfidenceNWakeup:     7,
		MaxSpeedReq:                  7,
		SpeedReqKmh:                  6,
	}
}

// ActivityBrain is the moving/stationary/uncertain decision engine. It
// owns a present window (recently ingested fixes) and a past window
// (older fixes trimmed out of present), and two Kalman coordinate
// filters that smooth the incoming raw fix stream.
//
// Not safe for concurrent use: the recorder drives it from a single
// logical task, per the cooperative scheduling model.
type ActivityBrain struct {
	tuning Tuning

	present *BrainSample
	past    *BrainSample

	pastFrozen           bool
	stationaryPeriodStart *float64
	processHistorical    bool

	coords *kalman.CoordinateFilter
	alt    *kalman.Filter

	lastTimestamp float64
	havePrior     bool
	priorLat      float64
	priorLon      float64
	priorAlt      float64

	// awaitingSleepWakeup is set by callers (the recorder) when the
	// brain is being asked to reach confidence faster, e.g. right after
	// a scheduled wakeup; it selects the *SleepWakeup/*Wakeup tuning
	// variants for RequiredN/MinimumConfidenceN.
	awaitingSleepWakeup bool
}

// New returns an ActivityBrain configured with tuning.
func New(tuning Tuning) *ActivityBrain {
	return &ActivityBrain{
		tuning:  tuning,
		present: NewBrainSample(),
		past:    NewBrainSample(),
		coords:  kalman.NewCoordinateFilter(),
		alt:     kalman.NewFilter(kalman.AltitudeProcessNoise),
	}
}

// Present returns the present-window sample.
func (b *ActivityBrain) Present() *BrainSample { return b.present }

// Past returns the past-window sample.
func (b *ActivityBrain) Past() *BrainSample { return b.past }

// PastFrozen reports whether the brain is in a frozen state (post-sleep,
// awaiting enough confidence to resume trimming into past).
func (b *ActivityBrain) PastFrozen() bool { return b.pastFrozen }

// StationaryPeriodStart returns the timestamp the current stationary run
// began, or nil if the brain isn't presently judging itself stationary.
func (b *ActivityBrain) StationaryPeriodStart() *float64 { return b.stationaryPeriodStart }

// SetProcessHistorical toggles historical-replay mode, which disables
// the present-sample age rejection and age-based trim rule (used when
// reprocessing archived fixes rather than live ingestion).
func (b *ActivityBrain) SetProcessHistorical(v bool) { b.processHistorical = v }

// SetAwaitingSleepWakeup selects the wakeup-tuned required-N/confidence-N
// thresholds, used by the recorder while it is in the wakeup state.
func (b *ActivityBrain) SetAwaitingSleepWakeup(v bool) { b.awaitingSleepWakeup = v }

// Add ingests a raw fix. trustFactor in [0,1] downweights fixes from
// lower-trust sources (e.g. a coarse network-location fallback) by
// inflating both accuracies before filtering; pass 1 for full trust.
func (b *ActivityBrain) Add(raw kalman.RawFix, trustFactor float64) {
	b.present.AddRaw(raw)

	hAccuracy := raw.HAccuracy
	vAccuracy := raw.VAccuracy
	if trustFactor < 1 {
		inflate := 200 * (1 - trustFactor)
		hAccuracy += inflate
		vAccuracy += inflate
	}

	if !b.havePrior {
		b.priorLat, b.priorLon, b.priorAlt = raw.Lat, raw.Lon, raw.Altitude
		b.havePrior = true
	}

	smoothedLat, smoothedLon, filterAccuracy := b.coords.Update(raw.Timestamp, raw.Lat, raw.Lon, hAccuracy, b.priorLat, b.priorLon)
	b.alt.Update(raw.Timestamp, vAccuracy)
	smoothedAlt := b.alt.Predict(b.priorAlt, raw.Altitude)

	b.priorLat, b.priorLon, b.priorAlt = smoothedLat, smoothedLon, smoothedAlt

	loc := kalman.FilteredLocation{
		Timestamp: raw.Timestamp,
		Lat:       smoothedLat,
		Lon:       smoothedLon,
		Altitude:  smoothedAlt,
		HAccuracy: filterAccuracy,
		VAccuracy: b.alt.Accuracy(),
		Speed:     raw.Speed,
		Course:    raw.Course,
	}

	age := b.now() - loc.Timestamp
	if !b.processHistorical && age > b.tuning.MaximumSampleAgeSeconds {
		return
	}
	if !kalman.IsUsableFix(raw) {
		return
	}
	b.present.AddFiltered(loc)
	b.lastTimestamp = loc.Timestamp
}

// now returns the timestamp Add/Update treat as "the present moment":
// the most recent ingested fix's timestamp. The brain has no wall-clock
// dependency of its own; callers that need wall-clock staleness checks
// (e.g. the recorder deciding whether a sample is too old to act on)
// compare against their own clock, not this value.
func (b *ActivityBrain) now() float64 {
	if last, ok := b.present.Latest(); ok {
		return last.Timestamp
	}
	return b.lastTimestamp
}

// Update runs one decision cycle: trims the present sample into past,
// recomputes derived values, reclassifies moving state, and manages
// freeze/unfreeze. Call after every Add, and periodically even without
// new fixes so age-based trimming still progresses.
func (b *ActivityBrain) Update() {
	b.trimThePresentSample()
	b.present.Recompute()

	if !b.pastFrozen {
		b.trimPast()
		b.past.Recompute()
	}

	presentAccuracy := -1.0
	if latest, ok := b.present.Latest(); ok {
		presentAccuracy = latest.HAccuracy
	}
	bound := math.Max(presentAccuracy, b.past.Radius())
	if !b.pastFrozen && bound > b.tuning.WorstAllowedPastSampleRadius {
		bound = b.tuning.WorstAllowedPastSampleRadius
	}
	b.past.SetRadiusBounded(bound)

	b.updateMoving()

	if b.pastFrozen && b.present.N() >= b.dynamicMinimumConfidenceN() {
		b.unfreeze()
	}
}

func (b *ActivityBrain) trimThePresentSample() {
	for {
		n := b.present.N()
		if n == 0 {
			return
		}
		requiredN := b.requiredN()

		overRequired := n > requiredN
		overAge := !b.processHistorical && b.present.Age(b.now()) > 60
		overPastRatio := !b.pastFrozen && n > b.past.N()+4

		if !overRequired && !overAge && !overPastRatio {
			return
		}

		oldest, ok := b.present.PopOldestFiltered()
		if !ok {
			return
		}
		if !b.pastFrozen {
			b.past.PushFiltered(oldest)
		}
	}
}

func (b *ActivityBrain) trimPast() {
	limit := b.present.N() * 2
	if limit < 2 {
		limit = 2
	}
	for b.past.N() > limit {
		if _, ok := b.past.PopOldestFiltered(); !ok {
			return
		}
	}
}

func (b *ActivityBrain) updateMoving() {
	n := b.present.N()
	if n == 0 {
		b.present.SetMovingState(Uncertain)
		return
	}

	presentAccuracy := -1.0
	if latest, ok := b.present.Latest(); ok {
		presentAccuracy = latest.HAccuracy
	}
	if presentAccuracy > b.tuning.WorstAllowedLocationAccuracy {
		b.present.SetMovingState(Uncertain)
		return
	}

	latest, _ := b.present.Latest()
	pastCenter := b.past.Center()
	distanceFromPast := geo.DistanceMeters(pastCenter, geo.Point{Lat: latest.Lat, Lon: latest.Lon})

	if distanceFromPast <= b.past.RadiusBounded() {
		b.present.SetMovingState(Stationary)
		if b.stationaryPeriodStart == nil {
			start := latest.Timestamp
			b.stationaryPeriodStart = &start
		}
		return
	}

	b.stationaryPeriodStart = nil
	if n >= b.dynamicMinimumConfidenceN() {
		b.present.SetMovingState(Moving)
		return
	}
	b.present.SetMovingState(Uncertain)
}

// Freeze flushes the present sample, clears stationary tracking, and
// resets both Kalman filters' variance to the worst-allowed-accuracy
// floor, so the next fix after a sleep period doesn't inherit an
// overconfident pre-sleep variance.
func (b *ActivityBrain) Freeze() {
	b.pastFrozen = true
	b.stationaryPeriodStart = nil
	b.present.Flush()

	floor := b.tuning.WorstAllowedLocationAccuracy
	b.coords.ResetVarianceTo(floor)
	b.alt.ResetVarianceTo(floor)
}

func (b *ActivityBrain) unfreeze() {
	b.pastFrozen = false
}

// MovingState returns the present sample's current classification.
func (b *ActivityBrain) MovingState() MovingState { return b.present.MovingState() }

func (b *ActivityBrain) dynamicMinimumConfidenceN() int {
	if b.awaitingSleepWakeup {
		return b.tuning.MinimumConfidenceNWakeup
	}
	return b.tuning.MinimumConfidenceN
}

func (b *ActivityBrain) dynamicMinimumRequiredN() int {
	if b.awaitingSleepWakeup {
		return b.tuning.MinimumRequiredNSleepWakeup
	}
	return b.tuning.MinimumRequiredN
}

// requiredN computes the dynamic sample-count target the present window
// trims toward: clamp(kalmanN + speedN, [minimumRequiredN, maximumRequiredN]).
func (b *ActivityBrain) requiredN() int {
	accuracy := b.coords.Lat.Accuracy()
	if other := b.coords.Lon.Accuracy(); other > accuracy {
		accuracy = other
	}

	var kalmanN float64
	if accuracy <= 0 {
		kalmanN = 30
	} else {
		kalmanN = accuracy * 0.8
	}

	kmh := b.presentSpeedKmh()
	var speedN float64
	if kmh < 0 {
		speedN = b.tuning.MaxSpeedReq
	} else {
		speedN = b.tuning.MaxSpeedReq - kmh*(b.tuning.MaxSpeedReq/b.tuning.SpeedReqKmh)
		speedN = clampF(speedN, 0, b.tuning.MaxSpeedReq)
	}

	n := int(kalmanN + speedN)
	return clampI(n, b.dynamicMinimumRequiredN(), b.tuning.MaximumRequiredN)
}

func (b *ActivityBrain) presentSpeedKmh() float64 {
	speed := b.present.Speed()
	if speed < 0 {
		return -1
	}
	return speed * 3.6
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
