package ingest

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/kalman"
)

// FixReceiver is the subset of ActivityBrain that ingest needs; kept
// narrow so tests can supply a fake without constructing a real brain.
type FixReceiver interface {
	Add(raw kalman.RawFix, trustFactor float64)
}

// FullTrust is the trust factor passed for fixes with no reason to be
// downweighted (see ActivityBrain.Add).
const FullTrust = 1.0

// DefaultHAccuracy is used when an HDOP-derived horizontal accuracy
// can't be computed (GGA HDOP of zero, which some receivers emit
// before acquiring enough satellites for a real estimate).
const DefaultHAccuracy = 30.0

// hdopToMeters is a rough consumer-GPS horizontal-accuracy-per-HDOP
// conversion; real receivers vary, but ActivityBrain only needs an
// accuracy ordering, not a calibrated figure.
const hdopToMeters = 5.0

// Ingestor combines paired $--GGA/$--RMC sentences into RawFix values
// and feeds a FixReceiver. GGA carries altitude and HDOP; RMC carries
// speed and course and the calendar date; neither sentence alone has
// everything RawFix wants, so Ingestor holds the most recent GGA until
// an RMC with a matching time-of-day arrives.
type Ingestor struct {
	target FixReceiver

	pendingGGA  *GGA
	pendingDate time.Time
	haveDate    bool
}

// New constructs an Ingestor that feeds target.
func New(target FixReceiver) *Ingestor {
	return &Ingestor{target: target}
}

// Feed decodes one line and, once a GGA/RMC pair for the same
// time-of-day has been seen, calls target.Add. Malformed or
// checksum-failing lines are reject-and-log: Feed never returns an
// error for them, since a single bad sentence on a noisy serial link
// must not interrupt the stream.
func (ing *Ingestor) Feed(line string) {
	switch ClassifySentence(line) {
	case KindGGA:
		gga, err := ParseGGA(line)
		if err != nil {
			log.Printf("ingest: %v", err)
			return
		}
		ing.pendingGGA = gga

	case KindRMC:
		rmc, err := ParseRMC(line)
		if err != nil {
			log.Printf("ingest: %v", err)
			return
		}
		if rmc.HasDate {
			ing.pendingDate = rmc.Date
			ing.haveDate = true
		}
		ing.tryEmit(rmc)

	default:
		// not a sentence this package understands; ignore silently,
		// other subscribers on the same serialmux line may want it.
	}
}

// tryEmit pairs rmc with the most recent GGA sharing its time-of-day
// and, on a match, builds and delivers a RawFix.
func (ing *Ingestor) tryEmit(rmc *RMC) {
	if !rmc.Active {
		return
	}
	if ing.pendingGGA == nil || timeOfDayDelta(ing.pendingGGA.TimeOfDay, rmc.TimeOfDay) > time.Second {
		return
	}
	if !ing.haveDate {
		return
	}

	gga := ing.pendingGGA
	timestamp := ing.pendingDate.Add(rmc.TimeOfDay)

	raw := kalman.RawFix{
		Timestamp: float64(timestamp.Unix()) + timestamp.Sub(timestamp.Truncate(time.Second)).Seconds(),
		Lat:       gga.Lat,
		Lon:       gga.Lon,
		Altitude:  gga.AltitudeM,
		HAccuracy: hAccuracyFor(gga),
		VAccuracy: hAccuracyFor(gga) * 1.5,
		Speed:     knotsToMetersPerSecond(rmc.SpeedKnots),
		Course:    rmc.CourseDeg,
	}

	ing.target.Add(raw, FullTrust)
}

func hAccuracyFor(gga *GGA) float64 {
	if gga.HDOP <= 0 {
		return DefaultHAccuracy
	}
	return gga.HDOP * hdopToMeters
}

func knotsToMetersPerSecond(knots float64) float64 {
	const metersPerNauticalMile = 1852.0
	return knots * metersPerNauticalMile / 3600.0
}

func timeOfDayDelta(a, b time.Duration) time.Duration {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d
}

// Run reads lines from a serialmux-style subscriber channel until ctx
// is cancelled or the channel closes, feeding each one to Feed.
func Run(ctx context.Context, lines <-chan string, ing *Ingestor) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			ing.Feed(line)
		}
	}
}
