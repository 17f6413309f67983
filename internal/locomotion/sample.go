// Package locomotion defines the LocomotionSample: the immutable record
// materialised once per recorder tick and subsequently owned by exactly
// one timeline item.
package locomotion

import (
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/brain"
	"github.com/banshee-data/locomotion-timeline/internal/kalman"
)

// RecordingState mirrors the recorder's state machine value in effect
// when the sample was captured.
type RecordingState string

const (
	RecordingOff          RecordingState = "off"
	RecordingActive       RecordingState = "recording"
	RecordingSleeping     RecordingState = "sleeping"
	RecordingDeepSleeping RecordingState = "deepSleeping"
	RecordingWakeup       RecordingState = "wakeup"
	RecordingStandby      RecordingState = "standby"
)

// ClassifierResult is one labelled probability from an activity
// classifier (e.g. "walking": 0.82).
type ClassifierResult struct {
	ActivityType string
	Score        float64
}

// Sample is an immutable snapshot of the brain's present window at one
// recorder tick, plus the raw/filtered member locations it was built
// from. Once created it belongs to exactly one TimelineItem, tracked by
// TimelineItemID; a nil TimelineItemID means "not yet parented".
type Sample struct {
	ID   string
	Date time.Time

	SmoothedLat, SmoothedLon float64

	RawMembers      []kalman.RawFix
	FilteredMembers []kalman.FilteredLocation

	MovingState    brain.MovingState
	RecordingState RecordingState

	StepHz          *float64
	CourseVariance  *float64
	XYAcceleration  *float64
	ZAcceleration   *float64

	ClassifierResults []ClassifierResult
	ConfirmedType     *string
	ClassifiedType    *string

	LocalTimezoneOffsetSeconds int

	TimelineItemID *string
	Disabled       bool
}

// IsDataGapMember reports whether this sample's recording state marks it
// as a synthetic data-gap edge.
func (s Sample) IsDataGapMember() bool {
	return s.RecordingState == RecordingOff
}
