package timeline

import (
	"testing"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/geo"
	"github.com/banshee-data/locomotion-timeline/internal/kalman"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(t time.Time, lat, lon float64) *locomotion.Sample {
	return &locomotion.Sample{
		ID:              t.Format(time.RFC3339Nano),
		Date:            t,
		FilteredMembers: []kalman.FilteredLocation{{Timestamp: float64(t.Unix()), Lat: lat, Lon: lon}},
	}
}

func TestItem_AddSortsAndReparentsSamples(t *testing.T) {
	v := NewVisit("v1", "device")
	base := time.Now()
	s2 := sampleAt(base.Add(2*time.Second), 1, 1)
	s1 := sampleAt(base.Add(1*time.Second), 1, 1)
	v.Add(s2, s1)

	require.Len(t, v.Samples, 2)
	assert.Equal(t, s1, v.Samples[0])
	assert.Equal(t, s2, v.Samples[1])
	assert.Equal(t, "v1", *s1.TimelineItemID)
}

func TestItem_VisitIsValidAndKeeper(t *testing.T) {
	v := NewVisit("v1", "device")
	base := time.Now()
	v.Add(sampleAt(base, 1, 1))
	nextStart := base.Add(150 * time.Second)

	assert.True(t, v.IsValid(nextStart))
	assert.True(t, v.IsWorthKeeping(nextStart))

	short := NewVisit("v2", "device")
	short.Add(sampleAt(base, 1, 1))
	assert.False(t, short.IsValid(base.Add(5*time.Second)))
}

func TestItem_VisitContainsClampsRadius(t *testing.T) {
	v := NewVisit("v1", "device")
	base := time.Now()
	for i := 0; i < 5; i++ {
		v.Add(sampleAt(base.Add(time.Duration(i)*time.Second), 51.5, -0.12))
	}
	assert.True(t, v.Contains(geo.Point{Lat: 51.5, Lon: -0.12}, 0))
}

func TestItem_PathDistanceSumsInterSampleGaps(t *testing.T) {
	p := NewPath("p1", "device")
	base := time.Now()
	p.Add(sampleAt(base, 0, 0))
	p.Add(sampleAt(base.Add(time.Second), 0, 1))
	assert.Greater(t, p.Distance(), 0.0)
}

func TestItem_DeleteRefusesNonEmptyItem(t *testing.T) {
	v := NewVisit("v1", "device")
	v.Add(sampleAt(time.Now(), 1, 1))
	err := v.Delete("")
	assert.Error(t, err)
}

func TestItem_DeleteSucceedsWhenEmpty(t *testing.T) {
	v := NewVisit("v1", "device")
	require.NoError(t, v.Delete(""))
	assert.True(t, v.Deleted)
}

func TestItem_DisableMarksSamplesDisabled(t *testing.T) {
	v := NewVisit("v1", "device")
	s := sampleAt(time.Now(), 1, 1)
	v.Add(s)
	v.Disable()
	assert.True(t, s.Disabled)
	assert.Nil(t, v.NextItemID)
}
