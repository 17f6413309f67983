package kalman

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_FirstUpdateSeedsVariance(t *testing.T) {
	f := NewFilter(CoordinateProcessNoise)
	require.False(t, f.Initialized())

	gain := f.Update(100, 10)
	require.True(t, f.Initialized())
	assert.Equal(t, 10.0, f.Accuracy())
	assert.Equal(t, 1.0, gain, "gain is irrelevant on the first sample but defaults to 1")
}

func TestFilter_AccuracyShrinksWithRepeatedGoodMeasurements(t *testing.T) {
	f := NewFilter(CoordinateProcessNoise)
	f.Update(0, 20)
	prior := f.Accuracy()

	for i := 1; i <= 5; i++ {
		f.Update(float64(i), 5)
		next := f.Accuracy()
		assert.LessOrEqual(t, next, prior+1e-9)
		prior = next
	}
}

func TestFilter_PredictBlendsTowardMeasurement(t *testing.T) {
	f := NewFilter(CoordinateProcessNoise)
	f.Update(0, 10) // seed
	f.Update(1, 10)
	got := f.Predict(0, 100)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 100.0)
}

func TestFilter_ResetVarianceTo(t *testing.T) {
	f := NewFilter(CoordinateProcessNoise)
	f.Update(0, 10)
	f.ResetVarianceTo(300)
	assert.InDelta(t, 300.0, f.Accuracy(), 1e-9)
}

func TestFilter_ZeroOrNegativeDtDoesNotInflateVariance(t *testing.T) {
	f := NewFilter(CoordinateProcessNoise)
	f.Update(10, 20)
	beforeVariance := f.Accuracy()
	f.Update(10, 5) // same timestamp: dt == 0
	assert.LessOrEqual(t, f.Accuracy(), beforeVariance)
}

func TestCoordinateFilter_UpdateReturnsBoundedSmoothedCoordinate(t *testing.T) {
	c := NewCoordinateFilter()
	lat, lon, acc := c.Update(0, 1.0, 2.0, 10, 0, 0)
	assert.Greater(t, lat, 0.0)
	assert.Greater(t, lon, 0.0)
	assert.Greater(t, acc, 0.0)
}

func TestIsUsableFix(t *testing.T) {
	tests := []struct {
		name string
		fix  RawFix
		want bool
	}{
		{"good fix", RawFix{Lat: 1, Lon: 1, HAccuracy: 10}, true},
		{"negative accuracy", RawFix{Lat: 1, Lon: 1, HAccuracy: -1}, false},
		{"zero-zero coordinate", RawFix{Lat: 0, Lon: 0, HAccuracy: 10}, false},
		{"zero accuracy is usable", RawFix{Lat: 1, Lon: 1, HAccuracy: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUsableFix(tt.fix))
		})
	}
}

func TestFilter_AccuracyIsSqrtOfVariance(t *testing.T) {
	f := NewFilter(AltitudeProcessNoise)
	f.Update(0, 9)
	assert.InDelta(t, 9.0, f.Accuracy(), 1e-9)
	assert.InDelta(t, math.Sqrt(81), f.Accuracy(), 1e-9)
}
