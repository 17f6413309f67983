package ingest

import (
	"testing"

	"github.com/banshee-data/locomotion-timeline/internal/kalman"
)

type fakeReceiver struct {
	fixes []kalman.RawFix
}

func (f *fakeReceiver) Add(raw kalman.RawFix, trustFactor float64) {
	f.fixes = append(f.fixes, raw)
}

func TestIngestor_PairsGGAAndRMCIntoRawFix(t *testing.T) {
	recv := &fakeReceiver{}
	ing := New(recv)

	ing.Feed("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	ing.Feed("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")

	if len(recv.fixes) != 1 {
		t.Fatalf("got %d fixes, want 1", len(recv.fixes))
	}
	fix := recv.fixes[0]
	if fix.Altitude != 545.4 {
		t.Errorf("Altitude = %v, want 545.4", fix.Altitude)
	}
	if fix.Course != 84.4 {
		t.Errorf("Course = %v, want 84.4", fix.Course)
	}
	if fix.Speed <= 0 {
		t.Errorf("Speed = %v, want positive m/s", fix.Speed)
	}
}

func TestIngestor_RMCWithoutGGADoesNotEmit(t *testing.T) {
	recv := &fakeReceiver{}
	ing := New(recv)

	ing.Feed("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")

	if len(recv.fixes) != 0 {
		t.Fatalf("got %d fixes, want 0 without a matching GGA", len(recv.fixes))
	}
}

func TestIngestor_VoidRMCDoesNotEmit(t *testing.T) {
	recv := &fakeReceiver{}
	ing := New(recv)

	ing.Feed("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	// status 'V' = void/warning, checksum recalculated for the edited field
	ing.Feed("$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*7D")

	if len(recv.fixes) != 0 {
		t.Fatalf("got %d fixes, want 0 for a void fix", len(recv.fixes))
	}
}

func TestIngestor_MalformedLineIsIgnoredNotFatal(t *testing.T) {
	recv := &fakeReceiver{}
	ing := New(recv)

	ing.Feed("$GPGGA,garbage*00")
	ing.Feed("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	ing.Feed("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")

	if len(recv.fixes) != 1 {
		t.Fatalf("got %d fixes, want 1 (malformed line should be skipped, not fatal)", len(recv.fixes))
	}
}
