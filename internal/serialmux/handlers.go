package serialmux

import (
	"log"
)

// CurrentState holds the latest PMTK acknowledgement values received from
// the device and is intentionally package-level so admin routes or tests
// can inspect it.
var CurrentState map[string]string

// HandleAck records a PMTK acknowledgement line (e.g. "$PMTK001,314,3*36"
// acking the GGA/RMC output-restriction command sent by Initialize).
func HandleAck(payload string) error {
	if CurrentState == nil {
		CurrentState = make(map[string]string)
	}
	CurrentState["last_ack"] = payload
	log.Printf("serialmux: ack line: %s", payload)
	return nil
}

// HandleEvent classifies and logs one line from the serial device.
// Location fixes are intentionally not handled here: internal/ingest
// subscribes to the same SerialMux independently and owns turning
// GGA/RMC lines into brain fixes, so this only needs to track
// non-location diagnostic traffic.
func HandleEvent(payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeAck:
		return HandleAck(payload)
	case EventTypeLocationFix:
		// handled by internal/ingest's own subscriber
	default:
		log.Printf("serialmux: unrecognized line: %s", payload)
	}
	return nil
}
