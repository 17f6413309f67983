package serialmux

import "strings"

const (
	// EventTypeLocationFix marks a line as an NMEA-0183 sentence
	// ($GPGGA/$GPRMC/etc) carrying position data. internal/ingest
	// subscribes to the same line stream directly and is the intended
	// consumer for these; HandleEvent only logs them.
	EventTypeLocationFix = "location_fix"
	// EventTypeAck marks a PMTK acknowledgement of a command sent by
	// SerialMux.Initialize/SendCommand.
	EventTypeAck     = "ack"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects a payload string and returns a simple event type
// token. The classification is intentionally conservative: a line that
// doesn't match a known prefix is EventTypeUnknown rather than guessed at.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	switch {
	case strings.HasPrefix(payload, "$GPGGA") || strings.HasPrefix(payload, "$GPRMC") ||
		strings.HasPrefix(payload, "$GNGGA") || strings.HasPrefix(payload, "$GNRMC"):
		return EventTypeLocationFix
	case strings.HasPrefix(payload, "$PMTK"):
		return EventTypeAck
	default:
		return EventTypeUnknown
	}
}
