package capture

import (
	"errors"
	"fmt"
)

// DiagnosticKind classifies capture failures by how the run reacts
// to them.
type DiagnosticKind string

const (
	// DiagDeviceUnavailable aborts the current pass; the queue moves
	// on to the next track.
	DiagDeviceUnavailable DiagnosticKind = "device_unavailable"

	// DiagTransportTimeout means the start echo never arrived. The
	// pass continues with alignment derived from the send time.
	DiagTransportTimeout DiagnosticKind = "transport_timeout"

	// DiagReplayInterrupted is an operator cancellation.
	DiagReplayInterrupted DiagnosticKind = "replay_interrupted"

	// DiagWriteFailure stops the whole run; nothing can be trusted to
	// persist after the disk misbehaves.
	DiagWriteFailure DiagnosticKind = "write_failure"

	// DiagMalformedLog stops the run before any pass is attempted.
	DiagMalformedLog DiagnosticKind = "malformed_log"
)

// Fatal reports whether this kind ends the whole run rather than a
// single pass.
func (k DiagnosticKind) Fatal() bool {
	switch k {
	case DiagWriteFailure, DiagMalformedLog, DiagReplayInterrupted:
		return true
	}
	return false
}

// Diagnostic is a classified capture failure. Track is 0 when the
// failure is not tied to one pass.
type Diagnostic struct {
	Kind  DiagnosticKind
	Track int
	Err   error
}

func (d *Diagnostic) Error() string {
	if d.Track > 0 {
		return fmt.Sprintf("%s (track %d): %v", d.Kind, d.Track, d.Err)
	}
	return fmt.Sprintf("%s: %v", d.Kind, d.Err)
}

func (d *Diagnostic) Unwrap() error {
	return d.Err
}

// AsDiagnostic extracts a Diagnostic from an error chain.
func AsDiagnostic(err error) (*Diagnostic, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
