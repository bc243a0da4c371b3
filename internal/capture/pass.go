// Package capture replays a jam session once per selected track with
// all other tracks muted, recording each pass to an isolated stem.
// A pass walks a fixed state machine; the queue keeps going when a
// single pass fails but stops dead on persistence errors.
package capture

// State is the lifecycle position of a capture pass.
type State string

const (
	StateIdle                   State = "IDLE"
	StateArmingMute             State = "ARMING_MUTE"
	StateAwaitingTransportStart State = "AWAITING_TRANSPORT_START"
	StateRecording              State = "RECORDING"
	StateTailDrain              State = "TAIL_DRAIN"
	StateFinalizing             State = "FINALIZING"
	StateComplete               State = "COMPLETE"
	StateAborted                State = "ABORTED"
)

// Terminal reports whether a pass can leave this state.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}
