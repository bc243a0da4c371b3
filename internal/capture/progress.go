package capture

import (
	"github.com/audiolibrelab/stemcapture/internal/audio"
	"github.com/audiolibrelab/stemcapture/internal/session"
)

// ProgressKind labels an event on the progress channel.
type ProgressKind string

const (
	// ProgressPartReload is always the first event: the operator must
	// reload the part on the device so every track starts unmuted and
	// the mute transform works from a known state.
	ProgressPartReload ProgressKind = "part_reload_notice"

	ProgressPassStarted   ProgressKind = "pass_started"
	ProgressStateChanged  ProgressKind = "state_changed"
	ProgressLevels        ProgressKind = "levels"
	ProgressDegraded      ProgressKind = "degraded_alignment"
	ProgressPassCompleted ProgressKind = "pass_completed"
	ProgressPassFailed    ProgressKind = "pass_failed"
	ProgressRunCompleted  ProgressKind = "run_completed"
)

// Progress is one event on the capture progress channel. Fields are
// populated according to Kind; zero values mean "not applicable".
type Progress struct {
	Kind  ProgressKind
	Track int

	// Index counts passes from 1; Total is the queue length.
	Index int
	Total int

	State      State
	Confidence string
	Levels     audio.Levels
	Stem       *session.Stem
	Diagnostic *Diagnostic
	Message    string

	// Run summary, set on ProgressRunCompleted.
	Captured []int
	Failed   []int
}
