package octatrack

import (
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// Sender emits one MIDI message to the device.
type Sender func(gomidi.Message) error

// Controller drives the device's mute, transport, and pattern state
// through a MIDI sender. Methods block for the device settle delays in
// the configured Timing.
type Controller struct {
	send      Sender
	pcChannel uint8
	timing    Timing
}

// NewController wires a controller to a sender. pcChannel is the
// 1-based auto channel the device listens on for transport triggers
// and pattern changes.
func NewController(send Sender, pcChannel int, timing Timing) (*Controller, error) {
	if pcChannel < 1 || pcChannel > 16 {
		return nil, fmt.Errorf("pc channel %d out of range 1-16", pcChannel)
	}
	return &Controller{
		send:      send,
		pcChannel: uint8(pcChannel - 1),
		timing:    timing,
	}, nil
}

// MuteTrack mutes one track without waiting for a settle.
func (c *Controller) MuteTrack(track int) error {
	return c.setMute(track, MuteValue)
}

// UnmuteTrack unmutes one track without waiting for a settle.
func (c *Controller) UnmuteTrack(track int) error {
	return c.setMute(track, UnmuteValue)
}

func (c *Controller) setMute(track int, value uint8) error {
	if !ValidTrack(track) {
		return fmt.Errorf("track %d out of range 1-%d", track, NumTracks)
	}
	if err := c.send(gomidi.ControlChange(TrackChannel(track), MuteCC, value)); err != nil {
		return fmt.Errorf("setting mute on track %d: %w", track, err)
	}
	return nil
}

// MuteAll mutes every track, then waits out the mute settle.
func (c *Controller) MuteAll() error {
	for track := 1; track <= NumTracks; track++ {
		if err := c.MuteTrack(track); err != nil {
			return err
		}
	}
	time.Sleep(c.timing.MuteSettle)
	return nil
}

// UnmuteAll unmutes every track, then waits out the mute settle.
func (c *Controller) UnmuteAll() error {
	for track := 1; track <= NumTracks; track++ {
		if err := c.UnmuteTrack(track); err != nil {
			return err
		}
	}
	time.Sleep(c.timing.MuteSettle)
	return nil
}

// Isolate mutes every track except target, unmutes target, and waits
// out the mute settle.
func (c *Controller) Isolate(target int) error {
	if !ValidTrack(target) {
		return fmt.Errorf("track %d out of range 1-%d", target, NumTracks)
	}
	for track := 1; track <= NumTracks; track++ {
		value := uint8(MuteValue)
		if track == target {
			value = UnmuteValue
		}
		if err := c.setMute(track, value); err != nil {
			return err
		}
	}
	time.Sleep(c.timing.MuteSettle)
	return nil
}

func (c *Controller) trigger(note uint8) error {
	if err := c.send(gomidi.NoteOn(c.pcChannel, note, TriggerVelocity)); err != nil {
		return fmt.Errorf("sending trigger note %d: %w", note, err)
	}
	time.Sleep(c.timing.TriggerHold)
	if err := c.send(gomidi.NoteOff(c.pcChannel, note)); err != nil {
		return fmt.Errorf("releasing trigger note %d: %w", note, err)
	}
	return nil
}

// SendStart presses the transport start trigger.
func (c *Controller) SendStart() error {
	return c.trigger(StartNote)
}

// SendStop presses the transport stop trigger once.
func (c *Controller) SendStop() error {
	return c.trigger(StopNote)
}

// TripleStop sends three rapid stop triggers to kill sustaining
// delay and reverb buffers, then waits out the stop settle. Required
// between passes regardless of tail time.
func (c *Controller) TripleStop() error {
	if err := c.trigger(StopNote); err != nil {
		return err
	}
	time.Sleep(c.timing.TripleStopGap1)
	if err := c.trigger(StopNote); err != nil {
		return err
	}
	time.Sleep(c.timing.TripleStopGap2)
	if err := c.trigger(StopNote); err != nil {
		return err
	}
	time.Sleep(c.timing.StopSettle)
	return nil
}

// SelectPattern switches the device to a 1-based pattern via bank
// select plus program change on the pc channel, then waits out the
// pattern settle.
func (c *Controller) SelectPattern(pattern int) error {
	if pattern < 1 || pattern > 256 {
		return fmt.Errorf("pattern %d out of range 1-256", pattern)
	}
	bank := uint8((pattern - 1) / 16)
	program := uint8((pattern - 1) % 16)
	if err := c.send(gomidi.ControlChange(c.pcChannel, 0, bank)); err != nil {
		return fmt.Errorf("selecting bank %d: %w", bank, err)
	}
	time.Sleep(c.timing.PatternGap)
	if err := c.send(gomidi.ProgramChange(c.pcChannel, program)); err != nil {
		return fmt.Errorf("selecting pattern %d: %w", pattern, err)
	}
	time.Sleep(c.timing.PatternSettle)
	return nil
}

// SafetyMessages returns the burst sent when a replay is cancelled:
// all notes off plus mute on every track, so no voice keeps sounding
// on a half-finished pass.
func SafetyMessages() []gomidi.Message {
	msgs := make([]gomidi.Message, 0, NumTracks*2)
	for track := 1; track <= NumTracks; track++ {
		ch := TrackChannel(track)
		msgs = append(msgs,
			gomidi.ControlChange(ch, AllNotesOffCC, 0),
			gomidi.ControlChange(ch, MuteCC, MuteValue),
		)
	}
	return msgs
}
