// Package midiio enumerates and opens MIDI ports through the rtmidi
// driver. Port names are matched exactly first, then by
// case-insensitive substring, so configs can carry the short device
// name instead of the full ALSA port string.
package midiio

import (
	"fmt"
	"strings"
	"sync"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // register rtmidi driver
)

// Inputs returns the names of the available MIDI input ports.
func Inputs() []string {
	return inNames(gomidi.GetInPorts())
}

// Outputs returns the names of the available MIDI output ports.
func Outputs() []string {
	return outNames(gomidi.GetOutPorts())
}

func inNames(ports []drivers.In) []string {
	names := make([]string, len(ports))
	for i, port := range ports {
		names[i] = port.String()
	}
	return names
}

func outNames(ports []drivers.Out) []string {
	names := make([]string, len(ports))
	for i, port := range ports {
		names[i] = port.String()
	}
	return names
}

// match finds want in names, preferring an exact match over a
// case-insensitive substring match.
func match(names []string, want string) (int, error) {
	for i, name := range names {
		if name == want {
			return i, nil
		}
	}
	lower := strings.ToLower(want)
	for i, name := range names {
		if strings.Contains(strings.ToLower(name), lower) {
			return i, nil
		}
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("MIDI port %q not found: no ports available", want)
	}
	return 0, fmt.Errorf("MIDI port %q not found (available: %s)", want, strings.Join(names, ", "))
}

// Input is an open MIDI input port feeding a handler.
type Input struct {
	port      drivers.In
	stop      func()
	closeOnce sync.Once
}

// OpenInput opens the named input port and starts delivering raw
// message bytes to handler. onError, if non-nil, is called from the
// listener when the port fails mid-stream, which is how device
// disconnects surface.
func OpenInput(name string, handler func(data []byte), onError func(error)) (*Input, error) {
	ports := gomidi.GetInPorts()
	idx, err := match(inNames(ports), name)
	if err != nil {
		return nil, err
	}
	port := ports[idx]
	if err := port.Open(); err != nil {
		return nil, fmt.Errorf("opening MIDI input %q: %w", port.String(), err)
	}

	recv := func(msg gomidi.Message, timestampms int32) {
		handler(msg)
	}
	var stop func()
	if onError != nil {
		stop, err = gomidi.ListenTo(port, recv, gomidi.HandleError(onError))
	} else {
		stop, err = gomidi.ListenTo(port, recv)
	}
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("listening on MIDI input %q: %w", port.String(), err)
	}
	return &Input{port: port, stop: stop}, nil
}

// Name returns the resolved port name.
func (in *Input) Name() string {
	return in.port.String()
}

// Close stops the listener and closes the port. Safe to call more
// than once.
func (in *Input) Close() {
	in.closeOnce.Do(func() {
		in.stop()
		in.port.Close()
	})
}

// Output is an open MIDI output port.
type Output struct {
	port      drivers.Out
	send      func(gomidi.Message) error
	closeOnce sync.Once
}

// OpenOutput opens the named output port for sending.
func OpenOutput(name string) (*Output, error) {
	ports := gomidi.GetOutPorts()
	idx, err := match(outNames(ports), name)
	if err != nil {
		return nil, err
	}
	port := ports[idx]
	send, err := gomidi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("opening MIDI output %q: %w", port.String(), err)
	}
	return &Output{port: port, send: send}, nil
}

// Send emits one message to the device.
func (out *Output) Send(msg gomidi.Message) error {
	return out.send(msg)
}

// Name returns the resolved port name.
func (out *Output) Name() string {
	return out.port.String()
}

// Close closes the port. Safe to call more than once.
func (out *Output) Close() {
	out.closeOnce.Do(func() {
		out.port.Close()
	})
}

// Shutdown releases the MIDI driver. Call once at process exit.
func Shutdown() {
	gomidi.CloseDriver()
}
