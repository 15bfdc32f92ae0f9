// Package measurement tracks what the sensor is doing with the current
// recording and decides which telemetry feeds the histograms.
package measurement

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/registry"
)

// State of the current measurement.
type State int

const (
	Standby State = iota
	Running
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Standby:
		return "standby"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Intent is a caller request.
type Intent int

const (
	Start Intent = iota
	Pause
	Finish
)

func (i Intent) String() string {
	switch i {
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Finish:
		return "finish"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

var ErrInvalidTransition = errors.New("invalid measurement transition")

// Transition describes a state change and the opcodes that carry it out.
// Reset is set when sinks must clear accumulated data first.
type Transition struct {
	From  State
	To    State
	Ops   []command.Opcode
	Reset bool
}

// Route tells the caller what to do with one decoded value.
type Route struct {
	Emit       bool
	Accumulate bool
}

type Options struct {
	// AutoStart moves Standby to Running when live telemetry arrives.
	AutoStart bool
}

// Machine is not safe for concurrent use.
type Machine struct {
	state  State
	opts   Options
	logger *logrus.Logger
}

func New(opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{state: Standby, opts: opts, logger: logger}
}

func (m *Machine) State() State {
	return m.state
}

// Request applies a caller intent. An invalid intent leaves the state unchanged.
func (m *Machine) Request(intent Intent) (Transition, error) {
	var t Transition
	switch {
	case intent == Start && (m.state == Standby || m.state == Paused):
		t = Transition{From: m.state, To: Running, Ops: []command.Opcode{command.Start}}
	case intent == Start && m.state == Finished:
		t = Transition{From: m.state, To: Running, Ops: []command.Opcode{command.Reset, command.Start}, Reset: true}
	case intent == Pause && m.state == Running:
		t = Transition{From: m.state, To: Paused, Ops: []command.Opcode{command.Pause}}
	case intent == Finish && (m.state == Running || m.state == Paused):
		t = Transition{From: m.state, To: Finished, Ops: command.FinishSequence()}
	case intent == Finish && m.state == Finished:
		// Re-requesting results after an interrupted finish replays the whole sequence.
		t = Transition{From: m.state, To: Finished, Ops: command.FinishSequence()}
	default:
		return Transition{}, fmt.Errorf("%s while %s: %w", intent, m.state, ErrInvalidTransition)
	}

	m.apply(t, "request")
	return t, nil
}

// Observe routes a decoded value for role. Live telemetry arriving in Standby
// starts the measurement when auto-start is enabled; the returned transition
// then carries no opcodes. Bpm and RR values accumulate unless the measurement
// is Paused or Finished.
func (m *Machine) Observe(role registry.Role) (Route, *Transition) {
	var started *Transition
	if m.opts.AutoStart && m.state == Standby && isLive(role) {
		t := Transition{From: Standby, To: Running}
		m.apply(t, "auto-start")
		started = &t
	}

	route := Route{Emit: true}
	if (m.state == Standby || m.state == Running) && (role == registry.Bpm || role == registry.LiveRr) {
		route.Accumulate = true
	}
	return route, started
}

// LinkLost drops an unfinished measurement back to Standby. Finished results are kept.
func (m *Machine) LinkLost() (Transition, bool) {
	if m.state != Running && m.state != Paused {
		return Transition{}, false
	}
	t := Transition{From: m.state, To: Standby}
	m.apply(t, "link lost")
	return t, true
}

func (m *Machine) apply(t Transition, cause string) {
	m.state = t.To
	m.logger.WithFields(logrus.Fields{
		"from":  t.From,
		"to":    t.To,
		"ops":   t.Ops,
		"reset": t.Reset,
		"cause": cause,
	}).Info("Measurement state changed")
}

func isLive(role registry.Role) bool {
	return role == registry.Bpm || role == registry.LiveSignal || role == registry.LiveRr
}
