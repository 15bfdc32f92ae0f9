package session

import (
	"fmt"
	"time"

	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/telemetry"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDeviceFound
	EventValue
	EventSessionState
	EventMeasurement
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventDeviceFound:
		return "device_found"
	case EventValue:
		return "value"
	case EventSessionState:
		return "session_state"
	case EventMeasurement:
		return "measurement"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted by the Controller. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Time time.Time

	// EventDeviceFound, EventConnected
	Peer device.Peer

	// EventValue
	Value telemetry.Value
	// Accumulate marks Bpm and RR values that belong in the histograms.
	Accumulate bool
	// Statistic is meaningful for Response values when Attributed is set.
	Statistic  command.Statistic
	Attributed bool

	// EventSessionState
	State State

	// EventMeasurement
	Measurement measurement.State
	Reset       bool

	// EventError
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case EventDeviceFound, EventConnected:
		return fmt.Sprintf("%s %s (%s)", e.Kind, e.Peer.Name, e.Peer.Address)
	case EventValue:
		if e.Attributed {
			return fmt.Sprintf("%s %s=%g", e.Kind, e.Statistic, e.Value.Statistic)
		}
		return fmt.Sprintf("%s %s", e.Kind, e.Value)
	case EventSessionState:
		return fmt.Sprintf("%s %s", e.Kind, e.State)
	case EventMeasurement:
		return fmt.Sprintf("%s %s reset=%t", e.Kind, e.Measurement, e.Reset)
	case EventError:
		return fmt.Sprintf("%s %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}
