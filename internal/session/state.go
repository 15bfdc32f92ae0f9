package session

import "fmt"

// State of the link to the sensor.
type State int32

const (
	Disconnected State = iota
	Scanning
	Connecting
	DiscoveringServices
	Subscribing
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case DiscoveringServices:
		return "discovering_services"
	case Subscribing:
		return "subscribing"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
