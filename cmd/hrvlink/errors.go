package main

import (
	"errors"
	"fmt"

	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/session"
)

// FormatUserError turns session and transport errors into one-line messages
// with a hint where one helps.
func FormatUserError(err error) string {
	var subErr *session.SubscriptionError
	var discErr *session.DiscoveryIncompleteError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, session.ErrTransportUnavailable):
		return fmt.Sprintf("no usable Bluetooth adapter (%v)", err)
	case errors.Is(err, session.ErrDeviceNotFound):
		return "sensor not found. Is it powered on and advertising? Check sensor.name in the config."
	case errors.As(err, &subErr):
		return fmt.Sprintf("could not enable notifications on %s: %v", subErr.Role, subErr.Err)
	case errors.As(err, &discErr):
		return fmt.Sprintf("sensor is missing characteristics: %s", discErr.Error())
	case errors.Is(err, session.ErrNotReady):
		return "sensor is not connected yet"
	case errors.Is(err, session.ErrConnectionLost):
		return "connection to the sensor was lost"
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("Bluetooth operation timed out, move closer to the sensor (%v)", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported by this Bluetooth adapter (%v)", err)
	default:
		return err.Error()
	}
}
