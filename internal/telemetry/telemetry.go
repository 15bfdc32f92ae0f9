// Package telemetry decodes notification payloads into typed values.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/srg/hrvlink/internal/registry"
)

var (
	// ErrDecode is wrapped by every DecodeError.
	ErrDecode = errors.New("decode error")
	// ErrNotDecodable is returned for roles that never carry telemetry.
	ErrNotDecodable = errors.New("role carries no telemetry")
)

// DecodeError reports a payload too short for the role's layout.
type DecodeError struct {
	Role registry.Role
	Want int
	Got  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: need %d bytes, got %d", e.Role, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Value is one decoded sample. Statistic is set for Response payloads, Int for the others.
type Value struct {
	Role      registry.Role
	Int       int32
	Statistic float64
}

// Float returns the value as a float64 regardless of its wire width.
func (v Value) Float() float64 {
	if v.Role == registry.Response {
		return v.Statistic
	}
	return float64(v.Int)
}

func (v Value) String() string {
	if v.Role == registry.Response {
		return fmt.Sprintf("%s=%g", v.Role, v.Statistic)
	}
	return fmt.Sprintf("%s=%d", v.Role, v.Int)
}

// Width returns the payload size of a role, or 0 when the role carries no telemetry.
func Width(r registry.Role) int {
	switch r {
	case registry.Response:
		return 8
	case registry.Bpm, registry.LiveSignal, registry.LiveRr:
		return 4
	default:
		return 0
	}
}

// Decode interprets a little-endian payload for role. Bytes past the layout
// width are ignored.
func Decode(role registry.Role, payload []byte) (Value, error) {
	width := Width(role)
	if width == 0 {
		return Value{}, fmt.Errorf("%s: %w", role, ErrNotDecodable)
	}
	if len(payload) < width {
		return Value{}, &DecodeError{Role: role, Want: width, Got: len(payload)}
	}

	v := Value{Role: role}
	if role == registry.Response {
		v.Statistic = math.Float64frombits(binary.LittleEndian.Uint64(payload[:8]))
	} else {
		v.Int = int32(binary.LittleEndian.Uint32(payload[:4]))
	}
	return v, nil
}
