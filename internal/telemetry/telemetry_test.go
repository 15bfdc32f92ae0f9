package telemetry

import (
	"testing"

	"github.com/srg/hrvlink/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		role    registry.Role
		payload []byte
		want    Value
	}{
		{
			name:    "response one",
			role:    registry.Response,
			payload: []byte{0, 0, 0, 0, 0, 0, 0xF0, 0x3F},
			want:    Value{Role: registry.Response, Statistic: 1.0},
		},
		{
			name:    "response negative fraction",
			role:    registry.Response,
			payload: []byte{0, 0, 0, 0, 0, 0, 0xE0, 0xBF},
			want:    Value{Role: registry.Response, Statistic: -0.5},
		},
		{
			name:    "bpm 72",
			role:    registry.Bpm,
			payload: []byte{0x48, 0, 0, 0},
			want:    Value{Role: registry.Bpm, Int: 72},
		},
		{
			name:    "live signal negative",
			role:    registry.LiveSignal,
			payload: []byte{0xFF, 0xFF, 0xFF, 0xFF},
			want:    Value{Role: registry.LiveSignal, Int: -1},
		},
		{
			name:    "live rr multi byte",
			role:    registry.LiveRr,
			payload: []byte{0x20, 0x03, 0, 0},
			want:    Value{Role: registry.LiveRr, Int: 800},
		},
		{
			name:    "trailing bytes ignored",
			role:    registry.Bpm,
			payload: []byte{0x3C, 0, 0, 0, 0xAA, 0xBB},
			want:    Value{Role: registry.Bpm, Int: 60},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.role, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_ShortPayload(t *testing.T) {
	_, err := Decode(registry.Bpm, []byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode, "short payload MUST be a decode error")

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 4, de.Want)
	assert.Equal(t, 3, de.Got)

	_, err = Decode(registry.Response, []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Decode(registry.LiveSignal, nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_CommandRole(t *testing.T) {
	_, err := Decode(registry.Command, []byte{1})
	assert.ErrorIs(t, err, ErrNotDecodable)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestValueFormatting(t *testing.T) {
	assert.Equal(t, "bpm=72", Value{Role: registry.Bpm, Int: 72}.String())
	assert.Equal(t, "response=42.5", Value{Role: registry.Response, Statistic: 42.5}.String())
	assert.Equal(t, 72.0, Value{Role: registry.Bpm, Int: 72}.Float())
}
