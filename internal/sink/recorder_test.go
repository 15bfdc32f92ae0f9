package sink

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
	"github.com/srg/hrvlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(role registry.Role, v int32, accumulate bool) session.Event {
	return session.Event{
		Kind:       session.EventValue,
		Value:      telemetry.Value{Role: role, Int: v},
		Accumulate: accumulate,
	}
}

func statistic(s command.Statistic, v float64) session.Event {
	return session.Event{
		Kind:       session.EventValue,
		Value:      telemetry.Value{Role: registry.Response, Statistic: v},
		Statistic:  s,
		Attributed: true,
	}
}

func TestRecorder_Histograms(t *testing.T) {
	r := NewRecorder(RecorderOptions{})

	r.OnValue(value(registry.Bpm, 72, true))
	r.OnValue(value(registry.Bpm, 72, true))
	r.OnValue(value(registry.Bpm, 80, false))
	r.OnValue(value(registry.Bpm, 219, true))
	r.OnValue(value(registry.Bpm, 220, true))
	r.OnValue(value(registry.Bpm, -1, true))
	r.OnValue(value(registry.LiveRr, 812, true))
	r.OnValue(value(registry.LiveRr, 1200, true))

	bpm := r.BPMHistogram()
	require.Len(t, bpm, DefaultBPMBins)
	assert.Equal(t, 2, bpm[72])
	assert.Equal(t, 0, bpm[80], "values not marked for accumulation MUST NOT be counted")
	assert.Equal(t, 1, bpm[219])

	total := 0
	for _, n := range bpm {
		total += n
	}
	assert.Equal(t, 3, total, "out-of-range values MUST be dropped")

	rr := r.RRHistogram()
	require.Len(t, rr, DefaultRRBins)
	assert.Equal(t, 1, rr[812])
	assert.Equal(t, int32(-1), r.LastBPM())
}

func TestRecorder_LiveWindow(t *testing.T) {
	r := NewRecorder(RecorderOptions{LiveWindow: 8})

	for i := int32(0); i < 5; i++ {
		r.OnValue(value(registry.LiveSignal, i, false))
	}
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, r.Live())

	for i := int32(5); i < 12; i++ {
		r.OnValue(value(registry.LiveSignal, i, false))
	}
	assert.Equal(t, []int32{4, 5, 6, 7, 8, 9, 10, 11}, r.Live(), "window MUST keep the newest samples")
}

func TestRecorder_ResetOnRestart(t *testing.T) {
	r := NewRecorder(RecorderOptions{})
	r.OnValue(value(registry.Bpm, 60, true))
	r.OnValue(value(registry.LiveSignal, 3, false))
	r.OnValue(statistic(command.RMSSD, 31.5))

	r.OnMeasurement(measurement.Paused, false)
	assert.Equal(t, 1, r.BPMHistogram()[60], "state change without reset MUST keep data")

	r.OnMeasurement(measurement.Running, true)
	assert.Equal(t, measurement.Running, r.Measurement())
	assert.Equal(t, 0, r.BPMHistogram()[60])
	assert.Empty(t, r.Live())
	_, ok := r.Statistic(command.RMSSD)
	assert.False(t, ok)
}

func TestRecorder_Summary(t *testing.T) {
	r := NewRecorder(RecorderOptions{BPMBins: 4, RRBins: 3})
	r.OnValue(value(registry.Bpm, 2, true))
	r.OnValue(value(registry.LiveRr, 1, true))
	r.OnValue(statistic(command.RMSSD, 1.5))
	r.OnValue(statistic(command.HTI, 12))
	r.OnValue(session.Event{Kind: session.EventValue, Value: telemetry.Value{Role: registry.Response, Statistic: 99}})

	data, err := json.Marshal(r.Summary())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"BPM": [0, 0, 1, 0],
		"RR": [0, 1, 0],
		"RMSSD": 1.5,
		"SDANN": null,
		"HTI": 12
	}`, string(data))
}

// GOAL: Verify a non-finite statistic does not cost the rest of the summary
//
// TEST SCENARIO: NaN RMSSD, +Inf SDANN, -Inf HTI decoded from the wire → summary still encodes with histograms
func TestRecorder_SummaryNonFiniteStatistics(t *testing.T) {
	nan, err := telemetry.Decode(registry.Response, []byte{0, 0, 0, 0, 0, 0, 0xF8, 0x7F})
	require.NoError(t, err)
	require.True(t, math.IsNaN(nan.Statistic))

	r := NewRecorder(RecorderOptions{BPMBins: 3, RRBins: 2})
	r.OnValue(value(registry.Bpm, 1, true))
	r.OnValue(value(registry.LiveRr, 0, true))
	r.OnValue(session.Event{Kind: session.EventValue, Value: nan, Statistic: command.RMSSD, Attributed: true})
	r.OnValue(statistic(command.SDANN, math.Inf(1)))
	r.OnValue(statistic(command.HTI, math.Inf(-1)))

	data, err := json.Marshal(r.Summary())
	require.NoError(t, err, "non-finite statistics MUST NOT fail the summary")
	assert.JSONEq(t, `{
		"BPM": [0, 1, 0],
		"RR": [1, 0],
		"RMSSD": "NaN",
		"SDANN": "+Inf",
		"HTI": "-Inf"
	}`, string(data))
}
