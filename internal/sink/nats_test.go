package sink

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func (m *mockPublisher) message(t *testing.T, call int) (string, map[string]any) {
	t.Helper()
	require.Greater(t, len(m.Calls), call)
	c := m.Calls[call]
	var doc map[string]any
	require.NoError(t, json.Unmarshal(c.Arguments.Get(1).([]byte), &doc))
	return c.Arguments.String(0), doc
}

func newPublisher(pub Publisher) *NATSPublisher {
	p := NewNATSPublisher(pub, "hrv.test", nil)
	p.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestNATSPublisher_Events(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	p := newPublisher(pub)

	p.OnConnected(peer)
	p.OnValue(statistic(command.SDANN, 48.25))
	p.OnValue(value(registry.Bpm, 72, true))
	p.OnMeasurement(measurement.Finished, false)
	p.OnError(errors.New("ambiguous"))

	subject, doc := pub.message(t, 0)
	assert.Equal(t, "hrv.test.connected", subject)
	assert.Equal(t, peer.Address, doc["address"])
	assert.Equal(t, "2024-06-01T12:00:00Z", doc["time"])

	subject, doc = pub.message(t, 1)
	assert.Equal(t, "hrv.test.value", subject)
	assert.Equal(t, "sdann", doc["statistic"])
	assert.Equal(t, 48.25, doc["value"])

	_, doc = pub.message(t, 2)
	assert.Equal(t, "bpm", doc["role"])
	assert.Equal(t, 72.0, doc["value"])
	assert.NotContains(t, doc, "statistic")

	subject, doc = pub.message(t, 3)
	assert.Equal(t, "hrv.test.measurement", subject)
	assert.Equal(t, "finished", doc["measurement"])

	_, doc = pub.message(t, 4)
	assert.Equal(t, "ambiguous", doc["error"])
}

// GOAL: Verify dispatched events keep the controller's timestamp on the wire
//
// TEST SCENARIO: registry dispatches events stamped 12:00:05 and 12:00:06 → published time matches, not publication time
func TestNATSPublisher_UsesEventTime(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	p := newPublisher(pub)

	r := NewRegistry(nil)
	require.NoError(t, r.Register("nats", p))

	stamped := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
	ev := value(registry.LiveRr, 830, true)
	ev.Time = stamped
	r.Dispatch(ev)
	r.Dispatch(session.Event{Kind: session.EventSessionState, State: session.Ready, Time: stamped.Add(time.Second)})

	_, doc := pub.message(t, 0)
	assert.Equal(t, "2024-06-01T12:00:05Z", doc["time"], "value MUST carry the event time")
	assert.Equal(t, 830.0, doc["value"])

	subject, doc := pub.message(t, 1)
	assert.Equal(t, "hrv.test.session_state", subject)
	assert.Equal(t, "2024-06-01T12:00:06Z", doc["time"], "state MUST carry the event time")
	assert.Equal(t, "ready", doc["state"])
}

func TestNATSPublisher_NonFiniteStatistic(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	p := newPublisher(pub)

	p.OnValue(statistic(command.HTI, math.NaN()))
	p.OnValue(statistic(command.SDANN, math.Inf(-1)))

	pub.AssertNumberOfCalls(t, "Publish", 2)
	_, doc := pub.message(t, 0)
	assert.Equal(t, "hti", doc["statistic"])
	assert.Equal(t, "NaN", doc["value"], "NaN statistic MUST still be published")

	_, doc = pub.message(t, 1)
	assert.Equal(t, "-Inf", doc["value"])
}

func TestNATSPublisher_SkipsLiveSignal(t *testing.T) {
	pub := &mockPublisher{}
	p := newPublisher(pub)

	p.OnValue(value(registry.LiveSignal, 512, false))
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestNATSPublisher_PublishFailureIsLogged(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "hrv.test.session_state", mock.Anything).Return(errors.New("no responders"))
	p := newPublisher(pub)

	assert.NotPanics(t, func() { p.OnSessionState(session.Ready) })
	pub.AssertExpectations(t)
}
