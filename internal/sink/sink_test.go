package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
	"github.com/srg/hrvlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mock.Mock
	name  string
	order *[]string
}

func (m *mockSink) OnConnected(peer device.Peer) {
	m.Called(peer)
	*m.order = append(*m.order, m.name)
}
func (m *mockSink) OnDisconnected(peer device.Peer) { m.Called(peer) }
func (m *mockSink) OnDeviceFound(peer device.Peer)  { m.Called(peer) }
func (m *mockSink) OnValue(ev session.Event)        { m.Called(ev) }

type observingSink struct {
	mockSink
}

func (o *observingSink) OnSessionState(state session.State) { o.Called(state) }
func (o *observingSink) OnMeasurement(state measurement.State, reset bool) {
	o.Called(state, reset)
}
func (o *observingSink) OnError(err error) { o.Called(err) }

var peer = device.Peer{Address: "AA:BB:CC:DD:EE:01", Name: session.DefaultSensorName}

func TestRegistry_DispatchOrder(t *testing.T) {
	var order []string
	r := NewRegistry(nil)
	names := []string{"recorder", "console", "nats"}
	for _, n := range names {
		s := &mockSink{name: n, order: &order}
		s.On("OnConnected", peer).Return()
		require.NoError(t, r.Register(n, s))
	}

	assert.Error(t, r.Register("console", &mockSink{order: &order}), "duplicate names MUST be rejected")
	r.Dispatch(session.Event{Kind: session.EventConnected, Peer: peer})

	assert.Equal(t, names, order, "sinks MUST be called in registration order")
	assert.Equal(t, names, r.Names())

	assert.True(t, r.Unregister("console"))
	assert.False(t, r.Unregister("console"))
	assert.Equal(t, []string{"recorder", "nats"}, r.Names())
}

func TestDeliver_OptionalObservers(t *testing.T) {
	var order []string
	plain := &mockSink{name: "plain", order: &order}
	obs := &observingSink{mockSink{name: "obs", order: &order}}

	boom := errors.New("boom")
	obs.On("OnSessionState", session.Ready).Return().Once()
	obs.On("OnMeasurement", measurement.Running, true).Return().Once()
	obs.On("OnError", boom).Return().Once()
	plain.On("OnDeviceFound", peer).Return().Once()
	obs.On("OnDeviceFound", peer).Return().Once()

	events := []session.Event{
		{Kind: session.EventSessionState, State: session.Ready},
		{Kind: session.EventMeasurement, Measurement: measurement.Running, Reset: true},
		{Kind: session.EventError, Err: boom},
		{Kind: session.EventDeviceFound, Peer: peer},
	}
	for _, ev := range events {
		Deliver(plain, ev)
		Deliver(obs, ev)
	}

	plain.AssertExpectations(t)
	obs.AssertExpectations(t)
}

func TestRegistry_Run(t *testing.T) {
	var order []string
	s := &mockSink{name: "s", order: &order}
	ev := session.Event{Kind: session.EventValue, Value: telemetry.Value{Role: registry.Bpm, Int: 72}}
	s.On("OnValue", ev).Return().Twice()

	r := NewRegistry(nil)
	require.NoError(t, r.Register("s", s))

	ch := make(chan session.Event, 2)
	ch <- ev
	ch <- ev
	close(ch)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run MUST return when the event channel closes")
	}
	s.AssertExpectations(t)
}

func TestLogSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := NewLogSink(logger)

	l.OnConnected(peer)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Sensor connected", hook.LastEntry().Message)
	assert.Equal(t, peer.Address, hook.LastEntry().Data["address"])

	l.OnValue(session.Event{
		Kind:       session.EventValue,
		Value:      telemetry.Value{Role: registry.Response, Statistic: 42},
		Attributed: true,
	})
	assert.Equal(t, 42.0, hook.LastEntry().Data["rmssd"])

	hook.Reset()
	l.OnValue(session.Event{Kind: session.EventValue, Value: telemetry.Value{Role: registry.LiveSignal, Int: 5}})
	assert.Empty(t, hook.AllEntries(), "live samples MUST stay below debug level")

	l.OnError(errors.New("decode"))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
