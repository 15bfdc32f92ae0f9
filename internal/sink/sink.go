// Package sink fans controller events out to the consumers that render,
// record or forward them.
package sink

import (
	"context"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/session"
)

// Sink receives the core session events.
type Sink interface {
	OnConnected(peer device.Peer)
	OnDisconnected(peer device.Peer)
	OnDeviceFound(peer device.Peer)
	OnValue(ev session.Event)
}

// StateObserver is implemented by sinks that track link and measurement state.
type StateObserver interface {
	OnSessionState(state session.State)
	OnMeasurement(state measurement.State, reset bool)
}

// ErrorObserver is implemented by sinks that want non-fatal errors.
type ErrorObserver interface {
	OnError(err error)
}

// EventObserver is implemented by sinks that take each event whole, timestamp
// included. Deliver hands them every event instead of calling the per-kind methods.
type EventObserver interface {
	OnEvent(ev session.Event)
}

// Registry dispatches events to registered sinks in registration order.
type Registry struct {
	mu     sync.RWMutex
	sinks  *orderedmap.OrderedMap[string, Sink]
	logger *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sinks:  orderedmap.New[string, Sink](),
		logger: logger,
	}
}

// Register adds a sink under a unique name.
func (r *Registry) Register(name string, s Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks.Get(name); exists {
		return fmt.Errorf("sink %q already registered", name)
	}
	r.sinks.Set(name, s)
	r.logger.WithField("sink", name).Debug("Sink registered")
	return nil
}

// Unregister removes a sink. It reports whether the sink was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, present := r.sinks.Delete(name)
	return present
}

// Names returns the registered sink names in dispatch order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, r.sinks.Len())
	for pair := r.sinks.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (r *Registry) snapshot() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sink, 0, r.sinks.Len())
	for pair := r.sinks.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Dispatch delivers one event to every sink.
func (r *Registry) Dispatch(ev session.Event) {
	for _, s := range r.snapshot() {
		Deliver(s, ev)
	}
}

// Run dispatches events until the channel closes or ctx ends.
func (r *Registry) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Dispatch(ev)
		}
	}
}

// Deliver routes ev to the matching method of s.
func Deliver(s Sink, ev session.Event) {
	if o, ok := s.(EventObserver); ok {
		o.OnEvent(ev)
		return
	}
	switch ev.Kind {
	case session.EventConnected:
		s.OnConnected(ev.Peer)
	case session.EventDisconnected:
		s.OnDisconnected(ev.Peer)
	case session.EventDeviceFound:
		s.OnDeviceFound(ev.Peer)
	case session.EventValue:
		s.OnValue(ev)
	case session.EventSessionState:
		if o, ok := s.(StateObserver); ok {
			o.OnSessionState(ev.State)
		}
	case session.EventMeasurement:
		if o, ok := s.(StateObserver); ok {
			o.OnMeasurement(ev.Measurement, ev.Reset)
		}
	case session.EventError:
		if o, ok := s.(ErrorObserver); ok {
			o.OnError(ev.Err)
		}
	}
}
