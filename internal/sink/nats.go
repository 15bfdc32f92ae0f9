package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
)

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSOptions configures the connection used by DialNATS.
type NATSOptions struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Message is the JSON document published for every event. Value is a number,
// or "NaN", "+Inf" or "-Inf" for non-finite statistics.
type Message struct {
	Kind        string    `json:"kind"`
	Time        time.Time `json:"time"`
	Address     string    `json:"address,omitempty"`
	Name        string    `json:"name,omitempty"`
	Role        string    `json:"role,omitempty"`
	Value       any       `json:"value,omitempty"`
	Statistic   string    `json:"statistic,omitempty"`
	State       string    `json:"state,omitempty"`
	Measurement string    `json:"measurement,omitempty"`
	Reset       bool      `json:"reset,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NATSPublisher forwards events as JSON to <subject>.<kind>. Live waveform
// samples are not forwarded.
type NATSPublisher struct {
	pub     Publisher
	subject string
	now     func() time.Time
	logger  *logrus.Logger
}

func NewNATSPublisher(pub Publisher, subject string, logger *logrus.Logger) *NATSPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	if subject == "" {
		subject = "hrv"
	}
	return &NATSPublisher{pub: pub, subject: subject, now: time.Now, logger: logger}
}

// DialNATS connects to the server and wraps the connection in a publisher.
// The caller owns the returned connection.
func DialNATS(opts NATSOptions, logger *logrus.Logger) (*NATSPublisher, *nats.Conn, error) {
	if logger == nil {
		logger = logrus.New()
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", opts.URL, err)
	}
	return NewNATSPublisher(nc, opts.Subject, logger), nc, nil
}

func (p *NATSPublisher) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode event")
		return
	}
	subject := p.subject + "." + msg.Kind
	if err := p.pub.Publish(subject, data); err != nil {
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"error":   err,
		}).Warn("Failed to publish event")
	}
}

// OnEvent publishes ev stamped with its own time. Events without a time are
// stamped on publication.
func (p *NATSPublisher) OnEvent(ev session.Event) {
	msg := Message{Kind: ev.Kind.String(), Time: ev.Time}
	if msg.Time.IsZero() {
		msg.Time = p.now()
	}

	switch ev.Kind {
	case session.EventConnected, session.EventDisconnected, session.EventDeviceFound:
		msg.Address, msg.Name = ev.Peer.Address, ev.Peer.Name
	case session.EventValue:
		if ev.Value.Role == registry.LiveSignal {
			return
		}
		msg.Role = ev.Value.Role.String()
		msg.Value = jsonNumber(ev.Value.Float())
		if ev.Attributed {
			msg.Statistic = ev.Statistic.String()
		}
	case session.EventSessionState:
		msg.State = ev.State.String()
	case session.EventMeasurement:
		msg.Measurement, msg.Reset = ev.Measurement.String(), ev.Reset
	case session.EventError:
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
	}
	p.publish(msg)
}

func (p *NATSPublisher) OnConnected(peer device.Peer) {
	p.OnEvent(session.Event{Kind: session.EventConnected, Peer: peer})
}

func (p *NATSPublisher) OnDisconnected(peer device.Peer) {
	p.OnEvent(session.Event{Kind: session.EventDisconnected, Peer: peer})
}

func (p *NATSPublisher) OnDeviceFound(peer device.Peer) {
	p.OnEvent(session.Event{Kind: session.EventDeviceFound, Peer: peer})
}

func (p *NATSPublisher) OnValue(ev session.Event) {
	p.OnEvent(ev)
}

func (p *NATSPublisher) OnSessionState(state session.State) {
	p.OnEvent(session.Event{Kind: session.EventSessionState, State: state})
}

func (p *NATSPublisher) OnMeasurement(state measurement.State, reset bool) {
	p.OnEvent(session.Event{Kind: session.EventMeasurement, Measurement: state, Reset: reset})
}

func (p *NATSPublisher) OnError(err error) {
	p.OnEvent(session.Event{Kind: session.EventError, Err: err})
}

var (
	_ Sink          = (*NATSPublisher)(nil)
	_ StateObserver = (*NATSPublisher)(nil)
	_ ErrorObserver = (*NATSPublisher)(nil)
	_ EventObserver = (*NATSPublisher)(nil)
	_ Publisher     = (*nats.Conn)(nil)
)
