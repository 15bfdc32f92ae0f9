package sink

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
)

// LogSink writes events to a logrus logger. Live waveform samples are logged
// at trace level only.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) OnConnected(peer device.Peer) {
	l.logger.WithFields(logrus.Fields{
		"address": peer.Address,
		"name":    peer.Name,
	}).Info("Sensor connected")
}

func (l *LogSink) OnDisconnected(peer device.Peer) {
	l.logger.WithField("address", peer.Address).Info("Sensor disconnected")
}

func (l *LogSink) OnDeviceFound(peer device.Peer) {
	l.logger.WithFields(logrus.Fields{
		"address": peer.Address,
		"rssi":    peer.RSSI,
	}).Info("Sensor found")
}

func (l *LogSink) OnValue(ev session.Event) {
	fields := logrus.Fields{
		"role":       ev.Value.Role,
		"accumulate": ev.Accumulate,
	}
	switch {
	case ev.Value.Role == registry.Response && ev.Attributed:
		fields[ev.Statistic.String()] = ev.Value.Statistic
		l.logger.WithFields(fields).Info("Statistic received")
	case ev.Value.Role == registry.Response:
		fields["value"] = ev.Value.Statistic
		l.logger.WithFields(fields).Warn("Unattributed response")
	case ev.Value.Role == registry.LiveSignal:
		fields["value"] = ev.Value.Int
		l.logger.WithFields(fields).Trace("Live sample")
	default:
		fields["value"] = ev.Value.Int
		l.logger.WithFields(fields).Debug("Value received")
	}
}

func (l *LogSink) OnSessionState(state session.State) {
	l.logger.WithField("state", state).Debug("Session state")
}

func (l *LogSink) OnMeasurement(state measurement.State, reset bool) {
	l.logger.WithFields(logrus.Fields{
		"state": state,
		"reset": reset,
	}).Info("Measurement")
}

func (l *LogSink) OnError(err error) {
	l.logger.WithError(err).Warn("Session error")
}

var (
	_ Sink          = (*LogSink)(nil)
	_ StateObserver = (*LogSink)(nil)
	_ ErrorObserver = (*LogSink)(nil)
)
