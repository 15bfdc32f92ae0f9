// Package session owns the connection to the HRV sensor. A Controller runs a
// single goroutine that serialises caller requests, transport callbacks and
// timers, and turns them into Events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/groutine"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/telemetry"
)

const inboxSize = 256

// Controller drives one sensor through scanning, connection, discovery,
// subscription and the measurement command protocol.
type Controller struct {
	adapter device.Adapter
	opts    Options
	clock   Clock
	logger  *logrus.Logger

	inbox  chan message
	events chan Event
	done   chan struct{}
	runCtx context.Context

	started   atomic.Bool
	stateSnap atomic.Int32
	measSnap  atomic.Int32

	// Everything below is owned by the Run goroutine.
	gen         uint64
	link        *link
	state       State
	machine     *measurement.Machine
	protocol    *command.Protocol
	plan        command.Plan
	cmdInFlight bool
	settle      Timer
	reconnect   Timer
	attempts    int
}

// New creates a Controller. Nothing happens until Run is called.
func New(adapter device.Adapter, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = inboxSize
	}
	if opts.SensorName == "" {
		opts.SensorName = DefaultSensorName
	}

	c := &Controller{
		adapter: adapter,
		opts:    opts,
		clock:   opts.clock(),
		logger:  logger,
		inbox:   make(chan message, inboxSize),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		runCtx:  context.Background(),
		state:   Disconnected,
	}
	c.machine = measurement.New(measurement.Options{AutoStart: opts.AutoStart}, logger)
	c.protocol = command.New(command.WriterFunc(c.writeCommand), command.Options{
		SettleInterval:     opts.SettleInterval,
		AttributionTimeout: opts.AttributionTimeout,
	}, logger)
	return c
}

// Events returns the outbound event stream. It is closed when Run returns.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current link state.
func (c *Controller) State() State {
	return State(c.stateSnap.Load())
}

// Measurement returns the current measurement state.
func (c *Controller) Measurement() measurement.State {
	return measurement.State(c.measSnap.Load())
}

// Run processes messages until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	c.runCtx = ctx
	defer close(c.events)
	defer close(c.done)

	c.logger.WithField("sensor", c.opts.SensorName).Debug("Session controller started")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

// Connect starts scanning for the sensor.
func (c *Controller) Connect(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) message { return connectMsg{reply: reply} })
}

// Disconnect tears down the current attempt. It never triggers a reconnect.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) message { return disconnectMsg{reply: reply} })
}

// Start begins or resumes a measurement.
func (c *Controller) Start(ctx context.Context) error {
	return c.Request(ctx, measurement.Start)
}

// Pause pauses a running measurement.
func (c *Controller) Pause(ctx context.Context) error {
	return c.Request(ctx, measurement.Pause)
}

// Finish ends the measurement and requests its statistics.
func (c *Controller) Finish(ctx context.Context) error {
	return c.Request(ctx, measurement.Finish)
}

// Request applies a measurement intent. It fails with ErrNotReady unless the link is Ready.
func (c *Controller) Request(ctx context.Context, intent measurement.Intent) error {
	return c.request(ctx, func(reply chan error) message { return intentMsg{intent: intent, reply: reply} })
}

// RetrySubscription re-issues a failed descriptor write without rediscovery.
func (c *Controller) RetrySubscription(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) message { return retrySubscriptionMsg{reply: reply} })
}

func (c *Controller) request(ctx context.Context, build func(chan error) message) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- build(reply):
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a callback message. It gives up once Run has returned.
func (c *Controller) post(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Controller) handle(m message) {
	switch m := m.(type) {
	case connectMsg:
		m.reply <- c.handleConnect()
	case disconnectMsg:
		c.handleDisconnect()
		m.reply <- nil
	case intentMsg:
		m.reply <- c.handleIntent(m.intent)
	case retrySubscriptionMsg:
		m.reply <- c.handleRetrySubscription()
	case advertisementMsg:
		c.handleAdvertisement(m)
	case scanDoneMsg:
		c.handleScanDone(m)
	case dialDoneMsg:
		c.handleDialDone(m)
	case discoveryMsg:
		c.handleDiscovery(m)
	case rediscoverMsg:
		if c.current(m.gen) && c.state == DiscoveringServices {
			c.link.rediscover = nil
			c.discover()
		}
	case descriptorMsg:
		c.handleDescriptor(m)
	case notificationMsg:
		c.handleNotification(m)
	case linkLostMsg:
		if c.current(m.gen) {
			c.logger.WithField("address", c.link.peer.Address).Warn("Link lost")
			c.failAttempt(ErrConnectionLost)
		}
	case commandDoneMsg:
		c.handleCommandDone(m)
	case settleMsg:
		if c.current(m.gen) {
			c.settle = nil
			c.pump()
		}
	case reconnectMsg:
		if m.gen == c.gen && c.state == Disconnected && c.reconnect != nil {
			c.reconnect = nil
			c.beginAttempt()
		}
	default:
		c.logger.WithField("message", fmt.Sprintf("%T", m)).Warn("Unknown controller message")
	}
}

// current reports whether gen belongs to the live link.
func (c *Controller) current(gen uint64) bool {
	return c.link != nil && c.link.gen == gen
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	prev := c.state
	c.state = s
	c.stateSnap.Store(int32(s))
	c.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   s,
		"gen":  c.gen,
	}).Debug("Session state changed")
	c.emit(Event{Kind: EventSessionState, State: s})
}

func (c *Controller) emit(ev Event) {
	ev.Time = c.clock.Now()
	select {
	case c.events <- ev:
	case <-c.runCtx.Done():
	}
}

func (c *Controller) handleConnect() error {
	if c.state != Disconnected {
		return fmt.Errorf("connect while %s: %w", c.state, device.ErrAlreadyConnected)
	}
	c.stopReconnect()
	c.attempts = 0
	c.beginAttempt()
	return nil
}

func (c *Controller) handleDisconnect() {
	c.stopReconnect()
	if c.state == Disconnected {
		return
	}
	c.logger.Info("Disconnect requested")
	c.teardown(nil)
}

// beginAttempt creates a fresh link and starts scanning.
func (c *Controller) beginAttempt() {
	c.gen++
	l := newLink(c.runCtx, c.gen, c.post, c.logger)
	c.link = l

	var scanCtx context.Context
	if c.opts.ScanTimeout > 0 {
		scanCtx, l.scanCancel = context.WithTimeout(l.ctx, c.opts.ScanTimeout)
	} else {
		scanCtx, l.scanCancel = context.WithCancel(l.ctx)
	}

	c.setState(Scanning)
	c.logger.WithFields(logrus.Fields{
		"sensor":  c.opts.SensorName,
		"timeout": c.opts.ScanTimeout,
		"gen":     l.gen,
	}).Info("Scanning for sensor")

	peers := hashmap.New[string, device.Peer]()
	gen, allowDup := l.gen, c.opts.AllowDuplicates
	groutine.Go(scanCtx, "hrv-scan", func(ctx context.Context) {
		err := c.adapter.Scan(ctx, allowDup, func(adv device.Advertisement) {
			peer := device.PeerFromAdvertisement(adv)
			if seen, loaded := peers.GetOrInsert(peer.Address, peer); loaded {
				if seen.Name == peer.Name {
					return
				}
				peers.Set(peer.Address, peer)
			}
			c.post(advertisementMsg{gen: gen, peer: peer})
		})
		if err == nil {
			err = ctx.Err()
		}
		c.logger.WithFields(logrus.Fields{
			"peers": peers.Len(),
			"gen":   gen,
		}).Debug("Scan finished")
		c.post(scanDoneMsg{gen: gen, err: err})
	})
}

func (c *Controller) handleAdvertisement(m advertisementMsg) {
	if !c.current(m.gen) || c.state != Scanning {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"address": m.peer.Address,
		"name":    m.peer.Name,
		"rssi":    m.peer.RSSI,
	}).Debug("Peer discovered")
	if m.peer.Name != c.opts.SensorName {
		return
	}

	l := c.link
	l.scanCancel()
	l.peer = m.peer
	c.logger.WithField("address", m.peer.Address).Info("Sensor found")
	c.emit(Event{Kind: EventDeviceFound, Peer: m.peer})
	c.setState(Connecting)

	gen, addr, timeout := l.gen, m.peer.Address, c.opts.ConnectTimeout
	groutine.Go(l.ctx, "hrv-dial", func(ctx context.Context) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := c.adapter.Dial(ctx, addr)
		c.post(dialDoneMsg{gen: gen, conn: conn, err: err})
	})
}

func (c *Controller) handleScanDone(m scanDoneMsg) {
	if !c.current(m.gen) || c.state != Scanning {
		return
	}
	err := m.err
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%q: %w", c.opts.SensorName, ErrDeviceNotFound)
	} else {
		err = fmt.Errorf("scan: %w", err)
	}
	c.failAttempt(err)
}

func (c *Controller) handleDialDone(m dialDoneMsg) {
	if !c.current(m.gen) || c.state != Connecting {
		if m.conn != nil {
			conn := m.conn
			groutine.Go(context.Background(), "hrv-disconnect-stale", func(context.Context) {
				_ = conn.Disconnect()
			})
		}
		return
	}
	l := c.link
	if m.err != nil {
		c.failAttempt(fmt.Errorf("connect %s: %w", l.peer.Address, m.err))
		return
	}

	l.conn = m.conn
	c.logger.WithField("address", l.peer.Address).Info("Connected, discovering services")

	gen, conn := l.gen, m.conn
	groutine.Go(l.ctx, "hrv-link-watch", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
			c.post(linkLostMsg{gen: gen})
		case <-ctx.Done():
		}
	})

	c.setState(DiscoveringServices)
	c.discover()
}

func (c *Controller) discover() {
	l := c.link
	l.rounds++
	gen, conn := l.gen, l.conn
	groutine.Go(l.ctx, "hrv-discover", func(ctx context.Context) {
		chars, err := conn.Discover(ctx)
		c.post(discoveryMsg{gen: gen, chars: chars, err: err})
	})
}

func (c *Controller) handleDiscovery(m discoveryMsg) {
	if !c.current(m.gen) || c.state != DiscoveringServices {
		return
	}
	l := c.link
	if m.err != nil {
		c.failAttempt(fmt.Errorf("discover services: %w", m.err))
		return
	}

	added := l.merge(m.chars)
	for _, ch := range l.resolved.Add(l.known()) {
		c.logger.WithFields(logrus.Fields{
			"uuid":         ch.UUID,
			"capabilities": ch.Capabilities,
		}).Warn("Characteristic lacks required capabilities")
	}
	c.logger.WithFields(logrus.Fields{
		"batch":    len(m.chars),
		"new":      added,
		"resolved": l.resolved.Len(),
		"round":    l.rounds,
	}).Debug("Discovery batch processed")

	if l.resolved.Complete() {
		c.beginSubscribing()
		return
	}

	err := &DiscoveryIncompleteError{Missing: l.resolved.Missing(), Round: l.rounds}
	c.logger.WithError(err).Warn("Discovery incomplete")
	c.emit(Event{Kind: EventError, Err: err})

	if c.opts.DiscoveryRounds > 0 && l.rounds >= c.opts.DiscoveryRounds {
		c.logger.WithField("rounds", l.rounds).Error("Giving up discovery, disconnect and reconnect to retry")
		return
	}
	gen := l.gen
	l.rediscover = c.clock.AfterFunc(c.opts.DiscoveryInterval, func() {
		c.post(rediscoverMsg{gen: gen})
	})
}

func (c *Controller) beginSubscribing() {
	l := c.link
	c.setState(Subscribing)

	var firstErr error
	for _, role := range registry.Subscribed {
		if err := l.seq.Enqueue(role); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		c.subscriptionFailed(firstErr)
	}
}

func (c *Controller) handleDescriptor(m descriptorMsg) {
	if !c.current(m.gen) || c.state != Subscribing {
		return
	}
	l := c.link
	head, ok := l.seq.Head()
	if !ok || head != m.role || !l.seq.InFlight() {
		return
	}

	if m.err != nil {
		c.subscriptionFailed(l.seq.Fail(m.err))
		return
	}
	done, err := l.seq.Advance()
	if err != nil {
		c.subscriptionFailed(err)
		return
	}
	if done {
		c.ready()
	}
}

func (c *Controller) subscriptionFailed(err error) {
	l := c.link
	c.logger.WithError(err).Error("Subscription failed")
	c.emit(Event{Kind: EventError, Err: err})

	var subErr *SubscriptionError
	if !errors.As(err, &subErr) || l.retries[subErr.Role] >= c.opts.SubscriptionRetries {
		return
	}
	l.retries[subErr.Role]++
	c.logger.WithFields(logrus.Fields{
		"role":    subErr.Role,
		"attempt": l.retries[subErr.Role],
	}).Info("Retrying subscription")
	if err := l.seq.Retry(); err != nil {
		c.subscriptionFailed(err)
	}
}

func (c *Controller) handleRetrySubscription() error {
	if c.state != Subscribing {
		return fmt.Errorf("retry subscription while %s: %w", c.state, ErrNotReady)
	}
	return c.link.seq.Retry()
}

func (c *Controller) ready() {
	c.attempts = 0
	c.setState(Ready)
	c.logger.WithField("address", c.link.peer.Address).Info("Sensor ready")
	c.emit(Event{Kind: EventConnected, Peer: c.link.peer})
}

func (c *Controller) handleNotification(m notificationMsg) {
	if !c.current(m.gen) || (c.state != Subscribing && c.state != Ready) {
		return
	}

	v, err := telemetry.Decode(m.role, m.data)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"role":  m.role,
			"bytes": len(m.data),
		}).Warn("Dropping undecodable value")
		c.emit(Event{Kind: EventError, Err: err})
		return
	}

	route, started := c.machine.Observe(m.role)
	if started != nil {
		c.measurementChanged(*started)
	}
	if !route.Emit {
		return
	}

	ev := Event{Kind: EventValue, Value: v, Accumulate: route.Accumulate}
	if m.role == registry.Response {
		stat, err := c.protocol.Attribute(c.clock.Now())
		if err != nil {
			c.logger.WithError(err).Warn("Unattributed response")
			c.emit(Event{Kind: EventError, Err: err})
		} else {
			ev.Statistic, ev.Attributed = stat, true
		}
	}
	c.emit(ev)
}

func (c *Controller) handleIntent(intent measurement.Intent) error {
	if c.state != Ready {
		return fmt.Errorf("%s while %s: %w", intent, c.state, ErrNotReady)
	}
	t, err := c.machine.Request(intent)
	if err != nil {
		return err
	}

	if intent == measurement.Finish {
		c.plan.Replace(t.Ops...)
	} else {
		c.plan.Append(t.Ops...)
	}
	c.measurementChanged(t)
	c.pump()
	return nil
}

func (c *Controller) measurementChanged(t measurement.Transition) {
	c.measSnap.Store(int32(t.To))
	c.emit(Event{Kind: EventMeasurement, Measurement: t.To, Reset: t.Reset})
}

// pump issues the next planned opcode once the previous write completed and
// the settle interval elapsed.
func (c *Controller) pump() {
	if c.cmdInFlight || c.settle != nil || c.plan.Len() == 0 || c.link == nil {
		return
	}

	now := c.clock.Now()
	if wait := c.protocol.Wait(now); wait > 0 {
		c.scheduleSettle(wait)
		return
	}

	op, _ := c.plan.Peek()
	err := c.protocol.Issue(now, op)
	if errors.Is(err, command.ErrSettling) {
		c.scheduleSettle(c.protocol.Wait(now))
		return
	}
	c.plan.Pop()
	if err != nil {
		c.logger.WithError(err).WithField("opcode", op).Error("Command not sent")
		c.emit(Event{Kind: EventError, Err: err})
		c.pump()
		return
	}
	c.cmdInFlight = true
}

func (c *Controller) scheduleSettle(d time.Duration) {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	gen := c.link.gen
	c.settle = c.clock.AfterFunc(d, func() {
		c.post(settleMsg{gen: gen})
	})
}

func (c *Controller) writeCommand(op command.Opcode) error {
	l := c.link
	if l == nil || l.conn == nil {
		return ErrNotReady
	}
	res, ok := l.resolved.Get(registry.Command)
	if !ok {
		return ErrNotReady
	}
	gen, conn := l.gen, l.conn
	groutine.Go(l.ctx, "hrv-command", func(ctx context.Context) {
		err := conn.WriteCharacteristic(ctx, res.Char, op.Bytes())
		c.post(commandDoneMsg{gen: gen, op: op, err: err})
	})
	return nil
}

func (c *Controller) handleCommandDone(m commandDoneMsg) {
	if !c.current(m.gen) {
		return
	}
	c.cmdInFlight = false
	if m.err != nil {
		err := fmt.Errorf("command %s: %w", m.op, m.err)
		c.logger.WithError(err).Error("Command write failed")
		c.emit(Event{Kind: EventError, Err: err})
	}
	c.pump()
}

// failAttempt tears the link down after a failure and applies the reconnect policy.
func (c *Controller) failAttempt(cause error) {
	c.teardown(cause)

	if c.attempts >= c.opts.Reconnect.MaxAttempts {
		return
	}
	c.attempts++
	gen := c.gen
	c.logger.WithFields(logrus.Fields{
		"attempt": c.attempts,
		"max":     c.opts.Reconnect.MaxAttempts,
		"backoff": c.opts.Reconnect.Backoff,
	}).Info("Scheduling reconnect")
	c.reconnect = c.clock.AfterFunc(c.opts.Reconnect.Backoff, func() {
		c.post(reconnectMsg{gen: gen})
	})
}

// teardown enters Disconnected: roles invalidated, queues dropped, timers stopped.
func (c *Controller) teardown(cause error) {
	prev := c.state
	var peer device.Peer
	if l := c.link; l != nil {
		peer = l.peer
		l.close()
		c.link = nil
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.plan.Clear()
	c.cmdInFlight = false
	c.protocol.Reset()

	if cause != nil {
		c.logger.WithError(cause).Error("Connection attempt failed")
		c.emit(Event{Kind: EventError, Err: cause})
	}
	if t, changed := c.machine.LinkLost(); changed {
		c.measurementChanged(t)
	}
	c.setState(Disconnected)
	if prev != Scanning && prev != Disconnected {
		c.emit(Event{Kind: EventDisconnected, Peer: peer})
	}
}

func (c *Controller) stopReconnect() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Controller) shutdown() {
	c.stopReconnect()
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	if c.link != nil {
		c.link.close()
		c.link = nil
	}
	c.logger.Debug("Session controller stopped")
}
