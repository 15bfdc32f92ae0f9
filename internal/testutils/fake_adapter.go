package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/registry"
)

// FakeAdapter is a scripted device.Adapter. Scan delivers the configured
// advertisements and then blocks until its context ends. Dial hands out the
// queued results in order.
type FakeAdapter struct {
	mu    sync.Mutex
	advs  []device.Advertisement
	dials []dialResult
	// ScanErr makes Scan fail immediately.
	ScanErr error

	scans     int
	dialAddrs []string
}

type dialResult struct {
	link *FakeLink
	err  error
}

func NewFakeAdapter(advs ...device.Advertisement) *FakeAdapter {
	return &FakeAdapter{advs: advs}
}

// QueueLink makes the next Dial succeed with l.
func (a *FakeAdapter) QueueLink(l *FakeLink) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials = append(a.dials, dialResult{link: l})
	return a
}

// QueueDialError makes the next Dial fail with err.
func (a *FakeAdapter) QueueDialError(err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials = append(a.dials, dialResult{err: err})
	return a
}

func (a *FakeAdapter) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	a.mu.Lock()
	a.scans++
	advs := append([]device.Advertisement(nil), a.advs...)
	scanErr := a.ScanErr
	a.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for _, adv := range advs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *FakeAdapter) Dial(ctx context.Context, address string) (device.Link, error) {
	a.mu.Lock()
	a.dialAddrs = append(a.dialAddrs, address)
	if len(a.dials) == 0 {
		a.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := a.dials[0]
	a.dials = a.dials[1:]
	a.mu.Unlock()

	if next.err != nil {
		return nil, next.err
	}
	return next.link, nil
}

// Scans returns how many times Scan was called.
func (a *FakeAdapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Dials returns the addresses passed to Dial.
func (a *FakeAdapter) Dials() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dialAddrs...)
}

// FakeLink is a scripted device.Link. Each Discover call returns the next batch.
type FakeLink struct {
	mu      sync.Mutex
	batches [][]device.Characteristic
	// DiscoverErr makes Discover fail.
	DiscoverErr error

	handlers       map[string]device.NotificationHandler
	enableOrder    []string
	descriptorErrs map[string][]error
	descWrites     []string
	inFlight       int
	maxInFlight    int
	gate           chan struct{}
	writes         [][]byte
	writeErr       error

	disconnected   chan struct{}
	dropOnce       sync.Once
	disconnectCall int
}

func NewFakeLink(batches ...[]device.Characteristic) *FakeLink {
	return &FakeLink{
		batches:        batches,
		handlers:       make(map[string]device.NotificationHandler),
		descriptorErrs: make(map[string][]error),
		disconnected:   make(chan struct{}),
	}
}

// SensorCharacteristics returns every sensor characteristic with correct capabilities.
func SensorCharacteristics() []device.Characteristic {
	chars := make([]device.Characteristic, 0, len(registry.Table))
	for _, r := range registry.Table {
		chars = append(chars, device.Characteristic{UUID: r.UUID(), Capabilities: r.Requires(), Handle: r.String()})
	}
	return chars
}

// GateDescriptors makes every descriptor write wait for ReleaseDescriptor.
func (l *FakeLink) GateDescriptors() *FakeLink {
	l.gate = make(chan struct{}, 16)
	return l
}

// ReleaseDescriptor lets one gated descriptor write complete.
func (l *FakeLink) ReleaseDescriptor() {
	l.gate <- struct{}{}
}

// FailDescriptor queues errors returned by successive descriptor writes for uuid.
func (l *FakeLink) FailDescriptor(uuid string, errs ...error) *FakeLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := canonical(uuid)
	l.descriptorErrs[key] = append(l.descriptorErrs[key], errs...)
	return l
}

// FailWrites makes every characteristic write fail with err.
func (l *FakeLink) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

func (l *FakeLink) Discover(ctx context.Context) ([]device.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.DiscoverErr != nil {
		return nil, l.DiscoverErr
	}
	if len(l.batches) == 0 {
		return nil, nil
	}
	batch := l.batches[0]
	if len(l.batches) > 1 {
		l.batches = l.batches[1:]
	} else {
		l.batches = nil
	}
	return batch, nil
}

func (l *FakeLink) EnableNotifications(char device.Characteristic, handler device.NotificationHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := canonical(char.UUID)
	l.handlers[key] = handler
	l.enableOrder = append(l.enableOrder, key)
	return nil
}

func (l *FakeLink) WriteDescriptor(ctx context.Context, char device.Characteristic) error {
	key := canonical(char.UUID)

	l.mu.Lock()
	l.inFlight++
	if l.inFlight > l.maxInFlight {
		l.maxInFlight = l.inFlight
	}
	l.descWrites = append(l.descWrites, key)
	var err error
	if errs := l.descriptorErrs[key]; len(errs) > 0 {
		err = errs[0]
		l.descriptorErrs[key] = errs[1:]
	}
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	return err
}

func (l *FakeLink) WriteCharacteristic(ctx context.Context, char device.Characteristic, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.writes = append(l.writes, append([]byte(nil), data...))
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	l.disconnectCall++
	l.mu.Unlock()
	l.Drop()
	return nil
}

// Drop simulates link loss.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// Notify delivers data to the handler installed for uuid. It reports false
// when notifications were never enabled for it.
func (l *FakeLink) Notify(uuid string, data []byte) bool {
	l.mu.Lock()
	h, ok := l.handlers[canonical(uuid)]
	l.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Enabled returns the UUIDs whose local notification flag was set, in order.
func (l *FakeLink) Enabled() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.enableOrder...)
}

// DescriptorWrites returns the UUIDs whose descriptor was written, in order.
func (l *FakeLink) DescriptorWrites() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.descWrites...)
}

// MaxInFlight is the highest number of concurrent descriptor writes observed.
func (l *FakeLink) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

// Writes returns every payload written to a characteristic.
func (l *FakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Opcodes flattens single-byte writes.
func (l *FakeLink) Opcodes() []byte {
	var ops []byte
	for _, w := range l.Writes() {
		ops = append(ops, w...)
	}
	return ops
}

func (l *FakeLink) DisconnectCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnectCall
}

func canonical(uuid string) string {
	c, err := device.CanonicalUUID(uuid)
	if err != nil {
		return device.NormalizeUUID(uuid)
	}
	return c
}

var _ device.Adapter = (*FakeAdapter)(nil)
var _ device.Link = (*FakeLink)(nil)

// ErrFake is a generic transport failure for tests.
var ErrFake = errors.New("fake transport failure")
