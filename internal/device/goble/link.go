package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/groutine"
)

// Link is a connected go-ble client. It implements device.Link.
type Link struct {
	client ble.Client
	logger *logrus.Logger

	writeMutex sync.Mutex

	mu       sync.Mutex
	handlers map[*ble.Characteristic]device.NotificationHandler
	closed   bool

	disconnected chan struct{}
	closeOnce    sync.Once
}

func newLink(client ble.Client, logger *logrus.Logger) *Link {
	l := &Link{
		client:       client,
		logger:       logger,
		handlers:     make(map[*ble.Characteristic]device.NotificationHandler),
		disconnected: make(chan struct{}),
	}

	// CoreBluetooth and HCI clients both expose a Disconnected channel; the
	// assertion keeps forks without it usable.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				logger.Warn("Transport reported disconnection")
				l.markDisconnected()
			case <-l.disconnected:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *Link) markDisconnected() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.disconnected)
	})
}

// Discover runs a full profile discovery. go-ble enumerates everything in one
// pass so every call returns the complete set.
func (l *Link) Discover(ctx context.Context) ([]device.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		l.logger.WithError(err).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	var chars []device.Characteristic
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			chars = append(chars, device.Characteristic{
				UUID:         c.UUID.String(),
				Capabilities: CapabilitiesFromProperty(c.Property),
				Handle:       c,
			})
		}
	}
	l.logger.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")
	return chars, nil
}

func bleCharacteristic(char device.Characteristic) (*ble.Characteristic, error) {
	c, ok := char.Handle.(*ble.Characteristic)
	if !ok || c == nil {
		return nil, fmt.Errorf("characteristic %s was not discovered on this link", char.UUID)
	}
	return c, nil
}

// EnableNotifications installs the handler locally. The peer is not touched
// until WriteDescriptor.
func (l *Link) EnableNotifications(char device.Characteristic, handler device.NotificationHandler) error {
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return device.ErrNotConnected
	}
	l.handlers[c] = handler
	return nil
}

// WriteDescriptor subscribes on the peer, which writes the CCCD.
func (l *Link) WriteDescriptor(ctx context.Context, char device.Characteristic) error {
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	l.mu.Lock()
	handler, ok := l.handlers[c]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("notifications not enabled for %s", char.UUID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	err = l.client.Subscribe(c, false, func(data []byte) {
		handler(data)
	})
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"char_uuid": char.UUID,
			"error":     err,
		}).Warn("Failed to write notification descriptor")
		return NormalizeError(err)
	}
	return nil
}

// WriteCharacteristic writes with response.
func (l *Link) WriteCharacteristic(ctx context.Context, char device.Characteristic, data []byte) error {
	c, err := bleCharacteristic(char)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if err := l.client.WriteCharacteristic(c, data, false); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", char.UUID, NormalizeError(err))
	}
	return nil
}

func (l *Link) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Disconnect cancels the connection. Calling it more than once is safe.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.handlers = make(map[*ble.Characteristic]device.NotificationHandler)
	l.mu.Unlock()

	err := l.client.CancelConnection()
	l.markDisconnected()
	if err != nil {
		l.logger.WithError(err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	l.logger.Info("BLE device disconnected")
	return nil
}
