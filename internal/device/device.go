package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected         ConnectionState = "not_connected"
	AlreadyConnected     ConnectionState = "already_connected"
	NotInitialized       ConnectionState = "not_initialized"
	TransportUnavailable ConnectionState = "transport_unavailable"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected         = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected     = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized       = &ConnectionError{State: NotInitialized}
	ErrTransportUnavailable = &ConnectionError{State: TransportUnavailable}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = &ConnectionError{State: TransportUnavailable, Msg: "bluetooth is turned off"}
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is the subset of advertising data the session needs to pick a peer.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// Peer is a discovered peripheral. Address is its identity key.
type Peer struct {
	Address string
	Name    string
	RSSI    int
}

// PeerFromAdvertisement builds a Peer with the advertised name trimmed.
func PeerFromAdvertisement(adv Advertisement) Peer {
	return Peer{
		Address: adv.Addr(),
		Name:    strings.TrimSpace(adv.LocalName()),
		RSSI:    adv.RSSI(),
	}
}

// ScanningDevice represents a BLE device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Dialer establishes a connection to a peer address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Adapter is the host radio: discovery plus connection establishment.
type Adapter interface {
	ScanningDevice
	Dialer
}

// Characteristic is a discovered characteristic as reported by the transport.
// Handle is opaque to the core and only handed back to the Link that produced it.
type Characteristic struct {
	UUID         string
	Capabilities Capability
	Handle       any
}

func (c Characteristic) String() string {
	return fmt.Sprintf("%s [%s]", c.UUID, c.Capabilities)
}

// NotificationHandler receives raw notification payloads. It is invoked on a
// transport goroutine and must not block.
type NotificationHandler func(data []byte)

// Link represents one physical connection to a peripheral.
//
// Discover, WriteDescriptor and WriteCharacteristic block until the transport
// acknowledges them; callers run them off their own event loop.
type Link interface {
	// Discover returns the characteristics known so far. Repeated calls may
	// return more characteristics as enumeration progresses.
	Discover(ctx context.Context) ([]Characteristic, error)

	// EnableNotifications sets the local notification flag and installs the
	// handler for a characteristic. It performs no radio I/O.
	EnableNotifications(char Characteristic, handler NotificationHandler) error

	// WriteDescriptor writes the client characteristic configuration
	// descriptor enabling notifications on the peer.
	WriteDescriptor(ctx context.Context, char Characteristic) error

	// WriteCharacteristic writes data with response.
	WriteCharacteristic(ctx context.Context, char Characteristic, data []byte) error

	// Disconnected is closed when the transport reports link loss.
	Disconnected() <-chan struct{}

	Disconnect() error
}
