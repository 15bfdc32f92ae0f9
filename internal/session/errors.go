package session

import (
	"errors"
	"fmt"

	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/subscription"
)

var (
	ErrNotReady            = errors.New("session not ready")
	ErrDeviceNotFound      = errors.New("sensor not found")
	ErrDiscoveryIncomplete = errors.New("discovery incomplete")
	ErrConnectionLost      = errors.New("connection lost")
	ErrClosed              = errors.New("session closed")

	ErrTransportUnavailable = device.ErrTransportUnavailable
	ErrSubscriptionFailed   = subscription.ErrFailed
)

// SubscriptionError names the role whose descriptor write failed.
type SubscriptionError = subscription.Error

// DiscoveryIncompleteError lists roles still unresolved after a discovery batch.
type DiscoveryIncompleteError struct {
	Missing []registry.Role
	Round   int
}

func (e *DiscoveryIncompleteError) Error() string {
	return fmt.Sprintf("discovery round %d: missing %s", e.Round, registry.RoleNames(e.Missing))
}

func (e *DiscoveryIncompleteError) Unwrap() error { return ErrDiscoveryIncomplete }
