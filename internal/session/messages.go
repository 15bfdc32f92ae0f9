package session

import (
	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
)

// message is anything posted to the controller inbox.
type message any

// caller requests

type connectMsg struct{ reply chan error }

type disconnectMsg struct{ reply chan error }

type intentMsg struct {
	intent measurement.Intent
	reply  chan error
}

type retrySubscriptionMsg struct{ reply chan error }

// transport and timer callbacks, tagged with the link generation

type advertisementMsg struct {
	gen  uint64
	peer device.Peer
}

type scanDoneMsg struct {
	gen uint64
	err error
}

type dialDoneMsg struct {
	gen  uint64
	conn device.Link
	err  error
}

type discoveryMsg struct {
	gen   uint64
	chars []device.Characteristic
	err   error
}

type rediscoverMsg struct{ gen uint64 }

type descriptorMsg struct {
	gen  uint64
	role registry.Role
	err  error
}

type notificationMsg struct {
	gen  uint64
	role registry.Role
	data []byte
}

type linkLostMsg struct{ gen uint64 }

type commandDoneMsg struct {
	gen uint64
	op  command.Opcode
	err error
}

type settleMsg struct{ gen uint64 }

type reconnectMsg struct{ gen uint64 }
