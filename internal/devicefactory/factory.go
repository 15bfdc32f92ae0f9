// Package devicefactory builds the platform transport adapter.
package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/device/goble"
)

// AdapterFactory creates the device.Adapter used by the CLI.
// This is a variable so that it can be overridden in tests.
var AdapterFactory = func(logger *logrus.Logger) (device.Adapter, error) {
	return goble.NewAdapter(logger), nil
}

// NewAdapter returns an adapter from AdapterFactory.
func NewAdapter(logger *logrus.Logger) (device.Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	return AdapterFactory(logger)
}
