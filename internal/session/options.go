package session

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// DefaultSensorName is the advertised name of the HRV sensor.
const DefaultSensorName = "Nano 33 BLE Rev2 HRV"

// ReconnectPolicy controls what happens after a failed or lost connection.
// MaxAttempts of zero means a single attempt.
type ReconnectPolicy struct {
	MaxAttempts int           `default:"0"`
	Backoff     time.Duration `default:"2s"`
}

// Options configures a Controller.
type Options struct {
	SensorName      string        `default:"Nano 33 BLE Rev2 HRV"`
	ScanTimeout     time.Duration `default:"0s"`
	ConnectTimeout  time.Duration `default:"15s"`
	AllowDuplicates bool          `default:"false"`

	SettleInterval     time.Duration `default:"500ms"`
	AttributionTimeout time.Duration `default:"0s"`

	AutoStart bool `default:"true"`

	// SubscriptionRetries is how often a failed descriptor write is re-issued automatically.
	SubscriptionRetries int `default:"0"`
	// DiscoveryRounds bounds how often discovery is repeated while roles are missing.
	DiscoveryRounds   int           `default:"3"`
	DiscoveryInterval time.Duration `default:"1s"`

	Reconnect ReconnectPolicy

	EventBuffer int `default:"256"`

	// Clock defaults to the wall clock.
	Clock Clock
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var opts Options
	defaults.SetDefaults(&opts)
	return opts
}

func (o Options) clock() Clock {
	if o.Clock == nil {
		return RealClock()
	}
	return o.Clock
}
