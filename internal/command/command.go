// Package command implements the single-byte command protocol spoken over the
// command characteristic.
package command

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Opcode is the single byte written to the command characteristic.
type Opcode byte

const (
	Standby   Opcode = 0
	Start     Opcode = 1
	Pause     Opcode = 2
	Reset     Opcode = 3
	DumpRMSSD Opcode = 10
	DumpSDANN Opcode = 11
	DumpHTI   Opcode = 12
)

// DefaultSettleInterval is the minimum spacing between two writes. The device
// drops commands that arrive closer together, so shorter intervals are raised to it.
const DefaultSettleInterval = 500 * time.Millisecond

var (
	ErrSettling             = errors.New("command issued before settle interval elapsed")
	ErrAttributionAmbiguous = errors.New("response cannot be attributed to a dump command")
)

func (o Opcode) String() string {
	switch o {
	case Standby:
		return "standby"
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Reset:
		return "reset"
	case DumpRMSSD:
		return "dump_rmssd"
	case DumpSDANN:
		return "dump_sdann"
	case DumpHTI:
		return "dump_hti"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

// Bytes returns the wire form of the opcode.
func (o Opcode) Bytes() []byte {
	return []byte{byte(o)}
}

// Statistic names an aggregate HRV value returned on the response characteristic.
type Statistic int

const (
	RMSSD Statistic = iota
	SDANN
	HTI
)

func (s Statistic) String() string {
	switch s {
	case RMSSD:
		return "rmssd"
	case SDANN:
		return "sdann"
	case HTI:
		return "hti"
	default:
		return "unknown"
	}
}

// Statistic maps a dump opcode onto the value it requests.
func (o Opcode) Statistic() (Statistic, bool) {
	switch o {
	case DumpRMSSD:
		return RMSSD, true
	case DumpSDANN:
		return SDANN, true
	case DumpHTI:
		return HTI, true
	default:
		return 0, false
	}
}

// FinishSequence returns the writes that end a measurement and request its results.
func FinishSequence() []Opcode {
	return []Opcode{Pause, DumpRMSSD, DumpSDANN, DumpHTI}
}

// Writer delivers one opcode to the device.
type Writer interface {
	WriteCommand(op Opcode) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(op Opcode) error

func (f WriterFunc) WriteCommand(op Opcode) error { return f(op) }

// Pending is the most recently issued opcode.
type Pending struct {
	Opcode   Opcode
	IssuedAt time.Time
}

// Options configures a Protocol.
type Options struct {
	// SettleInterval below DefaultSettleInterval, zero included, is raised to it.
	SettleInterval time.Duration
	// AttributionTimeout bounds how long a pending dump may claim a response. Zero disables it.
	AttributionTimeout time.Duration
}

// Protocol paces writes and remembers the last one for response attribution.
// Time is always supplied by the caller.
type Protocol struct {
	mu      sync.Mutex
	writer  Writer
	opts    Options
	limiter *rate.Limiter
	pending *Pending
	logger  *logrus.Logger
}

func New(w Writer, opts Options, logger *logrus.Logger) *Protocol {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SettleInterval < DefaultSettleInterval {
		if opts.SettleInterval != 0 {
			logger.WithField("settle_interval", opts.SettleInterval).
				Warn("Settle interval below device minimum, using default")
		}
		opts.SettleInterval = DefaultSettleInterval
	}
	return &Protocol{
		writer:  w,
		opts:    opts,
		limiter: newLimiter(opts.SettleInterval),
		logger:  logger,
	}
}

func newLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}

// SettleInterval returns the effective spacing between writes.
func (p *Protocol) SettleInterval() time.Duration {
	return p.opts.SettleInterval
}

// Wait returns how long after now the next write becomes allowed.
func (p *Protocol) Wait(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokens := p.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) * float64(p.opts.SettleInterval))
}

// Issue writes op and records it as pending. Writes closer together than the
// settle interval are rejected with ErrSettling and never reach the writer.
func (p *Protocol) Issue(now time.Time, op Opcode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.limiter.AllowN(now, 1) {
		p.logger.WithFields(logrus.Fields{
			"opcode": op,
		}).Debug("Command rejected, still settling")
		return ErrSettling
	}

	if err := p.writer.WriteCommand(op); err != nil {
		return fmt.Errorf("write %s: %w", op, err)
	}

	p.pending = &Pending{Opcode: op, IssuedAt: now}
	p.logger.WithFields(logrus.Fields{
		"opcode": op,
		"byte":   byte(op),
	}).Debug("Command issued")
	return nil
}

// Pending returns the last issued opcode, if any.
func (p *Protocol) Pending() (Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return Pending{}, false
	}
	return *p.pending, true
}

// Attribute names the statistic a response received at now belongs to.
func (p *Protocol) Attribute(now time.Time) (Statistic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return 0, fmt.Errorf("no command issued: %w", ErrAttributionAmbiguous)
	}
	if p.opts.AttributionTimeout > 0 && now.Sub(p.pending.IssuedAt) > p.opts.AttributionTimeout {
		return 0, fmt.Errorf("%s issued %s ago: %w", p.pending.Opcode, now.Sub(p.pending.IssuedAt), ErrAttributionAmbiguous)
	}
	stat, ok := p.pending.Opcode.Statistic()
	if !ok {
		return 0, fmt.Errorf("last command was %s: %w", p.pending.Opcode, ErrAttributionAmbiguous)
	}
	return stat, nil
}

// Reset forgets the pending opcode and the settle history.
func (p *Protocol) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = nil
	p.limiter = newLimiter(p.opts.SettleInterval)
}
