package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
	"github.com/srg/hrvlink/internal/sink"
)

// stdoutIsTerminal reports whether colors should be used on stdout.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// consoleSink prints human readable events. Live waveform samples are
// printed only when live is set since they arrive at sample rate.
type consoleSink struct {
	mu   sync.Mutex
	out  io.Writer
	live bool

	label *color.Color
	value *color.Color
	good  *color.Color
	warn  *color.Color
	bad   *color.Color
}

func newConsoleSink(out io.Writer, colored, live bool) *consoleSink {
	c := &consoleSink{
		out:   out,
		live:  live,
		label: color.New(color.FgCyan),
		value: color.New(color.Bold),
		good:  color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
	}
	if !colored {
		for _, col := range []*color.Color{c.label, c.value, c.good, c.warn, c.bad} {
			col.DisableColor()
		}
	}
	return c
}

func (c *consoleSink) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *consoleSink) OnConnected(peer device.Peer) {
	c.printf("%s %s (%s)\n", c.good.Sprint("connected"), peer.Name, peer.Address)
}

func (c *consoleSink) OnDisconnected(peer device.Peer) {
	c.printf("%s %s\n", c.warn.Sprint("disconnected"), peer.Address)
}

func (c *consoleSink) OnDeviceFound(peer device.Peer) {
	c.printf("found %s (%s, %d dBm)\n", peer.Name, peer.Address, peer.RSSI)
}

func (c *consoleSink) OnValue(ev session.Event) {
	switch {
	case ev.Value.Role == registry.Response && ev.Attributed:
		c.printf("%s %s\n", c.label.Sprintf("%-6s", ev.Statistic), c.value.Sprintf("%.3f", ev.Value.Statistic))
	case ev.Value.Role == registry.Response:
		c.printf("%s %s\n", c.warn.Sprint("response"), c.value.Sprintf("%.3f", ev.Value.Statistic))
	case ev.Value.Role == registry.LiveSignal:
		if c.live {
			c.printf("%s %d\n", c.label.Sprintf("%-6s", "live"), ev.Value.Int)
		}
	case ev.Value.Role == registry.Bpm:
		c.printf("%s %s\n", c.label.Sprintf("%-6s", "bpm"), c.value.Sprint(ev.Value.Int))
	case ev.Value.Role == registry.LiveRr:
		c.printf("%s %s\n", c.label.Sprintf("%-6s", "rr"), c.value.Sprint(ev.Value.Int))
	}
}

func (c *consoleSink) OnSessionState(state session.State) {
	c.printf("link: %s\n", state)
}

func (c *consoleSink) OnMeasurement(state measurement.State, reset bool) {
	if reset {
		c.printf("measurement: %s (history cleared)\n", c.good.Sprint(state))
		return
	}
	c.printf("measurement: %s\n", c.good.Sprint(state))
}

func (c *consoleSink) OnError(err error) {
	c.printf("%s %s\n", c.bad.Sprint("error:"), FormatUserError(err))
}

var (
	_ sink.Sink          = (*consoleSink)(nil)
	_ sink.StateObserver = (*consoleSink)(nil)
	_ sink.ErrorObserver = (*consoleSink)(nil)
)
