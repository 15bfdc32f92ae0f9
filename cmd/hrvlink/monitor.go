package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/devicefactory"
	"github.com/srg/hrvlink/internal/groutine"
	"github.com/srg/hrvlink/internal/session"
	"github.com/srg/hrvlink/internal/sink"
	"github.com/srg/hrvlink/pkg/config"
)

// disconnectTimeout bounds the final Disconnect on exit.
const disconnectTimeout = 3 * time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to the sensor and stream measurements",
	Long: `Connect to the HRV sensor, subscribe to its streams and print values.

Commands are read from stdin, one per line:

  start    start or resume a measurement
  pause    pause the running measurement
  finish   finish and request RMSSD, SDANN and HTI
  retry    retry a failed notification subscription
  status   print link and measurement state
  quit     disconnect and exit

On exit the measurement summary is written as JSON to --output.`,
	Example: `  hrvlink monitor --output measurements.json
  echo finish | hrvlink monitor --duration 5m`,
	RunE: runMonitor,
}

var (
	monitorOutput   string
	monitorDuration time.Duration
	monitorName     string
	monitorLive     bool
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorOutput, "output", "o", "", "Write the measurement summary JSON to this file on exit")
	monitorCmd.Flags().DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 for no limit)")
	monitorCmd.Flags().StringVarP(&monitorName, "name", "n", "", "Advertised sensor name (overrides config)")
	monitorCmd.Flags().BoolVar(&monitorLive, "live", false, "Print live waveform samples")
	monitorCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if monitorName != "" {
		cfg.Sensor.Name = monitorName
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	adapter, err := devicefactory.NewAdapter(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE adapter: %w", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	m := &monitor{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger,
		in:      cmd.InOrStdin(),
		out:     cmd.OutOrStdout(),
		colored: stdoutIsTerminal(),
		live:    monitorLive,
	}
	summary, err := m.run(ctx)
	if err != nil {
		return err
	}
	if monitorOutput != "" {
		return writeSummary(monitorOutput, summary)
	}
	return nil
}

// monitor wires one controller to its sinks and the stdin command loop.
type monitor struct {
	adapter device.Adapter
	cfg     *config.Config
	logger  *logrus.Logger
	in      io.Reader
	out     io.Writer
	colored bool
	live    bool

	ctrl     *session.Controller
	recorder *sink.Recorder
}

func (m *monitor) run(ctx context.Context) (sink.Summary, error) {
	m.ctrl = session.New(m.adapter, m.cfg.SessionOptions(), m.logger)
	m.recorder = sink.NewRecorder(m.cfg.RecorderOptions())

	sinks := sink.NewRegistry(m.logger)
	if err := sinks.Register("recorder", m.recorder); err != nil {
		return sink.Summary{}, err
	}
	if err := sinks.Register("log", sink.NewLogSink(m.logger)); err != nil {
		return sink.Summary{}, err
	}
	if err := sinks.Register("console", newConsoleSink(m.out, m.colored, m.live)); err != nil {
		return sink.Summary{}, err
	}
	if m.cfg.NATS.URL != "" {
		pub, conn, err := sink.DialNATS(m.cfg.NATSOptions(), m.logger)
		if err != nil {
			return sink.Summary{}, err
		}
		defer conn.Close()
		if err := sinks.Register("nats", pub); err != nil {
			return sink.Summary{}, err
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	groutine.Go(runCtx, "session-controller", func(ctx context.Context) {
		defer close(runDone)
		_ = m.ctrl.Run(ctx)
	})
	// Sinks drain until the controller closes its event stream, so teardown
	// events emitted on shutdown still reach them.
	dispatched := make(chan struct{})
	groutine.Go(context.Background(), "sink-dispatch", func(ctx context.Context) {
		defer close(dispatched)
		sinks.Run(ctx, m.ctrl.Events())
	})
	defer func() {
		cancelRun()
		<-runDone
		<-dispatched
	}()

	if err := m.ctrl.Connect(ctx); err != nil {
		return sink.Summary{}, err
	}

	lines := readLines(ctx, m.in)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := m.handleLine(ctx, line); quit {
				break loop
			}
		}
	}

	dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := m.ctrl.Disconnect(dctx); err != nil {
		m.logger.WithError(err).Debug("Disconnect on exit failed")
	}
	return m.recorder.Summary(), nil
}

// handleLine executes one stdin command and reports whether to quit.
func (m *monitor) handleLine(ctx context.Context, line string) bool {
	var err error
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false
	case "start":
		err = m.ctrl.Start(ctx)
	case "pause":
		err = m.ctrl.Pause(ctx)
	case "finish":
		err = m.ctrl.Finish(ctx)
	case "retry":
		err = m.ctrl.RetrySubscription(ctx)
	case "status":
		m.printStatus()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(m.out, "unknown command %q (start, pause, finish, retry, status, quit)\n", strings.TrimSpace(line))
	}
	if err != nil {
		fmt.Fprintf(m.out, "error: %s\n", FormatUserError(err))
	}
	return false
}

func (m *monitor) printStatus() {
	fmt.Fprintf(m.out, "link: %s  measurement: %s  bpm: %d\n",
		m.ctrl.State(), m.ctrl.Measurement(), m.recorder.LastBPM())
	for _, s := range []command.Statistic{command.RMSSD, command.SDANN, command.HTI} {
		if v, ok := m.recorder.Statistic(s); ok {
			fmt.Fprintf(m.out, "  %s: %.3f\n", s, v)
		}
	}
}

// readLines streams lines from r until EOF or ctx ends, then closes the channel.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	groutine.Go(ctx, "stdin-reader", func(ctx context.Context) {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	})
	return lines
}

func writeSummary(path string, summary sink.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write summary %q: %w", path, err)
	}
	return nil
}
