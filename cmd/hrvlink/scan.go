package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/hrvlink/internal/devicefactory"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for HRV sensors",
	Long: `Scan for Bluetooth Low Energy peripherals and list them.

By default every advertising peripheral is listed. Use --name to keep only
peripherals with that exact advertised name, or --sensor to keep peripherals
advertising the HRV service.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanName        string
	scanSensorOnly  bool
	scanNoDuplicate bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Only show peripherals with this exact name")
	scanCmd.Flags().BoolVar(&scanSensorOnly, "sensor", false, "Only show peripherals advertising the HRV service")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	adapter, err := devicefactory.NewAdapter(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE adapter: %w", err)
	}

	opts := &scanner.ScanOptions{
		Duration:        scanDuration,
		DuplicateFilter: scanNoDuplicate,
		Name:            scanName,
	}
	if scanSensorOnly {
		opts.ServiceUUIDs = []string{registry.ServiceUUID}
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", scanDuration, "Processing results")
	progress.Start()
	entries, err := scanner.NewScanner(adapter, logger).Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayEntriesJSON(cmd.OutOrStdout(), entries)
	}
	return displayEntriesTable(cmd.OutOrStdout(), entries, time.Now())
}

func displayEntriesTable(out io.Writer, entries []scanner.Entry, now time.Time) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, e := range entries {
		name := e.Peer.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		services := strings.Join(e.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := now.Sub(e.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, e.Peer.Address, e.Peer.RSSI, services, lastSeen)
	}

	return w.Flush()
}

func displayEntriesJSON(out io.Writer, entries []scanner.Entry) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

// commandContext returns the command's context, or Background outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
