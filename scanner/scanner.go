// Package scanner collects advertising peripherals for the scan command.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Entry is one discovered peripheral with its latest advertisement data.
type Entry struct {
	Peer     device.Peer `json:"peer"`
	Services []string    `json:"services,omitempty"`
	Seen     int         `json:"seen"`
	LastSeen time.Time   `json:"last_seen"`
}

// Scanner handles BLE device discovery
type Scanner struct {
	dev     device.ScanningDevice
	entries *hashmap.Map[string, *Entry]
	logger  *logrus.Logger
	now     func() time.Time

	opts *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ServiceUUIDs keeps peers advertising at least one of these services.
	ServiceUUIDs []string
	// Name keeps peers whose trimmed name equals it.
	Name      string
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(dev device.ScanningDevice, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		dev:    dev,
		logger: logger,
		now:    time.Now,
	}
}

// Scan performs discovery until ctx ends or opts.Duration elapses. Running
// out of time is the normal way a scan completes and is not an error.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Entry, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	s.entries = hashmap.New[string, *Entry]()
	s.opts = opts
	defer func() { s.opts = nil }()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	err := s.dev.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.entries.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	out := make([]Entry, 0, s.entries.Len())
	s.entries.Range(func(_ string, e *Entry) bool {
		out = append(out, *e)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer.Name != out[j].Peer.Name {
			return out[i].Peer.Name < out[j].Peer.Name
		}
		return out[i].Peer.Address < out[j].Peer.Address
	})
	return out, nil
}

// handleAdvertisement updates existing or adds a new entry. Called from the
// transport goroutine.
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	peer := device.PeerFromAdvertisement(adv)
	if !s.shouldInclude(peer, adv.Services()) {
		return
	}

	fresh := &Entry{Peer: peer, Services: device.NormalizeUUIDs(adv.Services()), Seen: 1, LastSeen: s.now()}
	e, existing := s.entries.GetOrInsert(peer.Address, fresh)
	if existing {
		// Advertisements for one address arrive on one goroutine; Set publishes the copy.
		updated := *e
		updated.Seen++
		updated.LastSeen = fresh.LastSeen
		updated.Peer.RSSI = peer.RSSI
		if peer.Name != "" {
			updated.Peer.Name = peer.Name
		}
		if len(fresh.Services) > 0 {
			updated.Services = fresh.Services
		}
		s.entries.Set(peer.Address, &updated)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"device":  peer.Name,
		"address": peer.Address,
		"rssi":    peer.RSSI,
	}).Info("Discovered new device")
}

// shouldInclude applies allow/block/name/service filters
func (s *Scanner) shouldInclude(peer device.Peer, services []string) bool {
	opts := s.opts
	if opts == nil {
		return true
	}

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(peer.Address, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(peer.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.Name != "" && peer.Name != strings.TrimSpace(opts.Name) {
		return false
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := device.NormalizeUUIDs(services)
		for _, required := range device.NormalizeUUIDs(opts.ServiceUUIDs) {
			for _, u := range advertised {
				if u == required {
					return true
				}
			}
		}
		return false
	}

	return true
}
