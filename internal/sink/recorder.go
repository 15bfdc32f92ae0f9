package sink

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/hrvlink/internal/command"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/measurement"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/session"
)

const (
	DefaultBPMBins    = 220
	DefaultRRBins     = 1200
	DefaultLiveWindow = 1000
)

// RecorderOptions sizes the recorder tables.
type RecorderOptions struct {
	BPMBins    int
	RRBins     int
	LiveWindow int
}

// Recorder accumulates histograms, the live waveform window and the final
// statistics of a measurement.
type Recorder struct {
	mu         sync.Mutex
	opts       RecorderOptions
	bpm        []int
	rr         []int
	live       mpmc.RichOverlappedRingBuffer[int32]
	window     []int32
	overwrites uint64
	stats      *orderedmap.OrderedMap[command.Statistic, float64]
	lastBPM    int32
	state      measurement.State
	connected  bool
}

func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.BPMBins <= 0 {
		opts.BPMBins = DefaultBPMBins
	}
	if opts.RRBins <= 0 {
		opts.RRBins = DefaultRRBins
	}
	if opts.LiveWindow <= 0 {
		opts.LiveWindow = DefaultLiveWindow
	}
	return &Recorder{
		opts:  opts,
		bpm:   make([]int, opts.BPMBins),
		rr:    make([]int, opts.RRBins),
		live:  mpmc.NewOverlappedRingBuffer[int32](uint32(opts.LiveWindow)),
		stats: orderedmap.New[command.Statistic, float64](),
	}
}

func (r *Recorder) OnConnected(device.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
}

func (r *Recorder) OnDisconnected(device.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
}

func (r *Recorder) OnDeviceFound(device.Peer) {}

func (r *Recorder) OnValue(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := ev.Value
	switch v.Role {
	case registry.Bpm:
		r.lastBPM = v.Int
		if ev.Accumulate {
			bump(r.bpm, v.Int)
		}
	case registry.LiveRr:
		if ev.Accumulate {
			bump(r.rr, v.Int)
		}
	case registry.LiveSignal:
		if n, err := r.live.EnqueueM(v.Int); err == nil {
			r.overwrites += uint64(n)
		}
	case registry.Response:
		if ev.Attributed {
			r.stats.Set(ev.Statistic, v.Statistic)
		}
	}
}

func (r *Recorder) OnSessionState(session.State) {}

func (r *Recorder) OnMeasurement(state measurement.State, reset bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = state
	if reset {
		r.clearLocked()
	}
}

// bump increments the bin for v. Values outside the table are dropped.
func bump(bins []int, v int32) {
	if v < 0 || int(v) >= len(bins) {
		return
	}
	bins[v]++
}

func (r *Recorder) clearLocked() {
	clear(r.bpm)
	clear(r.rr)
	for !r.live.IsEmpty() {
		if _, err := r.live.Dequeue(); err != nil {
			break
		}
	}
	r.window = r.window[:0]
	r.stats = orderedmap.New[command.Statistic, float64]()
	r.lastBPM = 0
}

// Reset clears every accumulated value.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// BPMHistogram returns a copy of the BPM table.
func (r *Recorder) BPMHistogram() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.bpm...)
}

// RRHistogram returns a copy of the RR table.
func (r *Recorder) RRHistogram() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.rr...)
}

// LastBPM is the most recent BPM value, accumulated or not.
func (r *Recorder) LastBPM() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBPM
}

// Live returns the most recent live samples, oldest first.
func (r *Recorder) Live() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.live.IsEmpty() {
		s, err := r.live.Dequeue()
		if err != nil {
			break
		}
		r.window = append(r.window, s)
	}
	if extra := len(r.window) - r.opts.LiveWindow; extra > 0 {
		r.window = append(r.window[:0], r.window[extra:]...)
	}
	return append([]int32(nil), r.window...)
}

// LiveOverwrites counts live samples dropped because the window was full.
func (r *Recorder) LiveOverwrites() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwrites
}

// Statistic returns a received statistic.
func (r *Recorder) Statistic(s command.Statistic) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Get(s)
}

// Measurement returns the last measurement state seen.
func (r *Recorder) Measurement() measurement.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Summary is the exported result of a measurement.
type Summary struct {
	BPMHistogram []int
	RRHistogram  []int
	RMSSD        *float64
	SDANN        *float64
	HTI          *float64
}

// MarshalJSON writes the measurements.json layout: RR, BPM, RMSSD, SDANN, HTI.
// Missing statistics are null and non-finite ones are strings.
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RR    []int `json:"RR"`
		BPM   []int `json:"BPM"`
		RMSSD any   `json:"RMSSD"`
		SDANN any   `json:"SDANN"`
		HTI   any   `json:"HTI"`
	}{
		RR:    s.RRHistogram,
		BPM:   s.BPMHistogram,
		RMSSD: optionalNumber(s.RMSSD),
		SDANN: optionalNumber(s.SDANN),
		HTI:   optionalNumber(s.HTI),
	})
}

func optionalNumber(v *float64) any {
	if v == nil {
		return nil
	}
	return jsonNumber(*v)
}

// jsonNumber returns v, or "NaN", "+Inf" or "-Inf" where JSON has no number for it.
func jsonNumber(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return v
}

// Summary snapshots the histograms and statistics. Missing statistics are nil.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	get := func(s command.Statistic) *float64 {
		if v, ok := r.stats.Get(s); ok {
			return &v
		}
		return nil
	}
	return Summary{
		BPMHistogram: append([]int(nil), r.bpm...),
		RRHistogram:  append([]int(nil), r.rr...),
		RMSSD:        get(command.RMSSD),
		SDANN:        get(command.SDANN),
		HTI:          get(command.HTI),
	}
}

var (
	_ Sink          = (*Recorder)(nil)
	_ StateObserver = (*Recorder)(nil)
)
