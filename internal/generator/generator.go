// Package generator fabricates location payloads for demo and offline mode.
// Its output is the same wire payload the bus carries.
package generator

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ubikampus/ubilocation-client/internal/decoder"
	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// ErrInvalidInterval is returned by Start for a non-positive interval.
var ErrInvalidInterval = errors.New("generator interval must be positive")

// Config describes the fabricated beacon set.
type Config struct {
	Beacons    int
	Seed       int64
	Origin     core.Coordinates
	StepMeters float64
	IDPrefix   string
}

// Sequence is a deterministic random walk of a fixed beacon set. The same
// Config always yields the same sequence of steps.
type Sequence struct {
	rng       *rand.Rand
	ids       []string
	positions []core.Coordinates
	step      float64
}

// NewSequence creates a walk with every beacon starting near cfg.Origin.
func NewSequence(cfg Config) *Sequence {
	n := cfg.Beacons
	if n <= 0 {
		n = 1
	}
	prefix := cfg.IDPrefix
	if prefix == "" {
		prefix = "beacon-"
	}
	s := &Sequence{
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		ids:       make([]string, n),
		positions: make([]core.Coordinates, n),
		step:      cfg.StepMeters,
	}
	for i := range s.ids {
		s.ids[i] = fmt.Sprintf("%s%d", prefix, i+1)
		// spread the starting points over a few tens of metres
		s.positions[i] = geo.Offset(cfg.Origin, s.jitter(20), s.jitter(20))
	}
	return s
}

// Next advances every beacon one step and returns their reports. The
// reports carry no timestamp; the decoder stamps them on receipt like live
// traffic.
func (s *Sequence) Next() []core.PositionReport {
	out := make([]core.PositionReport, len(s.ids))
	for i, id := range s.ids {
		s.positions[i] = geo.Offset(s.positions[i], s.jitter(s.step), s.jitter(s.step))
		out[i] = core.PositionReport{BeaconID: id, Lat: s.positions[i].Lat, Lon: s.positions[i].Lon}
	}
	return out
}

func (s *Sequence) jitter(max float64) float64 {
	return (s.rng.Float64()*2 - 1) * max
}

// Generator emits encoded payloads from a Sequence on a timer.
type Generator struct {
	seq    *Sequence
	enc    *decoder.Decoder
	logger *slog.Logger
	mu     sync.Mutex // guards seq
}

// New creates a generator encoding with enc, which must match the codec the
// consumer decodes with.
func New(cfg Config, enc *decoder.Decoder, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		seq:    NewSequence(cfg),
		enc:    enc,
		logger: logger,
	}
}

// Payload returns the next tick's payload.
func (g *Generator) Payload() ([]byte, error) {
	g.mu.Lock()
	reports := g.seq.Next()
	g.mu.Unlock()
	return g.enc.EncodeBatch(reports)
}

// Handle controls a running generator.
type Handle struct {
	mu      sync.Mutex // held while onReport runs
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// Start calls onReport with one payload every interval until the handle is
// stopped.
func (g *Generator) Start(interval time.Duration, onReport func([]byte)) (*Handle, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	h := &Handle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
			}

			payload, err := g.Payload()
			if err != nil {
				g.logger.Error("Failed to encode generated payload", "error", err)
				continue
			}

			h.mu.Lock()
			if h.stopped {
				h.mu.Unlock()
				return
			}
			onReport(payload)
			h.mu.Unlock()
		}
	}()

	g.logger.Info("Synthetic generator started", "interval", interval, "beacons", len(g.seq.ids))
	return h, nil
}

// Stop cancels the timer. It waits for an in-flight onReport call to finish;
// none is made after Stop returns. Stop is idempotent and must not be called
// from inside onReport.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stop)
	h.mu.Unlock()
}

// Done is closed once the timer goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
