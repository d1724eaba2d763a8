package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ubikampus/ubilocation-client/internal/pipeline"
)

// Gauges receives registry sizes after each housekeeping pass.
type Gauges interface {
	SetBeacons(tracked, online int)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Gauges   Gauges // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

// Config holds housekeeping intervals.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
}

// Service periodically evicts expired beacons and refreshes the marker set
// so online state follows the clock.
type Service struct {
	deps      Dependencies
	cfg       Config
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		deps: deps,
		cfg:  cfg,
	}
}

// IsRunning returns whether the housekeeping loop is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce evicts records older than the TTL, refreshes the marker set and
// updates the gauges. It returns the evicted ids.
func (s *Service) RunOnce() []string {
	now := s.deps.Now()

	var evicted []string
	if s.cfg.TTL > 0 {
		evicted = s.deps.Pipeline.Registry().EvictOlderThan(now, s.cfg.TTL)
		if len(evicted) > 0 {
			s.deps.Logger.Info("Evicted expired beacons", "count", len(evicted), "ids", evicted)
		}
	}

	s.deps.Pipeline.Refresh()

	if s.deps.Gauges != nil {
		snap := s.deps.Pipeline.Snapshot()
		online := 0
		for _, rec := range snap {
			if rec.Online {
				online++
			}
		}
		s.deps.Gauges.SetBeacons(len(snap), online)
	}
	return evicted
}

// Start starts the housekeeping goroutine
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		s.deps.Logger.Debug("Starting housekeeping loop", "interval", s.cfg.Interval, "ttl", s.cfg.TTL)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop stops the housekeeping loop and waits for it to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.doneChan
	s.stopChan = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
