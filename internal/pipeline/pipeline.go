// Package pipeline connects a report source to the registry and classifier
// and publishes every recomputed marker set to subscribers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ubikampus/ubilocation-client/internal/classify"
	"github.com/ubikampus/ubilocation-client/internal/decoder"
	"github.com/ubikampus/ubilocation-client/internal/generator"
	"github.com/ubikampus/ubilocation-client/internal/registry"
	"github.com/ubikampus/ubilocation-client/internal/session"
	"github.com/ubikampus/ubilocation-client/internal/transport/mqtt"
	"github.com/ubikampus/ubilocation-client/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultQueueSize      = 256
	defaultStaleAfter     = 30 * time.Second
	defaultEnqueueTimeout = time.Second
)

// Source modes.
const (
	ModeNone      = ""
	ModeLive      = "live"
	ModeGenerator = "generator"
)

var (
	// ErrModeActive is returned when starting a source while another runs.
	ErrModeActive = errors.New("a report source is already active")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline closed")
	// ErrNoPublisher is returned by Publish when the active source cannot publish.
	ErrNoPublisher = errors.New("active source cannot publish")
)

// Source is a running report producer.
type Source interface {
	Stop()
}

// StartFunc starts a source that calls onReport with raw payloads.
type StartFunc func(onReport func([]byte)) (Source, error)

// Subscriber receives every recomputed marker set. Subscribers are called
// from the pipeline worker in order and must not block.
type Subscriber func(core.ClassifiedMarkerSet)

// Config holds pipeline settings.
type Config struct {
	StaleAfter time.Duration
	QueueSize  int
	// EnqueueTimeout bounds how long HandlePayload waits on a full queue
	// before dropping the batch.
	EnqueueTimeout time.Duration
	Now            func() time.Time
}

type item struct {
	reports []core.PositionReport
	// recompute without ingesting, used for context changes and ticks
	refresh bool
}

// Pipeline owns the registry writes. A single worker drains the queue, so
// ingest and classification happen strictly in arrival order.
type Pipeline struct {
	cfg      Config
	decoder  *decoder.Decoder
	registry *registry.Registry
	session  *session.Context
	logger   *slog.Logger

	queue chan item
	done  chan struct{}
	wg    sync.WaitGroup

	srcMu  sync.Mutex
	source Source
	mode   string
	closed bool

	subMu   sync.RWMutex
	subs    map[int]Subscriber
	nextSub int

	lastMu sync.RWMutex
	last   core.ClassifiedMarkerSet

	// OTEL metrics
	received     metric.Int64Counter
	decodeFailed metric.Int64Counter
	staleIgnored metric.Int64Counter
	dropped      metric.Int64Counter
	queueSize    metric.Int64ObservableGauge
	registration metric.Registration
}

// New creates a pipeline and starts its worker.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(cfg Config, dec *decoder.Decoder, reg *registry.Registry, sess *session.Context, logger *slog.Logger) (*Pipeline, error) {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:      cfg,
		decoder:  dec,
		registry: reg,
		session:  sess,
		logger:   logger,
		queue:    make(chan item, cfg.QueueSize),
		done:     make(chan struct{}),
		subs:     make(map[int]Subscriber),
		last:     classify.Classify(nil, "", nil, nil),
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	m := meter()

	var err error
	p.received, err = m.Int64Counter(
		"pipeline.reports.received",
		metric.WithDescription("Position reports decoded from the source"),
	)
	if err != nil {
		return fmt.Errorf("creating received counter: %w", err)
	}

	p.decodeFailed, err = m.Int64Counter(
		"pipeline.reports.decode_failed",
		metric.WithDescription("Payload elements dropped by the decoder"),
	)
	if err != nil {
		return fmt.Errorf("creating decode_failed counter: %w", err)
	}

	p.staleIgnored, err = m.Int64Counter(
		"pipeline.reports.stale_ignored",
		metric.WithDescription("Out-of-order reports discarded by the registry"),
	)
	if err != nil {
		return fmt.Errorf("creating stale_ignored counter: %w", err)
	}

	p.dropped, err = m.Int64Counter(
		"pipeline.reports.dropped",
		metric.WithDescription("Reports dropped because the queue stayed full"),
	)
	if err != nil {
		return fmt.Errorf("creating dropped counter: %w", err)
	}

	p.queueSize, err = m.Int64ObservableGauge(
		"pipeline.queue.size",
		metric.WithDescription("Current number of batches waiting for the worker"),
	)
	if err != nil {
		return fmt.Errorf("creating queue size gauge: %w", err)
	}

	p.registration, err = m.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(p.queueSize, int64(len(p.queue)))
			return nil
		},
		p.queueSize,
	)
	if err != nil {
		return fmt.Errorf("registering queue callback: %w", err)
	}
	return nil
}

// NewDemoTopic returns a topic suffix unique to one demo session.
func NewDemoTopic() string {
	return "demo-" + uuid.NewString()
}

// HandlePayload decodes raw and queues the valid reports. It is the onReport
// callback of every source, running on the bus client's delivery goroutine,
// so it waits at most EnqueueTimeout on a full queue and then drops the batch.
func (p *Pipeline) HandlePayload(raw []byte) {
	reports, errs := p.decoder.DecodeBatch(raw)
	ctx := context.Background()

	for _, err := range errs {
		field := decoder.FieldOf(err)
		p.decodeFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
		p.logger.Debug("Dropped undecodable report", "field", field, "error", err)
	}
	if len(reports) == 0 {
		return
	}
	p.received.Add(ctx, int64(len(reports)))
	if !p.offer(item{reports: reports}, p.cfg.EnqueueTimeout) {
		p.dropped.Add(ctx, int64(len(reports)))
		p.logger.Warn("Report queue full, dropping batch", "reports", len(reports), "queueSize", cap(p.queue))
	}
}

// Refresh recomputes the marker set without new reports, so online state
// follows the clock.
func (p *Pipeline) Refresh() {
	p.enqueue(item{refresh: true})
}

func (p *Pipeline) enqueue(it item) {
	select {
	case p.queue <- it:
	case <-p.done:
	}
}

// offer is enqueue with a deadline. It reports false only when the queue
// stayed full for the whole timeout.
func (p *Pipeline) offer(it item, timeout time.Duration) bool {
	select {
	case p.queue <- it:
		return true
	case <-p.done:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p.queue <- it:
		return true
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case it := <-p.queue:
			p.process(it)
		}
	}
}

func (p *Pipeline) process(it item) {
	ctx := context.Background()
	for _, rep := range it.reports {
		res, err := p.registry.Ingest(rep)
		switch {
		case errors.Is(err, registry.ErrStaleWrite):
			p.staleIgnored.Add(ctx, 1)
			p.logger.Debug("Rejected out-of-order report", "beaconId", rep.BeaconID, "receivedAt", rep.ReceivedAt)
		case err != nil:
			p.logger.Warn("Failed to ingest report", "beaconId", rep.BeaconID, "error", err)
		case res == registry.StaleIgnored:
			p.staleIgnored.Add(ctx, 1)
		}
	}
	p.publish(p.recompute())
}

func (p *Pipeline) recompute() core.ClassifiedMarkerSet {
	snap := p.registry.Snapshot(p.cfg.Now(), p.cfg.StaleAfter)
	records, in := p.session.Observe(snap)
	set := classify.Classify(records, in.SelfID, in.Anchors, in.Pin)

	p.lastMu.Lock()
	p.last = set
	p.lastMu.Unlock()
	return set
}

func (p *Pipeline) publish(set core.ClassifiedMarkerSet) {
	p.subMu.RLock()
	// subscription order
	ids := slices.Sorted(maps.Keys(p.subs))
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, p.subs[id])
	}
	p.subMu.RUnlock()

	for _, s := range subs {
		s(set)
	}
}

// Subscribe registers fn for every recomputed marker set. The returned
// function removes the subscription.
func (p *Pipeline) Subscribe(fn Subscriber) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// Current returns the last computed marker set.
func (p *Pipeline) Current() core.ClassifiedMarkerSet {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

// Snapshot returns the registry records annotated against the pipeline clock.
func (p *Pipeline) Snapshot() []core.BeaconRecord {
	return p.registry.Snapshot(p.cfg.Now(), p.cfg.StaleAfter)
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// Session returns the caller context.
func (p *Pipeline) Session() *session.Context {
	return p.session
}

// SetSelf designates the local device's beacon.
func (p *Pipeline) SetSelf(id string) {
	p.registry.MarkSelf(id)
	p.session.SetSelf(id)
	p.Refresh()
}

// SetPin places the user pin.
func (p *Pipeline) SetPin(pos core.Coordinates) {
	p.session.SetPin(pos)
	p.Refresh()
}

// ClearPin removes the user pin.
func (p *Pipeline) ClearPin() {
	p.session.ClearPin()
	p.Refresh()
}

// SetAnchors replaces the static anchors.
func (p *Pipeline) SetAnchors(anchors []core.StaticAnchor) {
	p.session.SetAnchors(anchors)
	p.Refresh()
}

// PinBeaconAsStatic turns a tracked beacon's current position into a static anchor.
func (p *Pipeline) PinBeaconAsStatic(id string) (core.StaticAnchor, error) {
	a, err := p.session.PinBeaconAsStatic(p.Snapshot(), id)
	if err != nil {
		return a, err
	}
	p.Refresh()
	return a, nil
}

// ClearStatic removes every static anchor.
func (p *Pipeline) ClearStatic() {
	p.session.ClearStatic()
	p.Refresh()
}

// Start runs a source in the given mode. Only one source runs at a time.
func (p *Pipeline) Start(mode string, start StartFunc) error {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.source != nil {
		return fmt.Errorf("%w: %s", ErrModeActive, p.mode)
	}

	src, err := start(p.HandlePayload)
	if err != nil {
		return fmt.Errorf("start %s source: %w", mode, err)
	}
	p.source = src
	p.mode = mode
	p.logger.Info("Report source started", "mode", mode)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// Publish sends payload through the active source, which must be a live
// bus connection.
func (p *Pipeline) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	p.srcMu.Lock()
	src := p.source
	p.srcMu.Unlock()

	pub, ok := src.(publisher)
	if !ok {
		return ErrNoPublisher
	}
	return pub.Publish(ctx, topic, payload, retained)
}

// StartLive subscribes to the bus through adapter.
func (p *Pipeline) StartLive(adapter *mqtt.Adapter, brokerURL, suffix string) error {
	return p.Start(ModeLive, func(onReport func([]byte)) (Source, error) {
		return adapter.Connect(brokerURL, suffix, onReport)
	})
}

// StartGenerator feeds the pipeline from a synthetic generator.
func (p *Pipeline) StartGenerator(gen *generator.Generator, interval time.Duration) error {
	return p.Start(ModeGenerator, func(onReport func([]byte)) (Source, error) {
		return gen.Start(interval, onReport)
	})
}

// Mode returns the active source mode, or ModeNone.
func (p *Pipeline) Mode() string {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	return p.mode
}

// StopSource stops the active source. No payload from it is handled after
// StopSource returns. It must not be called from a Subscriber.
func (p *Pipeline) StopSource() {
	p.srcMu.Lock()
	src := p.source
	mode := p.mode
	p.source = nil
	p.mode = ModeNone
	p.srcMu.Unlock()

	if src != nil {
		src.Stop()
		p.logger.Info("Report source stopped", "mode", mode)
	}
}

// Close stops the source and the worker. The registry stays readable.
func (p *Pipeline) Close() error {
	p.srcMu.Lock()
	if p.closed {
		p.srcMu.Unlock()
		return nil
	}
	p.closed = true
	p.srcMu.Unlock()

	p.StopSource()
	close(p.done)
	p.wg.Wait()

	if p.registration != nil {
		if err := p.registration.Unregister(); err != nil {
			return fmt.Errorf("unregister queue callback: %w", err)
		}
	}
	return nil
}
