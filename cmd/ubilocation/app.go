package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ubikampus/ubilocation-client/internal/anchors"
	"github.com/ubikampus/ubilocation-client/internal/config"
	"github.com/ubikampus/ubilocation-client/internal/database"
	"github.com/ubikampus/ubilocation-client/internal/decoder"
	"github.com/ubikampus/ubilocation-client/internal/generator"
	"github.com/ubikampus/ubilocation-client/internal/httpapi"
	"github.com/ubikampus/ubilocation-client/internal/logging"
	"github.com/ubikampus/ubilocation-client/internal/monitor"
	"github.com/ubikampus/ubilocation-client/internal/pipeline"
	"github.com/ubikampus/ubilocation-client/internal/query"
	"github.com/ubikampus/ubilocation-client/internal/registry"
	"github.com/ubikampus/ubilocation-client/internal/session"
	"github.com/ubikampus/ubilocation-client/internal/signer"
	"github.com/ubikampus/ubilocation-client/internal/stream/websocket"
	"github.com/ubikampus/ubilocation-client/internal/transport/mqtt"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// app holds the wired services of one process run.
type app struct {
	flags  flags
	logger *slog.Logger

	state    query.InitialState
	bus      config.BusConfig
	gen      config.GeneratorConfig
	dec      *decoder.Decoder
	pipeline *pipeline.Pipeline
	adapter  *mqtt.Adapter
	monitor  *monitor.Service
	sink     *websocket.Sink
	anchors  *anchors.Service
	server   *http.Server

	demo *generator.Handle
}

func newApp(f flags, slogManager *logging.SlogManager, reg *prometheus.Registry) (*app, error) {
	a := &app{
		flags:  f,
		logger: slogManager.Logger(),
		bus:    config.GetBusConfig(),
		gen:    config.GetGeneratorConfig(),
	}

	state, err := query.Parse(f.query)
	if err != nil {
		a.logger.Warn("Ignoring invalid location in query", "query", f.query, "error", err)
	}
	a.state = state

	codec, err := decoder.CodecByName(a.bus.Encoding)
	if err != nil {
		return nil, err
	}
	a.dec = decoder.New(codec, decoder.WithMaxSkew(a.bus.MaxClockSkew))

	regCfg := config.GetRegistryConfig()
	var regOpts []registry.Option
	if regCfg.Strict {
		regOpts = append(regOpts, registry.Strict())
	}

	a.pipeline, err = pipeline.New(pipeline.Config{StaleAfter: regCfg.StaleAfter},
		a.dec, registry.New(regOpts...), session.NewContext(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	// every later log line carries the active mode and self beacon
	a.logger = slogManager.WithState(func() []slog.Attr {
		return []slog.Attr{
			slog.String("mode", a.pipeline.Mode()),
			slog.String("selfId", a.pipeline.Session().SelfID()),
		}
	})

	if pos := state.Location; pos != nil {
		a.pipeline.SetPin(*pos)
	}

	collector, err := httpapi.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.monitor = monitor.NewService(monitor.Dependencies{
		Pipeline: a.pipeline,
		Gauges:   collector,
		Logger:   a.logger,
	}, monitor.Config{Interval: regCfg.EvictInterval, TTL: regCfg.TTL})

	a.adapter = mqtt.New(mqtt.Config{
		BrokerURL:      a.bus.URL,
		BaseTopic:      a.bus.BaseTopic,
		ClientID:       a.bus.ClientID,
		QoS:            a.bus.QoS,
		ConnectTimeout: a.bus.ConnectTimeout,
		MaxReconnect:   a.bus.MaxReconnect,
		MaxBackoff:     a.bus.MaxBackoff,
	}, a.logger, mqtt.WithErrorHandler(a.onTransportError))

	if err := a.setupAnchors(); err != nil {
		return nil, err
	}

	if streamCfg := config.GetStreamConfig(); streamCfg.Enabled {
		a.sink = websocket.New(websocket.Config{
			URL:    streamCfg.URL,
			Secret: streamCfg.Secret,
			Client: component + "/" + Version,
		}, a.logger)
	}

	httpCfg := config.GetHTTPConfig()
	deps := httpapi.Dependencies{
		Pipeline:     a.pipeline,
		Anchors:      a.anchors,
		Collector:    collector,
		ShareBaseURL: httpCfg.ShareBaseURL,
		Logger:       a.logger,
	}
	if a.sink != nil {
		deps.Stream = a.sink
	}
	a.server = &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           httpapi.New(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *app) setupAnchors() error {
	storeCfg := config.GetStoreConfig()
	db, err := database.Open(database.Config{
		Type:       storeCfg.Type,
		SqlitePath: storeCfg.SqlitePath,
		Postgres: database.PostgresConfig{
			Host:     storeCfg.DB.Host,
			Port:     storeCfg.DB.Port,
			Username: storeCfg.DB.Username,
			Password: storeCfg.DB.Password,
			Database: storeCfg.DB.Database,
		},
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open anchor store: %w", err)
	}

	var store anchors.Store
	if db == nil {
		store = anchors.NewMemoryStore()
	} else if store, err = anchors.NewGormStore(db); err != nil {
		return fmt.Errorf("migrate anchor store: %w", err)
	}

	signerCfg := config.GetSignerConfig()
	a.anchors = anchors.NewService(anchors.Dependencies{
		Store:     store,
		Signer:    signer.New(signerCfg.URL, signerCfg.Timeout),
		Publisher: a.pipeline,
		Topic:     a.bus.AnchorTopic,
		OnChange:  a.pipeline.SetAnchors,
		Logger:    a.logger,
	})
	if err := a.anchors.Load(context.Background()); err != nil {
		a.logger.Warn("Failed to load static anchors", "error", err)
	}
	return nil
}

func (a *app) onTransportError(err error) {
	if errors.Is(err, mqtt.ErrReconnectExhausted) {
		a.logger.Error("Bus connection given up", "error", err)
		return
	}
	a.logger.Warn("Bus transport error", "error", err)
}

func (a *app) generatorConfig() generator.Config {
	return generator.Config{
		Beacons:    a.gen.Beacons,
		Seed:       a.gen.Seed,
		Origin:     core.Coordinates{Lat: a.gen.OriginLat, Lon: a.gen.OriginLon},
		StepMeters: a.gen.StepMeters,
	}
}

// startSource starts the generator or the bus subscription. In demo mode
// the generator publishes to a fresh topic on the bus and the map watches
// that topic.
func (a *app) startSource() error {
	if a.flags.generator || (a.gen.Enabled && !a.flags.demo) {
		gen := generator.New(a.generatorConfig(), a.dec, a.logger)
		return a.pipeline.StartGenerator(gen, a.gen.Interval)
	}

	broker := a.state.BrokerURL(a.bus.URL)
	suffix := a.state.TopicSuffix("")
	if a.flags.demo {
		suffix = pipeline.NewDemoTopic()
	}
	if err := a.pipeline.StartLive(a.adapter, broker, suffix); err != nil {
		return err
	}
	a.logger.Info("Watching bus", "broker", broker, "topic", mqtt.Topic(a.bus.BaseTopic, suffix), "encoding", a.dec.Codec().Name())

	if a.flags.demo {
		topic := mqtt.Topic(a.bus.BaseTopic, suffix)
		gen := generator.New(a.generatorConfig(), a.dec, a.logger)
		h, err := gen.Start(a.gen.Interval, func(payload []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), a.bus.ConnectTimeout)
			defer cancel()
			if err := a.pipeline.Publish(ctx, topic, payload, false); err != nil {
				a.logger.Debug("Demo publish failed", "topic", topic, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("start demo publisher: %w", err)
		}
		a.demo = h
	}
	return nil
}

// run blocks until ctx is done or the HTTP server fails.
func (a *app) run(ctx context.Context) error {
	if err := a.startSource(); err != nil {
		return fmt.Errorf("start report source: %w", err)
	}
	a.monitor.Start()

	if a.sink != nil {
		if err := a.sink.Init(); err != nil {
			a.logger.Warn("Renderer stream unavailable, retrying in background", "error", err)
		}
		a.pipeline.Subscribe(a.sink.Subscriber())
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down...")
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	if a.demo != nil {
		a.demo.Stop()
	}
	a.monitor.Stop()
	if err := a.pipeline.Close(); err != nil {
		a.logger.Warn("Pipeline close failed", "error", err)
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
}
