// Package otel owns the OpenTelemetry log and metric providers.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects which exporters the provider wires up.
type Config struct {
	// Enabled turns on log record export to LogWriter and/or Endpoint.
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	LogWriter    io.Writer
	Endpoint     string // OTLP/HTTP collector, host:port
	Insecure     bool

	// Registerer receives the pipeline instruments as Prometheus metrics.
	// Metrics are exported whenever it is set, even with Enabled false.
	Registerer prometheus.Registerer
}

// Provider holds the log and meter providers of one process.
type Provider struct {
	logs    *sdklog.LoggerProvider
	meters  *sdkmetric.MeterProvider
	enabled bool
}

// New builds the providers requested by cfg. The zero Config yields a
// provider whose loggers are nil and whose meters are no-ops.
func New(cfg Config) (*Provider, error) {
	p := &Provider{enabled: cfg.Enabled}
	if !cfg.Enabled && cfg.Registerer == nil {
		return p, nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	if cfg.Registerer != nil {
		if p.meters, err = newMeterProvider(res, cfg.Registerer); err != nil {
			return nil, err
		}
		otel.SetMeterProvider(p.meters)
	}

	if cfg.Enabled {
		procs, err := logProcessors(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
		for _, proc := range procs {
			opts = append(opts, sdklog.WithProcessor(proc))
		}
		p.logs = sdklog.NewLoggerProvider(opts...)
	}
	return p, nil
}

func newMeterProvider(res *resource.Resource, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	reader, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("registering prometheus reader: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

// logProcessors returns one batch processor per configured log sink.
func logProcessors(ctx context.Context, cfg Config) ([]sdklog.Processor, error) {
	batch := func(exp sdklog.Exporter) sdklog.Processor {
		return sdklog.NewBatchProcessor(exp, sdklog.WithExportTimeout(cfg.BatchTimeout))
	}

	var procs []sdklog.Processor
	if cfg.LogWriter != nil {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(cfg.LogWriter), stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating otel file exporter: %w", err)
		}
		procs = append(procs, batch(exp))
	}
	if cfg.Endpoint != "" {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter for %s: %w", cfg.Endpoint, err)
		}
		procs = append(procs, batch(exp))
	}
	if len(procs) == 0 {
		return nil, errors.New("otel logs enabled but no log writer or endpoint configured")
	}
	return procs, nil
}

// LoggerProvider is handed to the otelslog bridge; nil unless log export is on.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider {
	return p.logs
}

// Meter returns a named meter, or a no-op meter when metrics are off.
func (p *Provider) Meter(name string) metric.Meter {
	if p.meters == nil {
		return noop.Meter{}
	}
	return p.meters.Meter(name)
}

func (p *Provider) Flush(ctx context.Context) error {
	if p.logs == nil {
		return nil
	}
	if err := p.logs.ForceFlush(ctx); err != nil {
		return fmt.Errorf("flushing otel logs: %w", err)
	}
	return nil
}

// Shutdown flushes and stops every provider. Call it once on exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.logs != nil {
		if err := p.logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping otel logs: %w", err))
		}
	}
	if p.meters != nil {
		if err := p.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping otel metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether log export was requested.
func (p *Provider) Enabled() bool {
	return p.enabled
}
