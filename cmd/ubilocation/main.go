package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ubikampus/ubilocation-client/internal/config"
	"github.com/ubikampus/ubilocation-client/internal/logging"
	intOtel "github.com/ubikampus/ubilocation-client/internal/otel"
)

// BuildDate and Version can be set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const component = "ubilocation"

type flags struct {
	configDir string
	logLevel  string
	query     string
	generator bool
	demo      bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet(component, pflag.ContinueOnError)
	fs.StringVar(&f.configDir, "config-dir", ".", "directory containing "+config.FileName)
	fs.StringVar(&f.logLevel, "log-level", "", "override the configured log level")
	fs.StringVar(&f.query, "query", "", "initial state query string, e.g. \"lat=60.2&lon=24.9&host=wss://bus:9001&topic=demo\"")
	fs.BoolVar(&f.generator, "generator", false, "feed the map from the synthetic generator instead of the bus")
	fs.BoolVar(&f.demo, "demo", false, "publish synthetic reports to an isolated demo topic on the bus and watch it")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// console logging until the config is read
	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, f.logLevel, nil, nil)
	logger := slogManager.Logger()

	if err := config.Load(f.configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", f.configDir)
	}
	if f.logLevel != "" {
		viper.Set("logLevel", f.logLevel)
	}

	promReg := prometheus.NewRegistry()
	logFile, otelProvider := setupLogging(slogManager, logger, promReg)
	logger = slogManager.Logger()
	logger.Info("Starting up...", "version", Version, "buildDate", BuildDate)

	a, err := newApp(f, slogManager, promReg)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := a.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("OTel shutdown failed", "error", err)
	}
	if runErr != nil {
		logger.Error("Stopped with error", "error", runErr)
	} else {
		logger.Info("Stopped")
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// setupLogging opens the session log file and re-initializes logging with
// the file, OTel and Graylog sinks the config asks for. OTel metrics are
// exported to reg.
func setupLogging(m *logging.SlogManager, logger *slog.Logger, reg prometheus.Registerer) (*os.File, *intOtel.Provider) {
	var file io.Writer
	logFile := openLogFile(logger)
	if logFile != nil {
		file = logFile
	}

	otelCfg := config.GetOTelConfig()
	providerCfg := intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    file,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
		Registerer:   reg,
	}
	provider, err := intOtel.New(providerCfg)
	if err != nil {
		logger.Error("Failed to initialize OTel provider", "error", err)
		providerCfg.Enabled = false
		if provider, err = intOtel.New(providerCfg); err != nil {
			logger.Error("Failed to initialize OTel metrics", "error", err)
			provider, _ = intOtel.New(intOtel.Config{})
		}
	} else if otelCfg.Enabled {
		logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
	}

	var graylog io.Writer
	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGELFWriter(config.GetString("graylog.address"))
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			graylog = w
		}
	}

	m.Setup(file, config.GetString("logLevel"), provider.LoggerProvider(), graylog)
	return logFile, provider
}

func openLogFile(logger *slog.Logger) *os.File {
	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		logger.Error("Failed to create logs directory", "error", err, "path", logsDir)
		return nil
	}

	path := logging.LogFilePath(logsDir, component, time.Now())
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".old")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		logger.Error("Failed to create/open log file!", "error", err, "path", path)
		return nil
	}
	logger.Info("Begin logging in logs directory", "path", path)
	return f
}
