package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/morsel/pkg/morsel/config"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"github.com/tsarna/morsel/pkg/morsel/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Start the MorseL hub server",
	Long: `Start the MorseL hub server with the specified configuration files or directories.

Every enabled hub block is served on its listen address and path. Hubs sharing
a listen address share one HTTP server, which also answers /healthz.

Examples:
  morsel server hubs.hcl
  morsel server ./configs/
  morsel server base.hcl chat.hcl ./more-configs/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServer,
}

var (
	shutdownTimeout time.Duration
	enableOtel      bool
	metricsInterval time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for connections to close on shutdown")
	serverCmd.Flags().BoolVar(&enableOtel, "otel", false, "record metrics and traces through the global OpenTelemetry providers")
	serverCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 0, "log an in-process metrics snapshot at this interval (ignored with --otel)")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting morsel server",
		zap.Strings("config-paths", args),
		zap.String("log-level", logLevel),
	)

	builder := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...)

	switch {
	case enableOtel:
		provider := otel.NewProvider("morsel", "")
		builder.WithMetricsProvider(provider).WithTracingProvider(provider)

	case metricsInterval > 0:
		provider := o11y.NewStandaloneMetricsProvider(&o11y.StandaloneMetricsConfig{
			Interval:    metricsInterval,
			ServiceName: "morsel",
			Reporter:    snapshotLogger(logger),
		})
		if err := provider.Start(); err != nil {
			return err
		}
		defer provider.Stop()
		builder.WithMetricsProvider(provider)
	}

	cfg, diags := builder.Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return diags
	}

	if len(cfg.Hubs) == 0 {
		return errors.New("no hubs are configured")
	}

	if err := cfg.Start(); err != nil {
		return err
	}
	defer func() {
		if err := cfg.Stop(); err != nil {
			logger.Warn("Error stopping intent buses", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routers := cfg.Routers()
	listens := make([]string, 0, len(routers))
	for listen := range routers {
		listens = append(listens, listen)
	}
	sort.Strings(listens)

	g, gctx := errgroup.WithContext(ctx)
	for _, listen := range listens {
		listen := listen
		srv := &http.Server{
			Addr:              listen,
			Handler:           routers[listen],
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("Listening", zap.String("address", listen), zap.Strings("hubs", hubsOn(cfg, listen)))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", listen, err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			return shutdownServer(logger, cfg, listen, srv)
		})
	}

	err = g.Wait()
	logger.Info("Morsel server stopped")
	return err
}

// shutdownServer closes the hubs served on listen, then the HTTP server.
func shutdownServer(logger *zap.Logger, cfg *config.Config, listen string, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, hub := range cfg.Hubs {
		if hub.Listen != listen {
			continue
		}
		if err := hub.Listener.Shutdown(ctx); err != nil {
			logger.Warn("Hub did not shut down cleanly", zap.String("hub", hub.Name), zap.Error(err))
		}
	}

	return srv.Shutdown(ctx)
}

func snapshotLogger(logger *zap.Logger) func(o11y.MetricsSnapshot) {
	return func(snapshot o11y.MetricsSnapshot) {
		logger.Info("Metrics",
			zap.Any("counters", snapshot.Counters),
			zap.Any("gauges", snapshot.Gauges),
			zap.Any("histograms", snapshot.Histograms),
		)
	}
}

func hubsOn(cfg *config.Config, listen string) []string {
	names := make([]string, 0)
	for _, hub := range cfg.Hubs {
		if hub.Listen == listen {
			names = append(names, hub.Name+"="+hub.Path)
		}
	}
	sort.Strings(names)
	return names
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	debugFlag := GetDebug()
	verboseFlag := GetVerbose()

	if debugFlag {
		level = "debug"
	} else if verboseFlag && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debugFlag

	return config.Build()
}

func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
