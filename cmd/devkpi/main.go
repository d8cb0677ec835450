package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/app"
	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/report"
	"github.com/cam3ron2/scm-dev-kpi/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "devkpi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "devkpi",
		Short: "Weekly developer KPIs from Bitbucket Server, SCM-Manager and GitHub",
		Long: `devkpi reads commit history from the configured SCM servers, counts changed
lines per commit and aggregates them into weekly per-developer KPIs. Trunk commits
are attributed to the feature branch they most likely came from.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "devkpi.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with source secrets; missing files are ignored")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newReportCommand(opts), newServeCommand(opts), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "devkpi %s (%s)\n", version, commit)
		},
	}
}

func newReportCommand(opts *globalOptions) *cobra.Command {
	var (
		offline   bool
		outputDir string
		formats   []string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Collect once and render console tables, CSV files and HTML charts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()

			runtime, err := app.Open(env.cfg, env.logger, offline)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := runtime.Close(); closeErr != nil {
					env.logger.Warn("failed to close runtime", zap.Error(closeErr))
				}
			}()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var rep report.Report
			if offline {
				rep, err = runtime.BuildFromHistory(ctx)
				if err != nil {
					return fmt.Errorf("build report from history: %w", err)
				}
			} else {
				result, cycleErr := runtime.RunCycle(ctx)
				if errors.Is(cycleErr, app.ErrCycleInProgress) {
					return cycleErr
				}
				if cycleErr != nil {
					env.logger.Warn("collection finished with errors; reporting what was collected", zap.Error(cycleErr))
				}
				rep = result.Report
			}

			dir := env.cfg.Report.OutputDir
			if strings.TrimSpace(outputDir) != "" {
				dir = outputDir
			}
			selected := env.cfg.Report.Formats
			if len(formats) > 0 {
				selected = formats
			}
			writer := report.NewWriter(dir, selected, env.logger)
			writer.Console = cmd.OutOrStdout()
			if _, err := writer.Write(rep); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "render from the record store without contacting any source")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "output directory override")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "formats to render (tables, csv, charts); defaults to report.formats")
	return cmd
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics, health and the KPI API while refreshing on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(opts)
			if err != nil {
				return err
			}
			defer env.close()
			return serve(cmd.Context(), env)
		},
	}
}

func serve(parent context.Context, env *environment) error {
	runtime, err := app.Open(env.cfg, env.logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			env.logger.Warn("failed to close runtime", zap.Error(closeErr))
		}
	}()

	server := &http.Server{
		Addr:              env.cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		runtime.Run(rootCtx)
		close(loopDone)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		env.logger.Info("http server starting", zap.String("addr", env.cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	var resultErr error
	select {
	case <-rootCtx.Done():
		env.logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			resultErr = fmt.Errorf("http server failed: %w", serveErr)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && resultErr == nil {
		resultErr = fmt.Errorf("http server shutdown: %w", err)
	}
	<-loopDone

	env.logger.Info("shutdown complete")
	return resultErr
}

type environment struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
}

func setup(opts *globalOptions) (*environment, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Server.LogLevel
	if strings.TrimSpace(opts.logLevel) != "" {
		level = opts.logLevel
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(level))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      telemetry.DefaultServiceName,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	return &environment{
		cfg:      cfg,
		logger:   logger,
		shutdown: telemetryRuntime.Shutdown,
	}, nil
}

func (e *environment) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.shutdown != nil {
		if err := e.shutdown(shutdownCtx); err != nil {
			e.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if err := e.logger.Sync(); err != nil && !shouldIgnoreLoggerSyncError(err) {
		_, _ = fmt.Fprintf(os.Stderr, "devkpi: sync logger: %v\n", err)
	}
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports errors returned when stderr is a terminal or pipe.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
