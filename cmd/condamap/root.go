package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pseudomuto/condamap"
	"github.com/pseudomuto/condamap/internal/channel"
	"github.com/pseudomuto/condamap/internal/config"
	"github.com/pseudomuto/condamap/internal/gcsstore"
	"github.com/pseudomuto/condamap/internal/httpcache"
	"github.com/pseudomuto/condamap/internal/memstore"
	"github.com/pseudomuto/condamap/internal/pypi"
	"github.com/pseudomuto/condamap/internal/sqlstore"
	"github.com/spf13/cobra"
)

// app holds what the subcommands share. It is populated by the root command's
// PersistentPreRunE.
type app struct {
	cfgPath     string
	logLevel    string
	metricsFile string
	lockTimeout time.Duration

	cfg     *config.Config
	log     *slog.Logger
	reg     *prometheus.Registry
	source  *channel.Client
	indexer *condamap.Indexer
	closers []func() error
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.shutdown()
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "condamap",
		Short:        "Maintain the conda to PyPI mapping index of conda channels",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.writeMetrics()
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "condamap.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "", "write prometheus metrics to this textfile on exit")
	root.PersistentFlags().DurationVar(&a.lockTimeout, "lock-timeout", 30*time.Second, "how long to wait for the channel lock")

	root.AddCommand(
		newProduceCmd(a),
		newUpdateCmd(a),
		newMergeCmd(a),
		newRelationsCmd(a),
		newRunCmd(a),
		newCheckCmd(a),
		newKeysCmd(),
	)

	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.log, err = newLogger(a.logLevel); err != nil {
		return err
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	opts := []channel.Option{
		channel.WithLogger(a.log),
		channel.WithTempDir(cfg.TempDir),
	}
	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, channel.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	if cfg.CacheDir != "" {
		cache, err := httpcache.Open(cfg.CacheDir, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, cache.Close)
		opts = append(opts, channel.WithCache(cache))
	}
	a.source = channel.New(&http.Client{Timeout: 10 * time.Minute}, cfg.Upstream, opts...)

	a.indexer, err = condamap.New(append(cfg.IndexerOptions(),
		condamap.WithStore(store),
		condamap.WithSource(a.source),
		condamap.WithResolver(pypi.New()),
		condamap.WithLogger(a.log),
		condamap.WithRegisterer(a.reg),
	)...)
	return err
}

func (a *app) openStore(ctx context.Context) (condamap.BlobStore, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendSQLite:
		s, err := sqlstore.Open(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendGCS:
		s, err := gcsstore.Open(ctx, sc.Bucket, sc.Prefix, sc.CredentialsFile)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		a.log.Warn("using the in-memory store, nothing will be persisted")
		return memstore.New(), nil
	}
}

func (a *app) writeMetrics() error {
	if a.metricsFile == "" || a.reg == nil {
		return nil
	}

	if err := prometheus.WriteToTextfile(a.metricsFile, a.reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

func (a *app) shutdown() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	if err := errors.Join(errs...); err != nil && a.log != nil {
		a.log.Error("failed to close resources", "error", err)
	}
}

// newLogger logs text to terminals and JSON everywhere else.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %q, %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}
