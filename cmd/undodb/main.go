package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"undodb/config"
	"undodb/db"
	"undodb/disk"
	"undodb/disk/wal"
	"undodb/logger"
	"undodb/metrics"
	"undodb/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)

	loadConfig := func() (config.Config, error) {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return config.Config{}, err
			}
		}
		if dir != "" {
			cfg.Dir = dir
		}
		return cfg, cfg.Validate()
	}

	rootCmd := &cobra.Command{
		Use:          "undodb",
		Short:        "Undo-only write ahead log, buffer pool and recovery for a single node storage engine",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "", "Database directory, overrides the config file")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run restart recovery on the database and close it with a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tp, shutdown, err := telemetry.New(cmd.Context(), cfg.Trace)
			if err != nil {
				return err
			}

			hdb, err := db.Open(cmd.Context(), cfg, db.WithTracerProvider(tp))
			if err != nil {
				return errors.Join(err, shutdown(context.Background()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %s: %d records undone\n", cfg.Dir, hdb.Recovered())
			return errors.Join(hdb.Close(cmd.Context()), shutdown(context.Background()))
		},
	}

	var limit int
	dumpLogCmd := &cobra.Command{
		Use:   "dump-log",
		Short: "Print the log records from the most recent to the oldest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return dumpLog(cmd.OutOrStdout(), cfg, limit)
		},
	}
	dumpLogCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of records to print (0 = all)")

	var metricsAddr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and expose its metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, metricsAddr)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address of the Prometheus /metrics endpoint")

	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(dumpLogCmd)
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}

// dumpLog reads the log without recovering the database.
func dumpLog(w io.Writer, cfg config.Config, limit int) error {
	dm, err := disk.NewDiskManager(cfg.Dir, cfg.BlockSize, nil)
	if err != nil {
		return err
	}
	defer dm.Close()

	lm, err := wal.OpenLogManager(dm, cfg.LogFile, nil)
	if err != nil {
		return err
	}

	it, err := lm.Iterator()
	if err != nil {
		return err
	}

	for n := 0; it.HasNext() && (limit <= 0 || n < limit); n++ {
		lr, err := it.NextRecord()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, lr)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}

	tp, shutdownTracing, err := telemetry.New(ctx, cfg.Trace)
	if err != nil {
		return err
	}

	hdb, err := db.Open(ctx, cfg, db.WithLogger(l), db.WithTracerProvider(tp))
	if err != nil {
		return errors.Join(err, shutdownTracing(context.Background()))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	srvErr := make(chan error, 1)
	go func() {
		l.Info("serving metrics", zap.String("addr", metricsAddr))
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(err, srv.Shutdown(shutdownCtx), hdb.Close(shutdownCtx), shutdownTracing(shutdownCtx))
}
