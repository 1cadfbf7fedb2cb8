package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reduxos/linuxshim/shim"
)

// newMetricsCommand behaves like "run" but also serves the session's
// prometheus registry over HTTP — cmd/linuxshim's analogue of caddy's
// admin metrics endpoint, scoped to exactly the counters SPEC_FULL.md's
// domain stack assigned to this binary (syscall volume, watchdog trips,
// reloc pass stats, futex wait/wake counts).
func newMetricsCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Begin a session and serve its metrics registry over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(cmd, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9090", "address to serve /metrics on")
	cmd.Flags().Uint64("ticks-per-slice", 100, "ticks advanced per run_real_slice call")
	cmd.Flags().Int("max-slices", 100000, "stop after this many slices even if the guest hasn't exited")
	return cmd
}

func runMetrics(cmd *cobra.Command, listen string) error {
	manifest, err := shim.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	session, err := shim.NewSession(manifest.FramebufferWidth, manifest.FramebufferHeight, shim.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := session.ApplyRuntimeFiles(manifest.RuntimeFiles); err != nil {
		return err
	}
	if err := session.Begin(manifest.Main, manifest.Argv, manifest.Envp()); err != nil {
		return fmt.Errorf("beginning %s: %w", manifest.Main, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(session.Metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ticksPerSlice, _ := cmd.Flags().GetUint64("ticks-per-slice")
	maxSlices, _ := cmd.Flags().GetInt("max-slices")
	for i := 0; i < maxSlices; i++ {
		_, summary := session.RunSlice(ticksPerSlice)
		if summary.Reason == shim.SliceNoRunnableThread || summary.Reason == shim.SliceWatchdogTripped {
			logger.Info("session ended", zap.String("reason", sliceReasonName(summary.Reason)))
			break
		}
	}
	return nil
}
