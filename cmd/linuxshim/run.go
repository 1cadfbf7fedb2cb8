package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/reduxos/linuxshim/shim"
)

// envOverrides is a repeatable --env KEY=VALUE flag collected as a
// pflag.Value — cobra's StringSliceVar would work too, but a dedicated
// Value lets Set() reject malformed entries immediately instead of
// deferring validation to the manifest layer.
type envOverrides map[string]string

func (e envOverrides) String() string {
	parts := make([]string, 0, len(e))
	for k, v := range e {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (e envOverrides) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("--env expects KEY=VALUE, got %q", raw)
	}
	e[k] = v
	return nil
}

func (envOverrides) Type() string { return "KEY=VALUE" }

var _ pflag.Value = envOverrides{}

var envFlagValue = envOverrides{}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Begin a session from the manifest and run it to completion",
		RunE:  runRun,
	}
	cmd.Flags().Var(envFlagValue, "env", "override/add a guest environment variable, repeatable")
	cmd.Flags().Uint64("ticks-per-slice", 100, "ticks advanced per run_real_slice call")
	cmd.Flags().Int("max-slices", 100000, "stop after this many slices even if the guest hasn't exited")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	manifest, err := shim.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	for k, v := range envFlagValue {
		if manifest.Env == nil {
			manifest.Env = map[string]string{}
		}
		manifest.Env[k] = v
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

	ticksPerSlice, _ := cmd.Flags().GetUint64("ticks-per-slice")
	maxSlices, _ := cmd.Flags().GetInt("max-slices")

	clock := hostTimerSource{}
	start := clock.NowTicks()
	var slices int
	for slices = 0; slices < maxSlices; slices++ {
		_, summary := session.RunSlice(ticksPerSlice)
		switch summary.Reason {
		case shim.SliceNoRunnableThread, shim.SliceWatchdogTripped:
			logger.Info("session ended",
				zap.Int("tid", summary.TID),
				zap.String("reason", sliceReasonName(summary.Reason)),
				zap.String("slices_run", humanize.Comma(int64(slices))),
			)
			return nil
		}
	}
	elapsed := clock.NowTicks() - start
	logger.Info("slice budget exhausted",
		zap.String("max_slices", humanize.Comma(int64(maxSlices))),
		zap.String("ticks_elapsed", humanize.Comma(int64(elapsed))),
	)
	return nil
}

func sliceReasonName(r shim.SliceReason) string {
	switch r {
	case shim.SliceBudgetExhausted:
		return "budget_exhausted"
	case shim.SliceYielded:
		return "yielded"
	case shim.SliceNoRunnableThread:
		return "no_runnable_thread"
	case shim.SliceWatchdogTripped:
		return "watchdog_tripped"
	default:
		return "unknown"
	}
}
