// Command linuxshim is the demo launcher: a small cobra CLI that drives
// a shim.Session from a YAML manifest, mirroring caddy's root-command-
// factory pattern (one cobra.Command tree, subcommands doing the real
// work). It exists to exercise the public shim package end to end —
// begin a session, register runtime files, and run slices — not to
// execute real guest machine code: this repo implements the Linux
// syscall ABI and loader side of a personality, not a CPU interpreter,
// so the demo's own "guest" never actually traps a syscall on its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var manifestPath string

var rootCmd = &cobra.Command{
	Use:   "linuxshim",
	Short: "Drive a linuxshim personality session from a manifest",
	Long: `linuxshim is the demo launcher for the linuxshim personality: it loads a
YAML session manifest, begins a guest session, registers the manifest's
runtime files, and runs scheduler slices until the guest process exits,
the watchdog trips, or no thread remains runnable.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&manifestPath, "manifest", "m", "session.yaml", "path to the session manifest")
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMetricsCommand())
}

// Execute runs the root command; main's only job.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
