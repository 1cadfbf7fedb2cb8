package shim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reduxos/linuxshim/internal/loader"
)

// Metrics is the counter/gauge set cmd/linuxshim's metrics subcommand
// exposes, the way caddy exposes its own admin metrics: syscall volume,
// watchdog trips, and the futex wait/wake traffic a busy guest produces.
// A Session's metrics are independent of any other Session's — each
// gets its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	SyscallsTotal   prometheus.Counter
	ErrnoTotal      *prometheus.CounterVec
	WatchdogTrips   prometheus.Counter
	FutexWaitsTotal prometheus.Counter
	FutexWakesTotal prometheus.Counter
	RelocApplied    prometheus.Counter
	RelocUnsup      prometheus.Counter
	RelocErrors     prometheus.Counter
}

// NewMetrics builds a fresh registry and set of collectors. Passing a
// distinct sessionLabel for each Session in one process keeps their series
// distinguishable once scraped.
func NewMetrics(sessionLabel string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"session": sessionLabel}

	return &Metrics{
		Registry: reg,
		SyscallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_syscalls_total",
			Help:        "Total syscalls dispatched through the personality.",
			ConstLabels: labels,
		}),
		ErrnoTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "linuxshim_errno_total",
			Help:        "Syscall returns by negative errno value (0 = success).",
			ConstLabels: labels,
		}, []string{"errno"}),
		WatchdogTrips: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_watchdog_trips_total",
			Help:        "Slices that ended because the watchdog fired.",
			ConstLabels: labels,
		}),
		FutexWaitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_futex_waits_total",
			Help:        "FUTEX_WAIT (and bitset/PI variants) calls dispatched.",
			ConstLabels: labels,
		}),
		FutexWakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_futex_wakes_total",
			Help:        "FUTEX_WAKE (and bitset/op variants) calls dispatched.",
			ConstLabels: labels,
		}),
		RelocApplied: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_reloc_applied_total",
			Help:        "Relocations applied across every image loaded this session.",
			ConstLabels: labels,
		}),
		RelocUnsup: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_reloc_unsupported_total",
			Help:        "Relocations of an unsupported type skipped this session.",
			ConstLabels: labels,
		}),
		RelocErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "linuxshim_reloc_errors_total",
			Help:        "Relocations that failed to apply this session.",
			ConstLabels: labels,
		}),
	}
}

// observeRelocStats folds one image's reloc counters into the session's
// running totals, across however many images a launch or execve staged.
func (m *Metrics) observeRelocStats(stats loader.RelocStats) {
	m.RelocApplied.Add(float64(stats.Applied))
	m.RelocUnsup.Add(float64(stats.Unsupported))
	m.RelocErrors.Add(float64(stats.Errors))
}

// observeRelocAll folds every image's stats from one Begin/execve's
// RelocSnapshot into the running totals; a nil snapshot (static ET_EXEC
// images never populate one beyond the zero value) is a no-op.
func (m *Metrics) observeRelocAll(snapshot map[string]loader.RelocStats) {
	for _, stats := range snapshot {
		m.observeRelocStats(stats)
	}
}
