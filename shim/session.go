// Package shim is the external ingress surface §6 names:
// linux_shim_begin/register_runtime_path/register_runtime_blob/
// run_real_slice and the gfx bridge's push/copy functions, plus the
// collaborator interfaces (PrivilegeContext, TimerSource, Presenter,
// Allocator) a host embedding this personality supplies. Everything
// inside internal/ stays unexported to a caller that only imports this
// package.
package shim

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reduxos/linuxshim/internal/personality"
)

// Session is one guest session: a personality singleton plus the id,
// logger, and metrics a host embeds it with.
type Session struct {
	ID      string
	Logger  *zap.Logger
	Metrics *Metrics

	p            *personality.Personality
	runtimeBytes uint64
}

// SessionOption customizes NewSession beyond its required framebuffer
// dimensions.
type SessionOption func(*Session)

// WithLogger injects a *zap.Logger; NewSession falls back to
// zap.NewNop() when none is supplied, matching the ambient stack's
// "inject at construction, never a package-global logger" rule.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.Logger = l }
}

// NewSession builds a fresh personality — one process, no threads yet —
// with a width×height off-screen framebuffer. The returned Session.ID
// is what linux_shim_begin returns to the host.
func NewSession(fbWidth, fbHeight int, opts ...SessionOption) (*Session, error) {
	p, err := personality.New(fbWidth, fbHeight)
	if err != nil {
		return nil, fmt.Errorf("shim: building personality: %w", err)
	}
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		Logger:  zap.NewNop(),
		Metrics: NewMetrics(id),
		p:       p,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Logger.Info("session created", zap.String("session_id", id), zap.Int("fb_width", fbWidth), zap.Int("fb_height", fbHeight))
	return s, nil
}

// Begin plans and launches the named guest executable — linux_shim_begin
// after the caller has already registered the runtime files it depends
// on via RegisterRuntimePath/RegisterRuntimeBlob.
func (s *Session) Begin(path string, argv, envp []string) error {
	if err := s.p.Begin(path, argv, envp); err != nil {
		s.Logger.Error("begin failed", zap.String("path", path), zap.Error(err))
		return err
	}
	s.Metrics.observeRelocAll(s.p.RelocSnapshot())
	s.Logger.Info("session launched", zap.String("path", path), zap.Strings("argv", argv))
	return nil
}

// RegisterRuntimePath publishes a path of the given size as a
// lazily-backed runtime file — linux_shim_register_runtime_path.
func (s *Session) RegisterRuntimePath(path string, size uint64) {
	s.p.RegisterRuntimePath(path, size)
}

// Budget limits named directly in §5's resource model.
const (
	runtimeBlobBudgetBytes = 512 << 20
	singleFileCapBytes     = 256 << 20
)

// RegisterRuntimeBlob publishes path with data already resident —
// linux_shim_register_runtime_blob. Enforces the 512 MiB total/256 MiB
// per-file runtime budget §5 names, logging the running total in
// human-readable form the way an operator reading session logs expects.
func (s *Session) RegisterRuntimeBlob(path string, data []byte) error {
	if uint64(len(data)) > singleFileCapBytes {
		return fmt.Errorf("shim: %s is %s, over the %s single-file cap", path, humanize.Bytes(uint64(len(data))), humanize.Bytes(singleFileCapBytes))
	}
	if s.runtimeBytes+uint64(len(data)) > runtimeBlobBudgetBytes {
		return fmt.Errorf("shim: registering %s would exceed the %s runtime blob budget (already at %s)", path, humanize.Bytes(runtimeBlobBudgetBytes), humanize.Bytes(s.runtimeBytes))
	}
	if err := s.p.RegisterRuntimeBlob(path, data); err != nil {
		return err
	}
	s.runtimeBytes += uint64(len(data))
	s.Logger.Debug("runtime blob registered", zap.String("path", path), zap.String("size", humanize.Bytes(uint64(len(data)))), zap.String("running_total", humanize.Bytes(s.runtimeBytes)))
	return nil
}

// Invoke is linux_shim_invoke: dispatch one syscall, record syscall and
// errno counters, and log a loader-grade audit line for negative
// returns. tid, sysno, and args come straight off the trapped guest
// register state a PrivilegeContext implementation reports.
func (s *Session) Invoke(tid int, sysno uint64, args [6]uint64) int64 {
	s.Metrics.SyscallsTotal.Inc()
	rax := s.p.Dispatch(tid, sysno, personality.Args(args))
	errnoLabel := "0"
	if rax < 0 {
		errnoLabel = fmt.Sprintf("%d", -rax)
	}
	s.Metrics.ErrnoTotal.WithLabelValues(errnoLabel).Inc()
	if rax < 0 {
		s.Logger.Debug("syscall errno", zap.Int("tid", tid), zap.Uint64("sysno", sysno), zap.Int64("errno", -rax))
	}
	if sysno == sysFutexNum {
		s.observeFutexOp(args[1])
	}
	if sysno == sysExecveNum && rax == 0 {
		s.Metrics.observeRelocAll(s.p.RelocSnapshot())
	}
	return rax
}

// RunSlice is linux_shim_run_real_slice: drive one scheduler quantum and
// report the resume context plus the summary the host's slice runner
// needs to decide whether to call back in.
func (s *Session) RunSlice(ticksElapsed uint64) (RegisterContext, SliceSummary) {
	ctx, summary := s.p.RunSlice(ticksElapsed)
	if summary.Reason == SliceWatchdogTripped {
		s.Metrics.WatchdogTrips.Inc()
		s.Logger.Warn("watchdog tripped", zap.String("session_id", s.ID), zap.Int("tid", summary.TID))
	}
	return ctx, summary
}

// observeFutexOp classifies a futex(2) op value (already masked by the
// personality's own dispatcher, but the raw args[1] here still carries
// FUTEX_PRIVATE_FLAG/FUTEX_CLOCK_REALTIME bits) into the wait/wake
// counter family — this mirrors the same FUTEX_CMD_MASK the personality
// package applies, duplicated here because metrics classification has
// no need to depend on internal/futexsig's dispatch internals.
func (s *Session) observeFutexOp(rawOp uint64) {
	const futexCmdMask = 0x7f
	switch rawOp & futexCmdMask {
	case 0, 9, 6, 11, 13: // FUTEX_WAIT, FUTEX_WAIT_BITSET, FUTEX_LOCK_PI, FUTEX_WAIT_REQUEUE_PI, FUTEX_LOCK_PI2
		s.Metrics.FutexWaitsTotal.Inc()
	case 1, 10, 5: // FUTEX_WAKE, FUTEX_WAKE_BITSET, FUTEX_WAKE_OP
		s.Metrics.FutexWakesTotal.Inc()
	}
}

const (
	sysFutexNum  = 202
	sysExecveNum = 59
)
