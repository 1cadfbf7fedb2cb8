package personality

import (
	"github.com/reduxos/linuxshim/internal/futexsig"
	"github.com/reduxos/linuxshim/internal/procmodel"
)

// msPerTick is the scheduler's tick granularity (§5: 1ms per tick).
const msPerTick = 1

// nsPerMs, nsPerSec convert a guest timespec's nanosecond component into
// whole ticks, rounding up so a sub-tick timeout never collapses to zero
// (which would mean "no timeout" instead of "expire immediately").
const (
	nsPerMs  = 1000000
	nsPerSec = 1000000000
)

// futexDeadline reads the timespec at tsAddr and converts it into an
// absolute tick deadline. FUTEX_WAIT/FUTEX_WAIT_BITSET's timeout is
// relative to now unless clockRealtime is set, in which case (and always,
// for FUTEX_WAITV) it is already an absolute CLOCK_REALTIME value — this
// shim has no wall-clock/monotonic distinction, so both absolute forms
// are treated as ticks-since-start directly. A zero tsAddr means no
// timeout at all.
func (p *Personality) futexDeadline(tsAddr uint64, clockRealtime bool) (uint64, error) {
	if tsAddr == 0 {
		return 0, nil
	}
	sec, err := p.Mem.Uint64At(tsAddr)
	if err != nil {
		return 0, err
	}
	nsec, err := p.Mem.Uint64At(tsAddr + 8)
	if err != nil {
		return 0, err
	}
	ticks := (sec*nsPerSec + nsec + nsPerMs - 1) / nsPerMs / msPerTick
	if clockRealtime {
		return ticks, nil
	}
	return p.Proc.Ticks() + ticks, nil
}

// sign12 sign-extends a 12-bit field pulled out of futex(2)'s packed
// WAKE_OP encoding.
func sign12(v int32) int32 {
	if v&0x800 != 0 {
		return v | ^int32(0xfff)
	}
	return v
}

// sysClone decodes clone(2)'s register convention (flags, child_stack,
// parent_tidptr, child_tidptr, tls — the classic x86_64 ABI order, ahead
// of clone3's struct-pointer form which this shim does not accept) and
// hands it to procmodel.Scheduler.Clone.
func (p *Personality) sysClone(tid int, args Args) int64 {
	req := procmodel.CloneRequest{
		Flags:        args[0],
		ChildStack:   args[1],
		ParentTidPtr: args[2],
		ChildTidPtr:  args[3],
		TLS:          args[4],
	}
	childTID, _, err := p.Proc.Clone(tid, req)
	if err != nil {
		return errno(err)
	}
	if req.Flags&procmodel.CloneParentSettid != 0 {
		_ = p.Mem.PutUint32At(req.ParentTidPtr, uint32(childTID))
	}
	if req.Flags&procmodel.CloneChildSettid != 0 {
		_ = p.Mem.PutUint32At(req.ChildTidPtr, uint32(childTID))
	}
	return int64(childTID)
}

// sysKill implements kill(2)/tgkill(2) as a direct Raise against target,
// a PID (kill) or TID (tgkill) — interchangeable here, since a process's
// leader thread always keeps TID == PID in this scheduler.
func (p *Personality) sysKill(target, sig int) int64 {
	if err := p.Futex.Raise(target, sig); err != nil {
		return errno(err)
	}
	return 0
}

// sysFutex decodes futex(2)'s op argument (masked against FUTEX_CMD_MASK)
// and dispatches to the matching internal/futexsig entry point.
func (p *Personality) sysFutex(tid int, args Args) int64 {
	uaddr := args[0]
	rawOp := args[1]
	op := int32(rawOp) & futexsig.FutexCmdMask
	clockRealtime := rawOp&futexsig.FutexClockRealtime != 0
	val := uint32(args[2])
	uaddr2 := args[4]
	val2 := int(args[3])
	val3 := uint32(args[5])

	switch op {
	case futexsig.FutexWait:
		// FUTEX_WAIT's timeout (args[3], unlike WAIT_BITSET/WAITV) is
		// always relative, regardless of FUTEX_CLOCK_REALTIME.
		deadline, err := p.futexDeadline(args[3], false)
		if err != nil {
			return -int64(EFAULT)
		}
		if err := p.Futex.Wait(tid, uaddr, val, 0, deadline); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexWaitBitset:
		deadline, err := p.futexDeadline(args[3], clockRealtime)
		if err != nil {
			return -int64(EFAULT)
		}
		if err := p.Futex.Wait(tid, uaddr, val, val3, deadline); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexWake:
		return int64(p.Futex.Wake(uaddr, futexsig.FutexBitsetMatchAny, int(val)))
	case futexsig.FutexWakeBitset:
		return int64(p.Futex.Wake(uaddr, val3, int(val)))
	case futexsig.FutexRequeue:
		n, err := p.Futex.Requeue(uaddr, uaddr2, int(val), val2, false, 0)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	case futexsig.FutexCmpRequeue:
		n, err := p.Futex.Requeue(uaddr, uaddr2, int(val), val2, true, val3)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	case futexsig.FutexWakeOp:
		// FUTEX_WAKE_OP packs its encoded op/cmp/oparg/cmparg quartet into
		// val3: bits 31-28 op, 27-24 cmp, 23-12 oparg (signed 12-bit),
		// 11-0 cmparg (signed 12-bit) — the real kernel's encoding.
		fop := int32(val3>>28) & 0xf
		fcmp := int32(val3>>24) & 0xf
		foparg := sign12(int32(val3>>12) & 0xfff)
		fcmparg := sign12(int32(val3) & 0xfff)
		n, err := p.Futex.WakeOp(uaddr, uaddr2, int(val), val2, fop, foparg, fcmp, fcmparg)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	case futexsig.FutexLockPI, futexsig.FutexLockPI2:
		if err := p.Futex.LockPI(tid, uaddr, false); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexTrylockPI:
		if err := p.Futex.LockPI(tid, uaddr, true); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexUnlockPI:
		if err := p.Futex.UnlockPI(tid, uaddr); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexWaitRequeuePI:
		if err := p.Futex.WaitRequeuePI(tid, uaddr, val, 0); err != nil {
			return errno(err)
		}
		return 0
	case futexsig.FutexCmpRequeuePI:
		n, err := p.Futex.CmpRequeuePI(uaddr, uaddr2, int(val), val2, val3)
		if err != nil {
			return errno(err)
		}
		return int64(n)
	default:
		return -int64(ENOSYS)
	}
}

// futexWaitvEntrySize is sizeof(struct futex_waitv): val (u64), uaddr
// (u64), flags (u32), __reserved (u32).
const futexWaitvEntrySize = 24

// sysFutexWaitv implements futex_waitv(2): args are (waiters, nr_futexes,
// flags, timeout, clockid). Unlike plain FUTEX_WAIT, its timeout is
// always an absolute clock value.
func (p *Personality) sysFutexWaitv(tid int, args Args) int64 {
	waitersAddr := args[0]
	nr := args[1]
	tsAddr := args[3]

	if nr == 0 || nr > futexsig.MaxWaitv {
		return -int64(EINVAL)
	}
	entries := make([]futexsig.WaitvEntry, 0, nr)
	for i := uint64(0); i < nr; i++ {
		base := waitersAddr + i*futexWaitvEntrySize
		// val is a u64 field but only its low 32 bits are the comparison
		// value against the 32-bit futex word at uaddr.
		val64, err := p.Mem.Uint64At(base)
		if err != nil {
			return -int64(EFAULT)
		}
		uaddr, err := p.Mem.Uint64At(base + 8)
		if err != nil {
			return -int64(EFAULT)
		}
		flags, err := p.Mem.Uint32At(base + 16)
		if err != nil {
			return -int64(EFAULT)
		}
		entries = append(entries, futexsig.WaitvEntry{Addr: uaddr, Val: uint32(val64), Mask: flags})
	}
	deadline, err := p.futexDeadline(tsAddr, true)
	if err != nil {
		return -int64(EFAULT)
	}
	if err := p.Futex.WaitV(tid, entries, deadline); err != nil {
		return errno(err)
	}
	return 0
}

// sysRtSigaction implements rt_sigaction(2): args are (sig, act_ptr,
// oldact_ptr, sigsetsize). A non-null act_ptr installs a new
// disposition; a non-null oldact_ptr receives the previous one.
func (p *Personality) sysRtSigaction(args Args) int64 {
	sig := int(args[0])
	pid := p.pid
	if args[2] != 0 {
		old, err := p.Futex.GetAction(pid, sig)
		if err != nil {
			return errno(err)
		}
		_ = p.Mem.PutUint64At(args[2], old.Handler)
		_ = p.Mem.PutUint64At(args[2]+8, old.Flags)
		_ = p.Mem.PutUint64At(args[2]+16, old.Restorer)
		_ = p.Mem.PutUint64At(args[2]+24, old.Mask)
	}
	if args[1] == 0 {
		return 0
	}
	handler, err := p.Mem.Uint64At(args[1])
	if err != nil {
		return -int64(EFAULT)
	}
	flags, _ := p.Mem.Uint64At(args[1] + 8)
	restorer, _ := p.Mem.Uint64At(args[1] + 16)
	mask, _ := p.Mem.Uint64At(args[1] + 24)
	entry := futexsig.SigactionEntry{Handler: handler, Flags: flags, Restorer: restorer, Mask: mask}
	if err := p.Futex.SetAction(pid, sig, entry); err != nil {
		return errno(err)
	}
	return 0
}

// sysRtSigprocmask implements rt_sigprocmask(2)'s three hows against
// tid's mask: SIG_BLOCK ORs the new set in, SIG_UNBLOCK clears it,
// SIG_SETMASK replaces it outright.
func (p *Personality) sysRtSigprocmask(tid int, args Args) int64 {
	const (
		sigBlock   = 0
		sigUnblock = 1
		sigSetmask = 2
	)
	if args[1] == 0 {
		return 0
	}
	newMask, err := p.Mem.Uint64At(args[1])
	if err != nil {
		return -int64(EFAULT)
	}
	th, ok := p.Proc.Thread(tid)
	if !ok {
		return -int64(ESRCH)
	}
	var result uint64
	switch int(args[0]) {
	case sigBlock:
		result = th.SignalMask | newMask
	case sigUnblock:
		result = th.SignalMask &^ newMask
	case sigSetmask:
		result = newMask
	default:
		return -int64(EINVAL)
	}
	if err := p.Futex.SetMask(tid, result); err != nil {
		return errno(err)
	}
	return 0
}

// sysUname fills the guest's struct utsname — six 65-byte fields — with
// this personality's fixed identity.
func (p *Personality) sysUname(bufAddr uint64) int64 {
	fields := []string{"Linux", "reduxos", "6.1.0-reduxos", "#1 SMP", "x86_64", ""}
	for i, s := range fields {
		data := make([]byte, 65)
		copy(data, s)
		if err := p.Mem.WriteAt(bufAddr+uint64(i*65), data); err != nil {
			return -int64(EFAULT)
		}
	}
	return 0
}
