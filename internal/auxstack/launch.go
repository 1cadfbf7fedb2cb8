package auxstack

import "github.com/reduxos/linuxshim/internal/loader"

// Frame is the host-level summary of one execve/launch: everything
// linux_shim_begin needs to start the first slice, and everything a later
// execve needs to replace it. The "write FS_BASE, clear GPRs, jump to
// interpreter entry" transfer itself is done by the host's
// privilege-transfer primitive; procmodel.Scheduler.Begin seeds the first
// thread's saved context (RIP, RSP, FS base) from this struct.
type Frame struct {
	MainEntry   uint64
	InterpEntry uint64
	StackPtr    uint64
	TLSTCBAddr  uint64
}

// BuildFrame assembles a Frame from a completed launch plan and stack
// image. If the image has no interpreter (phase-1 static), InterpEntry
// equals MainEntry — there is no separate interpreter to hand off to.
func BuildFrame(plan *loader.LaunchPlan, stackImg *Image, tls *loader.TLSBlock) Frame {
	entry := plan.Main.EntryVirt
	interpEntry := entry
	if plan.Interp != nil {
		interpEntry = plan.Interp.EntryVirt
	}
	var tcb uint64
	if tls != nil {
		tcb = tls.TCBAddr
	}
	return Frame{
		MainEntry:   entry,
		InterpEntry: interpEntry,
		StackPtr:    stackImg.StackPtr,
		TLSTCBAddr:  tcb,
	}
}
