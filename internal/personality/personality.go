// Package personality is the guest session singleton: it aggregates
// every subsystem built in internal/{memory,vfs,fdtable,sockets,x11,
// fbbridge,procmodel,futexsig,loader,elfimage,auxstack}, wires their
// cross-package collaborator interfaces together, and exposes the
// syscall dispatch table (syscalls.go) and the execve engine
// (execve.go) that drive them from one guest thread's perspective.
package personality

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/auxstack"
	"github.com/reduxos/linuxshim/internal/elfimage"
	"github.com/reduxos/linuxshim/internal/fbbridge"
	"github.com/reduxos/linuxshim/internal/fdtable"
	"github.com/reduxos/linuxshim/internal/futexsig"
	"github.com/reduxos/linuxshim/internal/guestmem"
	"github.com/reduxos/linuxshim/internal/loader"
	"github.com/reduxos/linuxshim/internal/memory"
	"github.com/reduxos/linuxshim/internal/procmodel"
	"github.com/reduxos/linuxshim/internal/sockets"
	"github.com/reduxos/linuxshim/internal/vfs"
	"github.com/reduxos/linuxshim/internal/x11"
)

// librarySearchPath is the fixed set of directories execve's DT_NEEDED
// resolution tries, in order, for each bare SONAME — there is no real
// filesystem underneath, so this is the guest's entire library story.
var librarySearchPath = []string{"/lib/x86_64-linux-gnu/", "/usr/lib/x86_64-linux-gnu/", "/lib64/", "/usr/lib/", "/lib/"}

// Personality is one guest session: the memory/VFS/fd/socket/X11/
// framebuffer/thread state plus the bookkeeping execve needs to hand a
// freshly-planned image to the next slice.
type Personality struct {
	Mem   *guestmem.Space
	Alloc *memory.Manager
	VFS   *vfs.FS
	FDs   *fdtable.Table
	Sock  *sockets.Manager
	X11   *x11.Server
	FB    *fbbridge.Bridge
	Proc  *procmodel.Scheduler
	Futex *futexsig.Core

	pid, tid int

	currentPlan *loader.LaunchPlan
	mainEntry   uint64
	interpEntry uint64
	stackPtr    uint64
	tlsTCB      uint64
	execPending bool
	mmapTop     uint64
}

// shmByAddress is the ShmSource internal/x11's MIT-SHM path reads
// through: per the design's heuristic, the "segment" a guest names in
// ShmAttach is resolved as the literal guest base address of the
// MAP_SHARED slot it attached (the low 32 bits of the address, since
// shmids in this shim are never allocated separately from the mapping
// that backs them).
type shmByAddress struct {
	mem *guestmem.Space
}

func (s shmByAddress) Read(segmentID uint32, offset, length uint32) ([]byte, error) {
	return s.mem.ReadAt(uint64(segmentID)+uint64(offset), int(length))
}

// vfsLibraryResolver adapts internal/vfs.FS to loader.LibraryResolver by
// trying the SONAME against every entry in librarySearchPath plus the
// bare name itself (covering PT_INTERP's fully-qualified path).
type vfsLibraryResolver struct {
	fs *vfs.FS
}

func (r vfsLibraryResolver) Resolve(name string) ([]byte, error) {
	candidates := []string{name}
	for _, dir := range librarySearchPath {
		candidates = append(candidates, dir+name)
	}
	for _, path := range candidates {
		if kind, rf, ok := r.fs.Exists(path); ok && kind == vfs.KindRegular {
			data, err := r.fs.ReadAt(rf.Path, 0, rf.Size)
			if err == nil {
				return data, nil
			}
		}
	}
	return nil, fmt.Errorf("personality: %s not found on library search path", name)
}

// New builds an idle session with every subsystem wired: sockets routes
// X11-endpoint writes to the X11 server, the X11 server replies back
// through sockets, and MIT-SHM reads resolve through guest memory
// directly.
func New(fbWidth, fbHeight int) (*Personality, error) {
	fb, err := fbbridge.New(fbWidth, fbHeight)
	if err != nil {
		return nil, fmt.Errorf("personality: building framebuffer: %w", err)
	}

	mem := guestmem.New()
	vfsFS := vfs.New()
	alloc, err := memory.New(mem, vfsFS)
	if err != nil {
		return nil, fmt.Errorf("personality: building memory manager: %w", err)
	}

	x11Server := x11.New(fb)
	sockMgr := sockets.New()
	sockMgr.SetX11Interpreter(x11Server)
	x11Server.SetReplySink(sockMgr)
	x11Server.SetShmSource(shmByAddress{mem: mem})

	fds := fdtable.New()
	for i := 0; i < 3; i++ {
		if _, err := fds.OpenNew(fdtable.KindStdioDup, noopObject{}, 0, 0); err != nil {
			return nil, fmt.Errorf("personality: reserving stdio fd %d: %w", i, err)
		}
	}

	p := &Personality{
		Mem:     mem,
		Alloc:   alloc,
		VFS:     vfsFS,
		FDs:     fds,
		Sock:    sockMgr,
		X11:     x11Server,
		FB:      fb,
		Proc:    procmodel.New(),
		mmapTop: memory.MmapBase,
	}
	p.Futex = futexsig.New(p.Proc, mem)
	return p, nil
}

// RegisterRuntimePath and RegisterRuntimeBlob are thin forwarders kept on
// Personality so the public shim package never needs to import
// internal/vfs directly.
func (p *Personality) RegisterRuntimePath(path string, size uint64) { p.VFS.RegisterPath(path, size) }

func (p *Personality) RegisterRuntimeBlob(path string, data []byte) error {
	return p.VFS.RegisterBlob(path, data)
}

// Begin plans and launches the main executable at path — the host's
// linux_shim_begin entry point. It is Execve's first-launch twin: no
// prior state to tear down, no CLOEXEC closures, just a plan, a stack,
// and one thread.
func (p *Personality) Begin(path string, argv, envp []string) error {
	kind, rf, ok := p.VFS.Exists(path)
	if !ok || kind != vfs.KindRegular {
		return fmt.Errorf("personality: %s not found", path)
	}
	raw, err := p.VFS.ReadAt(rf.Path, 0, rf.Size)
	if err != nil {
		return err
	}
	return p.launch(raw, argv, envp)
}

// launch runs C1–C6 against raw main-image bytes and seeds the
// scheduler's first process/thread from the resulting frame.
func (p *Personality) launch(raw []byte, argv, envp []string) error {
	resolver := vfsLibraryResolver{fs: p.VFS}
	plan, err := loader.Plan(raw, resolver, p.bumpMmap)
	if err != nil {
		return fmt.Errorf("personality: planning launch: %w", err)
	}

	stackBase := p.bumpMmap(auxstack.StackSize)
	stackImg, err := auxstack.Build(plan.Main, plan.Interp, argv, envp, stackBase)
	if err != nil {
		return fmt.Errorf("personality: building stack image: %w", err)
	}
	frame := auxstack.BuildFrame(plan, stackImg, plan.TLS)

	if _, err := p.Mem.Map(stackBase, stackImg.Bytes); err != nil {
		return fmt.Errorf("personality: mapping stack image: %w", err)
	}
	for _, img := range plan.All {
		if _, err := p.Mem.Map(img.ImageStart, img.Bytes); err != nil {
			return fmt.Errorf("personality: mapping %s: %w", img.Label, err)
		}
	}

	p.currentPlan = plan
	p.mainEntry = frame.MainEntry
	p.interpEntry = frame.InterpEntry
	p.stackPtr = frame.StackPtr
	p.tlsTCB = frame.TLSTCBAddr

	p.pid, p.tid = p.Proc.Begin(frame.InterpEntry, frame.StackPtr, frame.TLSTCBAddr, p.Alloc.Brk(0), p.Alloc.Brk(0)+memory.HeapSize)
	return nil
}

// RelocSnapshot copies out the current launch plan's per-image
// relocation counters, or nil if no image has been launched yet — the
// public shim package's metrics layer reads this after Begin/execve to
// fold fresh totals into its counters.
func (p *Personality) RelocSnapshot() map[string]loader.RelocStats {
	if p.currentPlan == nil || p.currentPlan.Reloc == nil {
		return nil
	}
	out := make(map[string]loader.RelocStats, len(p.currentPlan.Reloc.Stats))
	for label, stats := range p.currentPlan.Reloc.Stats {
		out[label] = *stats
	}
	return out
}

// bumpMmap is the AddressAllocator loader.Plan and auxstack.Build use to
// place staged images and the stack — a simple upward bump allocator
// over the same address space internal/memory's mmap cursor occupies,
// kept separate since these placements happen before a Manager's own
// Mmap bookkeeping would otherwise track them.
func (p *Personality) bumpMmap(spanLen uint64) uint64 {
	spanLen = memory.PageSize * ((spanLen + memory.PageSize - 1) / memory.PageSize)
	addr := p.mmapTop
	p.mmapTop += spanLen
	return addr
}

// RunSlice drives one scheduler quantum and reports which guest thread
// the host's privilege-transfer primitive should resume — or, on an
// execve transition, the fresh interpreter entry instead of a saved
// context.
func (p *Personality) RunSlice(ticksElapsed uint64) (procmodel.RegisterContext, procmodel.SliceSummary) {
	if p.execPending {
		p.execPending = false
		ctx := procmodel.RegisterContext{RIP: p.interpEntry, RSP: p.stackPtr}
		p.Proc.SaveContext(p.tid, ctx)
		return ctx, procmodel.SliceSummary{TID: p.tid, Reason: procmodel.SliceYielded}
	}
	expired, summary := p.Proc.RunRealSlice(ticksElapsed)
	for _, etid := range expired {
		// A timed-out FUTEX_WAIT/WAIT_BITSET/WAITV is woken by the tick
		// advance above, not by a wake call — nothing else sets this
		// thread's pending syscall return, so its resumed RAX must be
		// overwritten here or the guest would see whatever value its
		// futex trap happened to return before blocking (0).
		if ctx, ok := p.Proc.Context(etid); ok {
			ctx.RAX = uint64(-int64(ETIMEDOUT))
			p.Proc.SaveContext(etid, ctx)
		}
	}
	if summary.TID != 0 {
		// Deliver at most one pending signal before handing control back,
		// per §4.14: a fatal/stop outcome leaves summary.TID non-runnable,
		// which the next RunSlice call's own thread selection accounts for.
		_, _ = p.Futex.DispatchPending(summary.TID)
	}
	ctx, _ := p.Proc.Context(summary.TID)
	return ctx, summary
}
