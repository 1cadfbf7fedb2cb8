package personality

import (
	"fmt"

	"github.com/reduxos/linuxshim/internal/auxstack"
	"github.com/reduxos/linuxshim/internal/loader"
	"github.com/reduxos/linuxshim/internal/memory"
	"github.com/reduxos/linuxshim/internal/vfs"
)

// maxArgcEnvc bounds how many argv/envp pointers Execve walks before
// giving up on an unterminated array — a guest bug, not a shim limit
// worth modeling more precisely.
const maxArgcEnvc = 4096

// readGuestStringArray walks a NULL-terminated array of guest pointers
// starting at addr and resolves each one to a C string.
func (p *Personality) readGuestStringArray(addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; i < maxArgcEnvc; i++ {
		ptr, err := p.Mem.Uint64At(addr + uint64(i)*8)
		if err != nil {
			return nil, err
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := p.Mem.ReadCString(ptr, maxGuestStringLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, fmt.Errorf("personality: argv/envp array exceeds %d entries", maxArgcEnvc)
}

// sysExecve implements execve(2), §4.15's C15. On success it replans the
// named image against a fresh address space, collapses the calling
// thread's process to that single thread, and defers the actual
// register-context switch to the next RunSlice call (execPending) —
// nothing about the calling thread's current slice is unwound early.
// On any failure, no state changes and a negative errno is returned.
func (p *Personality) sysExecve(args Args) int64 {
	path, err := p.Mem.ReadCString(args[0], maxGuestStringLen)
	if err != nil {
		return -int64(EFAULT)
	}
	argv, err := p.readGuestStringArray(args[1])
	if err != nil {
		return -int64(EFAULT)
	}
	envp, err := p.readGuestStringArray(args[2])
	if err != nil {
		return -int64(EFAULT)
	}

	kind, rf, ok := p.VFS.Exists(path)
	if !ok || kind != vfs.KindRegular {
		return -int64(ENOENT)
	}
	raw, err := p.VFS.ReadAt(rf.Path, 0, rf.Size)
	if err != nil {
		return -int64(EIO)
	}

	resolver := vfsLibraryResolver{fs: p.VFS}
	plan, err := loader.Plan(raw, resolver, p.bumpMmap)
	if err != nil {
		return -int64(ENOEXEC)
	}

	stackBase := p.bumpMmap(auxstack.StackSize)
	stackImg, err := auxstack.Build(plan.Main, plan.Interp, argv, envp, stackBase)
	if err != nil {
		return -int64(ENOEXEC)
	}
	frame := auxstack.BuildFrame(plan, stackImg, plan.TLS)

	if _, err := p.Mem.Map(stackBase, stackImg.Bytes); err != nil {
		return -int64(ENOMEM)
	}
	for _, img := range plan.All {
		if _, err := p.Mem.Map(img.ImageStart, img.Bytes); err != nil {
			return -int64(ENOMEM)
		}
	}

	p.FDs.CloseCloexec()

	brkBase := p.Alloc.Brk(0)
	if err := p.Proc.ResetForExec(p.pid, p.tid, brkBase, brkBase+memory.HeapSize, p.mmapTop); err != nil {
		return -int64(ESRCH)
	}

	p.currentPlan = plan
	p.mainEntry = frame.MainEntry
	p.interpEntry = frame.InterpEntry
	p.stackPtr = frame.StackPtr
	p.tlsTCB = frame.TLSTCBAddr
	p.execPending = true
	p.Proc.RequestSwitch(0)
	return 0
}
