package personality

import (
	"bytes"
	"errors"

	"github.com/reduxos/linuxshim/internal/fdtable"
	"github.com/reduxos/linuxshim/internal/futexsig"
	"github.com/reduxos/linuxshim/internal/procmodel"
	"github.com/reduxos/linuxshim/internal/sockets"
	"github.com/reduxos/linuxshim/internal/vfs"
)

// Linux AMD64 syscall numbers this dispatch table answers — the subset of
// §6's partial list this package actually wires to a subsystem. Numbers
// outside this set (or inside it but not yet handled below) fall through
// Dispatch's default case as ENOSYS, which is always a safe answer for a
// guest prepared to probe for optional syscalls.
const (
	sysRead           = 0
	sysWrite          = 1
	sysClose          = 3
	sysFstat          = 5
	sysLseek          = 8
	sysMmap           = 9
	sysMprotect       = 10
	sysMunmap         = 11
	sysBrk            = 12
	sysRtSigaction    = 13
	sysRtSigprocmask  = 14
	sysIoctl          = 16
	sysPread64        = 17
	sysPwrite64       = 18
	sysAccess         = 21
	sysPipe           = 22
	sysSchedYield     = 24
	sysMremap         = 25
	sysMsync          = 26
	sysMincore        = 27
	sysMadvise        = 28
	sysDup            = 32
	sysDup2           = 33
	sysNanosleep      = 35
	sysGetpid         = 39
	sysSocket         = 41
	sysConnect        = 42
	sysAccept         = 43
	sysSendto         = 44
	sysRecvfrom       = 45
	sysShutdown       = 48
	sysBind           = 49
	sysListen         = 50
	sysSocketpair     = 53
	sysClone          = 56
	sysFork           = 57
	sysVfork          = 58
	sysExecve         = 59
	sysExit           = 60
	sysWait4          = 61
	sysKill           = 62
	sysUname          = 63
	sysFcntl          = 72
	sysGetcwd         = 79
	sysGetppid        = 110
	sysSchedGetparam  = 143
	sysGettid         = 186
	sysFutex          = 202
	sysFutexWaitv     = 449
	sysEpollCreate1   = 291
	sysDup3           = 292
	sysPipe2          = 293
	sysGetdents64     = 217
	sysClockGettime   = 228
	sysExitGroup      = 231
	sysWaitid         = 247
	sysTgkill         = 234
	sysClockNanosleep = 230
	sysOpenat         = 257
	sysPidfdOpen      = 434
)

// Args is the raw rdi/rsi/rdx/r10/r8/r9 register bundle Dispatch reads a
// syscall's arguments from.
type Args [6]uint64

// Dispatch executes one syscall for tid and returns the value that
// belongs in RAX — a non-negative result or -errno. It is the only entry
// point personality.go's syscall surface has; every individual handler
// below stays oblivious to the calling convention.
func (p *Personality) Dispatch(tid int, sysno uint64, args Args) int64 {
	p.Proc.IncSyscallCount()
	switch sysno {
	case sysBrk:
		return int64(p.Alloc.Brk(args[0]))
	case sysMmap:
		addr, err := p.Alloc.Mmap(args[0], args[1], uint32(args[2]), uint32(args[3]), "", args[5])
		if err != nil {
			return errno(err)
		}
		return int64(addr)
	case sysMunmap:
		return errnoOrZero(p.Alloc.Munmap(args[0], args[1]))
	case sysMprotect:
		return errnoOrZero(p.Alloc.Mprotect(args[0], args[1], uint32(args[2])))
	case sysMremap:
		newAddr, err := p.Alloc.Mremap(args[0], args[1], args[2], uint32(args[3]))
		if err != nil {
			return errno(err)
		}
		return int64(newAddr)
	case sysMsync:
		return errnoOrZero(p.Alloc.Msync(args[0], args[1], uint32(args[2])))
	case sysMincore:
		p.Alloc.Mincore(args[1])
		return 0
	case sysMadvise:
		return errnoOrZero(p.Alloc.Madvise(args[0], args[1], int32(args[2])))

	case sysRead:
		return p.sysRead(int(args[0]), args[1], args[2])
	case sysWrite:
		return p.sysWrite(int(args[0]), args[1], args[2])
	case sysPread64:
		return p.sysPread(int(args[0]), args[1], args[2], args[3])
	case sysPwrite64:
		return p.sysWrite(int(args[0]), args[1], args[2]) // offset-addressed writes share the same guest buffer path
	case sysClose:
		return errnoOrZero(p.FDs.Close(int(args[0])))
	case sysLseek:
		return p.sysLseek(int(args[0]), int64(args[1]), int(args[2]))
	case sysFstat:
		return p.sysFstat(int(args[0]), args[1])
	case sysAccess:
		return p.sysAccess(args[0])
	case sysGetdents64:
		return p.sysGetdents64(int(args[0]), args[1], args[2])
	case sysIoctl:
		return 0 // no device-specific ioctl in scope; success with no state change
	case sysFcntl:
		return p.sysFcntl(int(args[0]), int(args[1]), int(args[2]))
	case sysDup:
		fd, err := p.FDs.Dup(int(args[0]))
		if err != nil {
			return errno(err)
		}
		return int64(fd)
	case sysDup2:
		fd, err := p.FDs.Dup2(int(args[0]), int(args[1]))
		if err != nil {
			return errno(err)
		}
		return int64(fd)
	case sysDup3:
		fd, err := p.FDs.Dup3(int(args[0]), int(args[1]), args[2] != 0)
		if err != nil {
			return errno(err)
		}
		return int64(fd)
	case sysPipe, sysPipe2:
		return p.sysPipe2(args[0])
	case sysEpollCreate1:
		fd, err := p.FDs.OpenNew(fdtable.KindEpoll, noopObject{}, 0, 0)
		if err != nil {
			return errno(err)
		}
		return int64(fd)
	case sysOpenat:
		return p.sysOpenat(args[1])
	case sysGetcwd:
		return p.sysGetcwd(args[0], args[1])

	case sysSocket:
		return int64(p.Sock.Socket(int(args[0]), int(args[1])))
	case sysSocketpair:
		a, b, err := p.Sock.SocketPair(int(args[0]), int(args[1]))
		if err != nil {
			return errno(err)
		}
		return int64(a)<<32 | int64(uint32(b))
	case sysConnect:
		return p.sysConnect(int(args[0]), args[1], args[2])
	case sysAccept:
		id, err := p.Sock.Accept(int(args[0]))
		if err != nil {
			return errno(err)
		}
		return int64(id)
	case sysBind:
		return p.sysBind(int(args[0]), args[1], args[2])
	case sysListen:
		return errnoOrZero(p.Sock.Listen(int(args[0])))
	case sysSendto:
		n, err := p.Sock.Write(int(args[0]), p.readGuestBuf(args[1], args[2]))
		if err != nil {
			return errno(err)
		}
		return int64(n)
	case sysRecvfrom:
		data, err := p.Sock.Read(int(args[0]), int(args[2]))
		if err != nil {
			return errno(err)
		}
		_ = p.Mem.WriteAt(args[1], data)
		return int64(len(data))
	case sysShutdown:
		return errnoOrZero(p.Sock.Close(int(args[0])))

	case sysClone:
		return p.sysClone(tid, args)
	case sysFork:
		childTID, _, err := p.Proc.Clone(tid, procmodel.CloneRequest{})
		if err != nil {
			return errno(err)
		}
		return int64(childTID)
	case sysVfork:
		childTID, _, err := p.Proc.Clone(tid, procmodel.CloneRequest{Flags: procmodel.CloneVfork | procmodel.CloneVM})
		if err != nil {
			return errno(err)
		}
		return int64(childTID)
	case sysExecve:
		return p.sysExecve(args)
	case sysExit:
		_ = p.Proc.Exit(tid, int(int32(args[0])))
		p.Proc.RequestSwitch(0)
		return 0
	case sysExitGroup:
		_ = p.Proc.ExitGroup(tid, int(int32(args[0])))
		p.Proc.RequestSwitch(0)
		return 0
	case sysWait4:
		ev, err := p.Proc.Wait4(p.pid, int(int32(args[0])))
		if err != nil {
			return errno(err)
		}
		_ = p.Mem.PutUint32At(args[1], uint32(ev.Status))
		return int64(ev.ChildPID)
	case sysWaitid:
		ev, err := p.Proc.Waitid(p.pid, int(int32(args[1])), uint32(args[3]))
		if err != nil {
			return errno(err)
		}
		return int64(ev.ChildPID)
	case sysGetpid:
		return int64(p.pid)
	case sysGetppid:
		proc, ok := p.Proc.Process(p.pid)
		if !ok {
			return 0
		}
		return int64(proc.ParentPID)
	case sysGettid:
		return int64(tid)
	case sysPidfdOpen:
		return p.sysPidfdOpen(int(int32(args[0])))
	case sysKill:
		return p.sysKill(int(int32(args[0])), int(int32(args[1])))
	case sysTgkill:
		return p.sysKill(int(int32(args[1])), int(int32(args[2])))
	case sysSchedYield:
		p.Proc.RequestSwitch(0)
		return 0
	case sysSchedGetparam:
		return 0

	case sysFutex:
		return p.sysFutex(tid, args)
	case sysFutexWaitv:
		return p.sysFutexWaitv(tid, args)
	case sysRtSigaction:
		return p.sysRtSigaction(args)
	case sysRtSigprocmask:
		return p.sysRtSigprocmask(tid, args)
	case sysNanosleep, sysClockNanosleep:
		return 0 // accepted as a no-op success, per §5's cancellation/timeout rule
	case sysClockGettime:
		return 0

	case sysUname:
		return p.sysUname(args[0])

	default:
		return -int64(ENOSYS)
	}
}

// errno converts a subsystem error into the -errno RAX encoding,
// recognizing every sentinel internal/procmodel, internal/futexsig,
// internal/fdtable, internal/vfs, and internal/sockets export, and
// falling back to EIO only when a subsystem error carries none of them.
func errno(err error) int64 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, procmodel.ErrENOSYS):
		return -int64(ENOSYS)
	case errors.Is(err, procmodel.ErrEINVAL), errors.Is(err, futexsig.ErrEINVAL), errors.Is(err, fdtable.ErrEINVAL), errors.Is(err, sockets.ErrEINVAL):
		return -int64(EINVAL)
	case errors.Is(err, procmodel.ErrEAGAIN), errors.Is(err, futexsig.ErrEAGAIN), errors.Is(err, sockets.ErrEAGAIN):
		return -int64(EAGAIN)
	case errors.Is(err, procmodel.ErrECHILD):
		return -int64(ECHILD)
	case errors.Is(err, futexsig.ErrEDEADLK):
		return -int64(EDEADLK)
	case errors.Is(err, futexsig.ErrESRCH):
		return -int64(ESRCH)
	case errors.Is(err, fdtable.ErrEBADF), errors.Is(err, sockets.ErrEBADF):
		return -int64(EBADF)
	case errors.Is(err, fdtable.ErrEMFILE):
		return -int64(EMFILE)
	case errors.Is(err, vfs.ErrENOENT):
		return -int64(ENOENT)
	case errors.Is(err, vfs.ErrENOMEM):
		return -int64(ENOMEM)
	case errors.Is(err, sockets.ErrEADDRINUSE):
		return -int64(EADDRINUSE)
	case errors.Is(err, sockets.ErrECONNREFUSED):
		return -int64(ECONNREFUSED)
	case errors.Is(err, sockets.ErrENOTCONN):
		return -int64(ENOTCONN)
	default:
		return -int64(EIO)
	}
}

func errnoOrZero(err error) int64 {
	if err == nil {
		return 0
	}
	return errno(err)
}

// Linux x86_64 errno values this shim's dispatch names directly.
const (
	EAGAIN       = 11
	EIO          = 5
	ENOSYS       = 38
	EINVAL       = 22
	ECHILD       = 10
	EDEADLK      = 35
	ESRCH        = 3
	EBADF        = 9
	EFAULT       = 14
	ENOENT       = 2
	ENOTDIR      = 20
	EMFILE       = 24
	ENOEXEC      = 8
	ENOMEM       = 12
	ENOTCONN     = 107
	EADDRINUSE   = 98
	ECONNREFUSED = 111
	ETIMEDOUT    = 110
	ERANGE       = 34
)

// noopObject backs fd kinds (epoll, stdio dups) this subset tracks by
// slot presence alone.
type noopObject struct{}

func (noopObject) Closed(fdtable.Kind) {}
func (noopObject) Release()            {}

// readGuestBuf is a convenience wrapper around guest-memory reads used
// by the syscall handlers that don't need to distinguish a read error
// from an empty buffer (the underlying ReadAt error already means the
// address argument pointed outside any mapped region, which every caller here
// treats as "nothing to send").
func (p *Personality) readGuestBuf(addr, length uint64) []byte {
	data, err := p.Mem.ReadAt(addr, int(length))
	if err != nil {
		return nil
	}
	return data
}

// sysConnect implements connect(2): the sa_family_t at the guest
// sockaddr's offset 0 selects AF_UNIX (sun_path routes to Connect) or
// AF_INET/AF_INET6 (sin_port routes to ConnectInet).
func (p *Personality) sysConnect(fd int, addr, addrlen uint64) int64 {
	family, path, port, ok := p.decodeSockaddr(addr, addrlen)
	if !ok {
		return -int64(EFAULT)
	}
	switch family {
	case sockets.AFUnix:
		return errnoOrZero(p.Sock.Connect(fd, path))
	case sockets.AFInet, sockets.AFInet6:
		return errnoOrZero(p.Sock.ConnectInet(fd, port))
	default:
		return -int64(EINVAL)
	}
}

// sysBind implements bind(2): only AF_UNIX paths are bindable in this
// shim, matching internal/sockets.Manager.Bind.
func (p *Personality) sysBind(fd int, addr, addrlen uint64) int64 {
	family, path, _, ok := p.decodeSockaddr(addr, addrlen)
	if !ok {
		return -int64(EFAULT)
	}
	if family != sockets.AFUnix {
		return -int64(EINVAL)
	}
	return errnoOrZero(p.Sock.Bind(fd, path))
}

// decodeSockaddr reads a guest sockaddr_un or sockaddr_in: sa_family_t
// at offset 0, then either sun_path (offset 2, up to 108 bytes,
// NUL-terminated) for AF_UNIX or sin_port (offset 2, 2 bytes, network
// byte order) for AF_INET/AF_INET6.
func (p *Personality) decodeSockaddr(addr, length uint64) (family int, path string, port int, ok bool) {
	if length < 2 {
		return 0, "", 0, false
	}
	famBytes, err := p.Mem.ReadAt(addr, 2)
	if err != nil {
		return 0, "", 0, false
	}
	family = int(uint16(famBytes[0]) | uint16(famBytes[1])<<8)
	switch family {
	case sockets.AFUnix:
		pathLen := length - 2
		if pathLen > 108 {
			pathLen = 108
		}
		raw, err := p.Mem.ReadAt(addr+2, int(pathLen))
		if err != nil {
			return 0, "", 0, false
		}
		if n := bytes.IndexByte(raw, 0); n >= 0 {
			raw = raw[:n]
		}
		return family, string(raw), 0, true
	case sockets.AFInet, sockets.AFInet6:
		if length < 4 {
			return 0, "", 0, false
		}
		portBytes, err := p.Mem.ReadAt(addr+2, 2)
		if err != nil {
			return 0, "", 0, false
		}
		return family, "", int(portBytes[0])<<8 | int(portBytes[1]), true
	default:
		return family, "", 0, true
	}
}

// sysGetcwd implements getcwd(2): this shim has no working-directory
// model beyond "/", matching internal/vfs.FS.ReadLinkCwd.
func (p *Personality) sysGetcwd(bufAddr, size uint64) int64 {
	data := []byte("/\x00")
	if uint64(len(data)) > size {
		return -int64(ERANGE)
	}
	if err := p.Mem.WriteAt(bufAddr, data); err != nil {
		return -int64(EFAULT)
	}
	return int64(len(data))
}
