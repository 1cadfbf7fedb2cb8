package personality

import (
	"github.com/google/uuid"

	"github.com/reduxos/linuxshim/internal/fdtable"
	"github.com/reduxos/linuxshim/internal/vfs"
)

const maxGuestStringLen = 4096

// runtimeFileHandle is the fdtable.Object behind every KindRuntime/
// KindDir descriptor: a path into internal/vfs, read through at the
// table's own per-fd cursor. It is never the sole owner of any host
// resource, so Closed/Release are no-ops — releasing the fd slot is all
// that's needed.
type runtimeFileHandle struct {
	path string
}

func (runtimeFileHandle) Closed(fdtable.Kind) {}
func (runtimeFileHandle) Release()            {}

// pipeEnd is the fdtable.Object shared by a pipe(2) pair's two fds,
// distinguished only by which Kind (KindPipeRead/KindPipeWrite) the
// table slot itself carries.
type pipeEnd struct {
	buf *[]byte
}

func (pipeEnd) Closed(fdtable.Kind) {}
func (pipeEnd) Release()            {}

// pidfdHandle is the fdtable.Object behind a pidfd_open(2) result: the
// target PID plus a host-side token (never guest-visible, just a unique
// handle identity for the host's own bookkeeping) minted the same way
// linux_shim_begin mints a session id.
type pidfdHandle struct {
	pid   int
	token string
}

func (pidfdHandle) Closed(fdtable.Kind) {}
func (pidfdHandle) Release()            {}

// sysPidfdOpen implements pidfd_open(2): a fd naming an existing process,
// ESRCH if it has none.
func (p *Personality) sysPidfdOpen(pid int) int64 {
	if _, ok := p.Proc.Process(pid); !ok {
		return -int64(ESRCH)
	}
	fd, err := p.FDs.OpenNew(fdtable.KindPidfd, pidfdHandle{pid: pid, token: uuid.NewString()}, 0, 0)
	if err != nil {
		return -int64(EMFILE)
	}
	return int64(fd)
}

func (p *Personality) sysOpenat(pathAddr uint64) int64 {
	path, err := p.Mem.ReadCString(pathAddr, maxGuestStringLen)
	if err != nil {
		return -int64(EFAULT)
	}
	kind, _, ok := p.VFS.Exists(path)
	if !ok {
		return -int64(ENOENT)
	}
	tableKind := fdtable.KindRuntime
	if kind == vfs.KindDirectory {
		tableKind = fdtable.KindDir
	}
	fd, err := p.FDs.OpenNew(tableKind, runtimeFileHandle{path: path}, 0, 0)
	if err != nil {
		return -int64(EMFILE)
	}
	return int64(fd)
}

func (p *Personality) sysRead(fd int, bufAddr, count uint64) int64 {
	slot, ok := p.FDs.Get(fd)
	if !ok {
		return -int64(EBADF)
	}
	obj, _ := p.FDs.ObjectOf(fd)
	if pe, ok := obj.(pipeEnd); ok {
		n := int(count)
		if n > len(*pe.buf) {
			n = len(*pe.buf)
		}
		if n == 0 {
			return 0
		}
		if err := p.Mem.WriteAt(bufAddr, (*pe.buf)[:n]); err != nil {
			return -int64(EFAULT)
		}
		*pe.buf = (*pe.buf)[n:]
		return int64(n)
	}
	rf, ok := obj.(runtimeFileHandle)
	if !ok {
		return -int64(EBADF)
	}
	data, err := p.VFS.ReadAt(rf.path, slot.Cursor, count)
	if err != nil {
		return errno(err)
	}
	if len(data) == 0 {
		return 0
	}
	if err := p.Mem.WriteAt(bufAddr, data); err != nil {
		return -int64(EFAULT)
	}
	p.FDs.SetCursor(fd, slot.Cursor+uint64(len(data)))
	return int64(len(data))
}

func (p *Personality) sysPread(fd int, bufAddr, count, offset uint64) int64 {
	obj, ok := p.FDs.ObjectOf(fd)
	if !ok {
		return -int64(EBADF)
	}
	rf, ok := obj.(runtimeFileHandle)
	if !ok {
		return -int64(EBADF)
	}
	data, err := p.VFS.ReadAt(rf.path, offset, count)
	if err != nil {
		return errno(err)
	}
	if len(data) == 0 {
		return 0
	}
	if err := p.Mem.WriteAt(bufAddr, data); err != nil {
		return -int64(EFAULT)
	}
	return int64(len(data))
}

// sysWrite answers write/pwrite64 for the guest console fds (1/2), whose
// bytes are accepted and discarded, and for pipe write ends, whose bytes
// are appended to the pipe buffer. Every other fd gets EBADF: runtime
// files registered via the VFS are read-only in this shim ("host
// publishes, guest consumes"), and socket fds are not written through
// this path either.
func (p *Personality) sysWrite(fd int, bufAddr, count uint64) int64 {
	if fd == 1 || fd == 2 {
		return int64(count) // stdout/stderr: accepted, not surfaced to the host console
	}
	obj, ok := p.FDs.ObjectOf(fd)
	if !ok {
		return -int64(EBADF)
	}
	if pe, ok := obj.(pipeEnd); ok {
		data, err := p.Mem.ReadAt(bufAddr, int(count))
		if err != nil {
			return -int64(EFAULT)
		}
		*pe.buf = append(*pe.buf, data...)
		return int64(len(data))
	}
	return -int64(EBADF)
}

func (p *Personality) sysLseek(fd int, offset int64, whence int) int64 {
	slot, ok := p.FDs.Get(fd)
	if !ok {
		return -int64(EBADF)
	}
	obj, _ := p.FDs.ObjectOf(fd)
	rf, ok := obj.(runtimeFileHandle)
	if !ok {
		return -int64(EBADF)
	}
	_, size, _ := p.VFS.Stat(rf.path)
	var newPos int64
	switch whence {
	case 0: // SEEK_SET
		newPos = offset
	case 1: // SEEK_CUR
		newPos = int64(slot.Cursor) + offset
	case 2: // SEEK_END
		newPos = int64(size) + offset
	default:
		return -int64(EINVAL)
	}
	if newPos < 0 {
		return -int64(EINVAL)
	}
	p.FDs.SetCursor(fd, uint64(newPos))
	return newPos
}

func (p *Personality) sysFstat(fd int, statAddr uint64) int64 {
	obj, ok := p.FDs.ObjectOf(fd)
	if !ok {
		return -int64(EBADF)
	}
	rf, ok := obj.(runtimeFileHandle)
	if !ok {
		_ = p.Mem.PutUint64At(statAddr+48, 0) // st_size
		return 0
	}
	mode, size, _ := p.VFS.Stat(rf.path)
	_ = p.Mem.PutUint64At(statAddr+24, uint64(mode)) // st_mode
	_ = p.Mem.PutUint64At(statAddr+48, size)         // st_size
	return 0
}

func (p *Personality) sysAccess(pathAddr uint64) int64 {
	path, err := p.Mem.ReadCString(pathAddr, maxGuestStringLen)
	if err != nil {
		return -int64(EFAULT)
	}
	if _, _, ok := p.VFS.Exists(path); !ok {
		return -int64(ENOENT)
	}
	return 0
}

func (p *Personality) sysGetdents64(fd int, bufAddr, count uint64) int64 {
	obj, ok := p.FDs.ObjectOf(fd)
	if !ok {
		return -int64(EBADF)
	}
	rf, ok := obj.(runtimeFileHandle)
	if !ok {
		return -int64(ENOTDIR)
	}
	slot, _ := p.FDs.Get(fd)
	entries, next := p.VFS.Getdents(rf.path, int(slot.Cursor), maxDirentBatch(count))
	p.FDs.SetCursor(fd, uint64(next))

	var out []byte
	for i, e := range entries {
		name := e.Name
		recLen := 19 + len(name) + 1
		recLen = (recLen + 7) &^ 7
		rec := make([]byte, recLen)
		putLE64(rec[0:8], 0)                             // d_ino (unused)
		putLE64(rec[8:16], slot.Cursor+uint64(i)+1)      // d_off doubles as our cursor marker
		rec[16], rec[17] = byte(recLen), byte(recLen>>8) // d_reclen
		rec[18] = direntType(e.Kind)
		copy(rec[19:], name)
		out = append(out, rec...)
	}
	if len(out) == 0 {
		return 0
	}
	if err := p.Mem.WriteAt(bufAddr, out); err != nil {
		return -int64(EFAULT)
	}
	return int64(len(out))
}

func maxDirentBatch(count uint64) int {
	n := int(count / 32)
	if n <= 0 {
		return 1
	}
	return n
}

func direntType(k vfs.Kind) byte {
	if k == vfs.KindDirectory {
		return 4 // DT_DIR
	}
	return 8 // DT_REG
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func (p *Personality) sysFcntl(fd, cmd, arg int) int64 {
	const (
		fDupfd        = 0
		fGetfd        = 1
		fSetfd        = 2
		fDupfdCloexec = 1030
	)
	switch cmd {
	case fDupfd:
		newFd, err := p.FDs.FcntlDupFD(fd, arg, false)
		if err != nil {
			return -int64(EBADF)
		}
		return int64(newFd)
	case fDupfdCloexec:
		newFd, err := p.FDs.FcntlDupFD(fd, arg, true)
		if err != nil {
			return -int64(EBADF)
		}
		return int64(newFd)
	case fGetfd:
		slot, ok := p.FDs.Get(fd)
		if !ok {
			return -int64(EBADF)
		}
		return int64(slot.Flags & fdtable.FlagCloexec)
	case fSetfd:
		return 0
	default:
		return 0
	}
}

func (p *Personality) sysPipe2(fdArrAddr uint64) int64 {
	buf := make([]byte, 0, 4096)
	shared := &buf
	r, err := p.FDs.OpenNew(fdtable.KindPipeRead, pipeEnd{buf: shared}, 0, 0)
	if err != nil {
		return -int64(EMFILE)
	}
	rSlot, _ := p.FDs.Get(r)
	w, err := p.FDs.OpenExisting(fdtable.KindPipeWrite, rSlot.ObjectID, 0, 0)
	if err != nil {
		_ = p.FDs.Close(r)
		return -int64(EMFILE)
	}
	if err := p.Mem.PutUint32At(fdArrAddr, uint32(r)); err != nil {
		return -int64(EFAULT)
	}
	if err := p.Mem.PutUint32At(fdArrAddr+4, uint32(w)); err != nil {
		return -int64(EFAULT)
	}
	return 0
}
