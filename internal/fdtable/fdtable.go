// Package fdtable is the per-process file-descriptor namespace: fd
// allocation, the dup/dup2/dup3/F_DUPFD[_CLOEXEC] family, CLOEXEC
// bookkeeping, close_range, and reference-counted release of the
// heterogeneous objects fds point at. It does not know what a pipe,
// socket, or runtime file IS — callers register an Object and get back
// hooks when a reference to it goes away.
package fdtable

import (
	"fmt"
	"sync"
)

// Sentinel errors callers translate into errno values without parsing
// message text — mirrors internal/procmodel and internal/futexsig's own
// ErrE* exports.
var (
	ErrEBADF  = fmt.Errorf("fdtable: bad descriptor")
	ErrEMFILE = fmt.Errorf("fdtable: descriptor table full")
	ErrEINVAL = fmt.Errorf("fdtable: invalid argument")
)

// Kind is the descriptor taxonomy from the design: every fd slot is one
// of these, independent of what object it points at.
type Kind int

const (
	KindRuntime Kind = iota
	KindDir
	KindEventfd
	KindPipeRead
	KindPipeWrite
	KindEpoll
	KindStdioDup
	KindSocket
	KindPidfd
)

// MaxSlots is the up-to-48-descriptor ceiling the design sets per table.
const MaxSlots = 48

// CloseRangeCloexec, passed to CloseRange, marks CLOEXEC on the interval
// instead of closing it.
const CloseRangeCloexec = 1

// Object is a backing resource a descriptor (or several, via dup) points
// at. Closed fires once per fd that stops referencing the object, with
// the slot's Kind, letting a resource that straddles two kinds (a pipe's
// read and write halves share one Object) track per-end liveness on its
// own. Release fires exactly once, when the last reference is gone.
type Object interface {
	Closed(kind Kind)
	Release()
}

// FD is one slot in the table.
type FD struct {
	Num      int
	Kind     Kind
	ObjectID int
	Cursor   uint64
	Flags    uint32
	Aux      uint32
}

type objectEntry struct {
	obj  Object
	refs int
}

// Table is one process's descriptor namespace.
type Table struct {
	mu        sync.Mutex
	slots     map[int]*FD
	objects   map[int]*objectEntry
	nextObjID int
	nextFd    int
}

func New() *Table {
	return &Table{
		slots:   make(map[int]*FD),
		objects: make(map[int]*objectEntry),
		nextFd:  3,
	}
}

// allocate returns the smallest fd not currently in use that is >=
// max(t.nextFd, floor), and advances t.nextFd past it — per the design's
// "next_fd is strictly greater than every active fd" invariant.
func (t *Table) allocate(floor int) (int, error) {
	if floor < t.nextFd {
		floor = t.nextFd
	}
	if floor < 3 {
		floor = 3
	}
	if len(t.slots) >= MaxSlots {
		return 0, fmt.Errorf("fdtable: %w: table full", ErrEMFILE)
	}
	candidate := floor
	for {
		if _, used := t.slots[candidate]; !used {
			break
		}
		candidate++
	}
	t.nextFd = candidate + 1
	return candidate, nil
}

func (t *Table) refObject(id int) {
	t.objects[id].refs++
}

func (t *Table) derefObject(id int, kind Kind) {
	entry, ok := t.objects[id]
	if !ok {
		return
	}
	entry.obj.Closed(kind)
	entry.refs--
	if entry.refs <= 0 {
		entry.obj.Release()
		delete(t.objects, id)
	}
}

// OpenNew registers a brand-new object with a single reference and binds
// it to a freshly allocated fd.
func (t *Table) OpenNew(kind Kind, obj Object, flags, aux uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, err := t.allocate(0)
	if err != nil {
		return 0, err
	}
	t.nextObjID++
	id := t.nextObjID
	t.objects[id] = &objectEntry{obj: obj, refs: 1}
	t.slots[fd] = &FD{Num: fd, Kind: kind, ObjectID: id, Flags: flags, Aux: aux}
	return fd, nil
}

// OpenExisting binds a freshly allocated fd to an object another slot
// already references (used when a second pipe/socket end is created
// alongside the first, e.g. socketpair's cross-linked pair).
func (t *Table) OpenExisting(kind Kind, objectID int, flags, aux uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[objectID]; !ok {
		return 0, fmt.Errorf("fdtable: %w: no such object %d", ErrEBADF, objectID)
	}
	fd, err := t.allocate(0)
	if err != nil {
		return 0, err
	}
	t.refObject(objectID)
	t.slots[fd] = &FD{Num: fd, Kind: kind, ObjectID: objectID, Flags: flags, Aux: aux}
	return fd, nil
}

// Get returns the slot at fd.
func (t *Table) Get(fd int) (FD, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok {
		return FD{}, false
	}
	return *s, true
}

// ObjectOf returns the live Object instance backing fd's slot.
func (t *Table) ObjectOf(fd int) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok {
		return nil, false
	}
	entry, ok := t.objects[s.ObjectID]
	if !ok {
		return nil, false
	}
	return entry.obj, true
}

// SetCursor updates the stored read/write cursor for fd.
func (t *Table) SetCursor(fd int, cursor uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[fd]; ok {
		s.Cursor = cursor
	}
}

// Dup implements dup(2): share oldFd's object under the smallest unused
// fd at or above the table's next-fd mark (freed lower numbers are not
// reused).
func (t *Table) Dup(oldFd int) (int, error) {
	return t.dupTo(oldFd, -1, false)
}

// Dup2 implements dup2(2): share oldFd's object under newFd specifically.
// If newFd == oldFd, it is a no-op that returns oldFd without touching
// CLOEXEC. Any existing slot at newFd is closed first.
func (t *Table) Dup2(oldFd, newFd int) (int, error) {
	if oldFd == newFd {
		t.mu.Lock()
		_, ok := t.slots[oldFd]
		t.mu.Unlock()
		if !ok {
			return 0, fmt.Errorf("fdtable: %w: %d", ErrEBADF, oldFd)
		}
		return oldFd, nil
	}
	return t.dupToFixed(oldFd, newFd, false)
}

// Dup3 implements dup3(2): like Dup2 but oldFd == newFd is EINVAL, and
// cloexec sets O_CLOEXEC on the new copy.
func (t *Table) Dup3(oldFd, newFd int, cloexec bool) (int, error) {
	if oldFd == newFd {
		return 0, fmt.Errorf("fdtable: %w: dup3 oldFd == newFd", ErrEINVAL)
	}
	return t.dupToFixed(oldFd, newFd, cloexec)
}

// FcntlDupFD implements F_DUPFD / F_DUPFD_CLOEXEC: like Dup, but the new
// fd must be >= minFd.
func (t *Table) FcntlDupFD(oldFd, minFd int, cloexec bool) (int, error) {
	return t.dupTo(oldFd, minFd, cloexec)
}

func (t *Table) dupTo(oldFd, minFloor int, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.slots[oldFd]
	if !ok {
		return 0, fmt.Errorf("fdtable: %w: %d", ErrEBADF, oldFd)
	}
	floor := 0
	if minFloor >= 0 {
		floor = minFloor
	}
	fd, err := t.allocate(floor)
	if err != nil {
		return 0, err
	}
	t.refObject(src.ObjectID)
	flags := src.Flags
	if cloexec {
		flags |= FlagCloexec
	} else {
		flags &^= FlagCloexec
	}
	t.slots[fd] = &FD{Num: fd, Kind: src.Kind, ObjectID: src.ObjectID, Cursor: src.Cursor, Flags: flags, Aux: src.Aux}
	return fd, nil
}

func (t *Table) dupToFixed(oldFd, newFd int, cloexec bool) (int, error) {
	t.mu.Lock()
	src, ok := t.slots[oldFd]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("fdtable: %w: %d", ErrEBADF, oldFd)
	}
	if existing, ok := t.slots[newFd]; ok {
		t.derefObject(existing.ObjectID, existing.Kind)
		delete(t.slots, newFd)
	}
	t.refObject(src.ObjectID)
	flags := src.Flags
	if cloexec {
		flags |= FlagCloexec
	} else {
		flags &^= FlagCloexec
	}
	t.slots[newFd] = &FD{Num: newFd, Kind: src.Kind, ObjectID: src.ObjectID, Cursor: src.Cursor, Flags: flags, Aux: src.Aux}
	if newFd >= t.nextFd {
		t.nextFd = newFd + 1
	}
	t.mu.Unlock()
	return newFd, nil
}

// FlagCloexec is the fd-level CLOEXEC flag bit, independent of whatever
// open-file-status flags a kind keeps in Aux.
const FlagCloexec = 1

// Close releases fd: the underlying object's Closed hook always fires;
// Release fires only once every slot referencing it is gone.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[fd]
	if !ok {
		return fmt.Errorf("fdtable: %w: %d", ErrEBADF, fd)
	}
	delete(t.slots, fd)
	t.derefObject(s.ObjectID, s.Kind)
	return nil
}

// CloseRange implements close_range(2) over [first, last]: with
// CloseRangeCloexec it only marks CLOEXEC on the active fds in range,
// otherwise it closes every active fd in the interval.
func (t *Table) CloseRange(first, last int, flags uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var victims []int
	for fd := range t.slots {
		if fd >= first && fd <= last {
			victims = append(victims, fd)
		}
	}
	for _, fd := range victims {
		s := t.slots[fd]
		if flags&CloseRangeCloexec != 0 {
			s.Flags |= FlagCloexec
			continue
		}
		delete(t.slots, fd)
		t.derefObject(s.ObjectID, s.Kind)
	}
	return nil
}

// CloseCloexec closes every fd whose CLOEXEC flag is set — used by
// execve on success.
func (t *Table) CloseCloexec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	var victims []int
	for fd, s := range t.slots {
		if s.Flags&FlagCloexec != 0 {
			victims = append(victims, fd)
		}
	}
	for _, fd := range victims {
		s := t.slots[fd]
		delete(t.slots, fd)
		t.derefObject(s.ObjectID, s.Kind)
	}
}

// Active returns the set of currently open fds, ascending.
func (t *Table) Active() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.slots))
	for fd := range t.slots {
		out = append(out, fd)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
