// Package vfs is the guest-visible virtual filesystem: path normalization,
// a fixed virtual directory/socket tree, and the registry of runtime files
// the host publishes for open/stat/mmap/execve to see. There is no real
// filesystem underneath — everything answered here is either a host-
// published blob or a name hardcoded by the design.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const MaxRuntimeBudget = 512 << 20 // §5 Budgets

// Sentinel errors callers translate into errno values without parsing
// message text — mirrors internal/procmodel and internal/futexsig's own
// ErrE* exports.
var (
	ErrENOENT = fmt.Errorf("vfs: no such runtime file")
	ErrENOMEM = fmt.Errorf("vfs: runtime budget exceeded")
)

// Kind classifies what a path resolves to.
type Kind int

const (
	KindNone Kind = iota
	KindRegular
	KindDirectory
	KindSocket
)

// Mode bits matching S_IFREG|0644, S_IFDIR|0755, S_IFSOCK|0777.
const (
	ModeRegular   = 0100644
	ModeDirectory = 0040755
	ModeSocket    = 0140777
)

// RuntimeFile is one host-published file visible to the guest.
type RuntimeFile struct {
	Path string
	Data []byte
	Size uint64
}

var staticDirs = map[string]bool{
	"/":               true,
	"/proc":           true,
	"/proc/self":      true,
	"/tmp":            true,
	"/tmp/.x11-unix":  true,
	"/run":            true,
	"/run/user":       true,
	"/run/dbus":       true,
	"/var":            true,
	"/var/run":        true,
	"/var/run/dbus":   true,
}

// FS holds the runtime-file registry. All paths are stored normalized.
type FS struct {
	mu         sync.Mutex
	files      map[string]*RuntimeFile
	order      []string // registration order, for ExecutablePath's "first match"
	totalBytes uint64
}

func New() *FS {
	return &FS{files: make(map[string]*RuntimeFile)}
}

// Normalize lowercases ASCII, turns backslashes into slashes, collapses
// duplicate slashes, and strips a trailing slash (except on the root).
func Normalize(p string) string {
	b := make([]byte, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '\\' {
			c = '/'
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	var out []byte
	prevSlash := false
	for _, c := range b {
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		out = append(out, c)
	}
	s := string(out)
	if s == "" {
		return "/"
	}
	if len(s) > 1 {
		s = strings.TrimRight(s, "/")
		if s == "" {
			s = "/"
		}
	}
	return s
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// isVirtualDir reports whether path is one of the fixed directories, or a
// /run/user/<digits> instance.
func isVirtualDir(path string) bool {
	if staticDirs[path] {
		return true
	}
	return matchDigitsAfterPrefix(path, "/run/user/")
}

// isVirtualSocket reports whether path is one of the fixed virtual socket
// endpoints: an X11 display socket, or a D-Bus system/session bus socket.
func isVirtualSocket(path string) bool {
	switch path {
	case "/run/dbus/system_bus_socket", "/var/run/dbus/system_bus_socket":
		return true
	}
	if strings.HasPrefix(path, "/tmp/.x11-unix/x") {
		return isAllDigits(path[len("/tmp/.x11-unix/x"):])
	}
	if strings.HasPrefix(path, "/run/user/") && strings.HasSuffix(path, "/bus") {
		mid := strings.TrimSuffix(strings.TrimPrefix(path, "/run/user/"), "/bus")
		return isAllDigits(mid)
	}
	return false
}

func matchDigitsAfterPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return isAllDigits(path[len(prefix):])
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isSharedObjectName(name string) bool {
	if strings.HasSuffix(name, ".so") {
		return true
	}
	return strings.Contains(name, ".so.")
}

// RegisterPath declares a file the host will serve lazily by size alone —
// visible to stat/getdents, but reads against it return nothing until a
// blob is registered for the same path.
func (fs *FS) RegisterPath(path string, size uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	norm := Normalize(path)
	if _, exists := fs.files[norm]; !exists {
		fs.order = append(fs.order, norm)
	}
	fs.files[norm] = &RuntimeFile{Path: norm, Size: size}
}

// RegisterBlob publishes path with actual content, subject to the 512 MiB
// aggregate runtime-file budget.
func (fs *FS) RegisterBlob(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	norm := Normalize(path)
	var prevSize uint64
	if f, ok := fs.files[norm]; ok {
		prevSize = uint64(len(f.Data))
	} else {
		fs.order = append(fs.order, norm)
	}
	if fs.totalBytes-prevSize+uint64(len(data)) > MaxRuntimeBudget {
		return fmt.Errorf("vfs: %w: registering %q", ErrENOMEM, norm)
	}
	fs.totalBytes = fs.totalBytes - prevSize + uint64(len(data))
	fs.files[norm] = &RuntimeFile{Path: norm, Data: append([]byte(nil), data...), Size: uint64(len(data))}
	return nil
}

// AppendBlob grows an existing (or newly created) runtime file by chunk,
// doubling its backing capacity as needed until the aggregate budget or
// host allocator is exhausted.
func (fs *FS) AppendBlob(path string, chunk []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	norm := Normalize(path)
	f, ok := fs.files[norm]
	if !ok {
		f = &RuntimeFile{Path: norm}
		fs.files[norm] = f
		fs.order = append(fs.order, norm)
	}
	needed := len(f.Data) + len(chunk)
	if needed > cap(f.Data) {
		newCap := cap(f.Data) * 2
		if newCap < needed {
			newCap = needed
		}
		delta := uint64(newCap) - uint64(cap(f.Data))
		if fs.totalBytes+delta > MaxRuntimeBudget {
			return fmt.Errorf("vfs: %w: growing %q", ErrENOMEM, norm)
		}
		grown := make([]byte, len(f.Data), newCap)
		copy(grown, f.Data)
		fs.totalBytes += delta
		f.Data = grown
	}
	f.Data = append(f.Data, chunk...)
	f.Size = uint64(len(f.Data))
	return nil
}

func (fs *FS) matchRuntimeFile(path string) *RuntimeFile {
	if f, ok := fs.files[path]; ok {
		return f
	}
	base := baseName(path)
	for _, p := range fs.order {
		if baseName(p) == base {
			return fs.files[p]
		}
	}
	return nil
}

// Exists classifies path per the design's three existence rules: a
// matching runtime file, a known virtual directory, or a known virtual
// socket.
func (fs *FS) Exists(path string) (Kind, *RuntimeFile, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	norm := Normalize(path)
	if f := fs.matchRuntimeFile(norm); f != nil {
		return KindRegular, f, true
	}
	if isVirtualDir(norm) {
		return KindDirectory, nil, true
	}
	if isVirtualSocket(norm) {
		return KindSocket, nil, true
	}
	return KindNone, nil, false
}

// Stat returns the S_IF*|mode value and size for path.
func (fs *FS) Stat(path string) (mode uint32, size uint64, ok bool) {
	kind, f, found := fs.Exists(path)
	if !found {
		return 0, 0, false
	}
	switch kind {
	case KindRegular:
		return ModeRegular, f.Size, true
	case KindDirectory:
		return ModeDirectory, 0, true
	case KindSocket:
		return ModeSocket, 0, true
	}
	return 0, 0, false
}

// ExecutablePath resolves /proc/self/exe: the first registered runtime
// file whose basename doesn't look like a shared object.
func (fs *FS) ExecutablePath() (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, p := range fs.order {
		if !isSharedObjectName(baseName(p)) {
			return p, true
		}
	}
	return "", false
}

// ReadLinkCwd always resolves /proc/self/cwd to "/" — there is no process
// working-directory model in this shim.
func (fs *FS) ReadLinkCwd() string { return "/" }

// Dirent is one getdents64 record.
type Dirent struct {
	Name string
	Kind Kind
}

// Getdents lists dir's direct children — the static virtual subtree plus
// any runtime file whose absolute path starts with dir — starting at
// cursor, returning at most max entries and the cursor's new position.
func (fs *FS) Getdents(dir string, cursor, max int) ([]Dirent, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	norm := Normalize(dir)
	children := fs.childrenOf(norm)
	if cursor > len(children) {
		cursor = len(children)
	}
	end := cursor + max
	if end > len(children) {
		end = len(children)
	}
	return children[cursor:end], end
}

func (fs *FS) childrenOf(dir string) []Dirent {
	seen := make(map[string]Kind)
	for vd := range staticDirs {
		if vd != dir && parentOf(vd) == dir {
			seen[baseName(vd)] = KindDirectory
		}
	}
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for p := range fs.files {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		seen[rest] = KindRegular
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Dirent, 0, len(names))
	for _, n := range names {
		out = append(out, Dirent{Name: n, Kind: seen[n]})
	}
	return out
}

// ReadAt implements memory.FileSource: reads up to length bytes from a
// registered blob starting at offset. A path-only registration (no blob
// yet) has nothing to read and returns an empty slice.
func (fs *FS) ReadAt(name string, offset, length uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := fs.matchRuntimeFile(Normalize(name))
	if f == nil {
		return nil, fmt.Errorf("vfs: %w: %q", ErrENOENT, name)
	}
	if offset >= uint64(len(f.Data)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(f.Data)) {
		end = uint64(len(f.Data))
	}
	return f.Data[offset:end], nil
}
