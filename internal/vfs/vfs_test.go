package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "/", Normalize(""))
	require.Equal(t, "/", Normalize("/"))
	require.Equal(t, "/usr/lib/libc.so.6", Normalize(`\USR\\Lib/LIBC.so.6/`))
	require.Equal(t, "/a/b", Normalize("//a///b//"))
}

func TestRegisterPathAndBlobExistence(t *testing.T) {
	fs := New()
	fs.RegisterPath("/usr/lib/libfoo.so.1", 4096)
	fs.RegisterBlob("/bin/MyApp", []byte("\x7fELF..."))

	kind, f, ok := fs.Exists("/BIN/myapp")
	require.True(t, ok)
	require.Equal(t, KindRegular, kind)
	require.Equal(t, uint64(7), f.Size)

	mode, size, ok := fs.Stat("/usr/lib/libfoo.so.1")
	require.True(t, ok)
	require.EqualValues(t, ModeRegular, mode)
	require.EqualValues(t, 4096, size)
}

func TestVirtualDirectoriesAndSockets(t *testing.T) {
	fs := New()

	for _, p := range []string{"/", "/proc", "/proc/self", "/tmp", "/tmp/.X11-unix", "/run", "/run/user", "/run/user/1000", "/run/dbus", "/var/run/dbus"} {
		kind, _, ok := fs.Exists(p)
		require.Truef(t, ok, "expected %q to exist", p)
		require.Equal(t, KindDirectory, kind)
	}

	for _, p := range []string{"/tmp/.X11-unix/X0", "/run/dbus/system_bus_socket", "/var/run/dbus/system_bus_socket", "/run/user/1000/bus"} {
		kind, _, ok := fs.Exists(p)
		require.Truef(t, ok, "expected %q to exist", p)
		require.Equal(t, KindSocket, kind)
	}

	_, _, ok := fs.Exists("/run/user/abc")
	require.False(t, ok)
}

func TestMatchByBasenameFallback(t *testing.T) {
	fs := New()
	fs.RegisterBlob("/lib/x86_64-linux-gnu/libc.so.6", []byte("abc"))

	kind, f, ok := fs.Exists("libc.so.6")
	require.True(t, ok)
	require.Equal(t, KindRegular, kind)
	require.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", f.Path)
}

func TestExecutablePathSkipsSharedObjects(t *testing.T) {
	fs := New()
	fs.RegisterPath("/lib/ld-reduxos.so.2", 1000)
	fs.RegisterBlob("/usr/lib/libfoo.so", []byte("x"))
	fs.RegisterBlob("/bin/myapp", []byte("main binary"))

	path, ok := fs.ExecutablePath()
	require.True(t, ok)
	require.Equal(t, "/bin/myapp", path)
}

func TestReadLinkCwdIsRoot(t *testing.T) {
	require.Equal(t, "/", New().ReadLinkCwd())
}

func TestGetdentsListsVirtualAndRuntimeChildren(t *testing.T) {
	fs := New()
	fs.RegisterBlob("/run/dbus/extra.conf", []byte("x"))

	entries, next := fs.Getdents("/run", 0, 16)
	require.Equal(t, 2, next)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Contains(t, names, "dbus")
	require.Contains(t, names, "user")
	require.NotContains(t, names, "extra.conf") // that lives under /run/dbus, not /run

	entries, _ = fs.Getdents("/run/dbus", 0, 16)
	require.Len(t, entries, 1)
	require.Equal(t, "extra.conf", entries[0].Name)
	require.Equal(t, KindRegular, entries[0].Kind)
}

func TestGetdentsPaginates(t *testing.T) {
	fs := New()
	for _, name := range []string{"a", "b", "c"} {
		fs.RegisterBlob("/run/"+name, []byte("x"))
	}
	first, cursor := fs.Getdents("/run", 0, 2)
	require.Len(t, first, 2)
	require.Equal(t, 2, cursor)

	second, cursor := fs.Getdents("/run", cursor, 2)
	require.Len(t, second, 2)
	require.Equal(t, 4, cursor)
}

func TestAppendBlobGrowsAndReadAtServesIt(t *testing.T) {
	fs := New()
	require.NoError(t, fs.AppendBlob("/tmp/log", []byte("abc")))
	require.NoError(t, fs.AppendBlob("/tmp/log", []byte("def")))

	got, err := fs.ReadAt("/tmp/log", 2, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("cdef"), got)
}

func TestRegisterBlobRejectsOverBudget(t *testing.T) {
	fs := New()
	err := fs.RegisterBlob("/huge", make([]byte, MaxRuntimeBudget+1))
	require.Error(t, err)
}

func TestReadAtUnknownFileErrors(t *testing.T) {
	fs := New()
	_, err := fs.ReadAt("/nope", 0, 4)
	require.Error(t, err)
}
