package shim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionAssignsIDAndMetrics(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.NotNil(t, s.Metrics)
}

func TestRegisterRuntimeBlobEnforcesSingleFileCap(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	err = s.RegisterRuntimeBlob("/too-big", make([]byte, singleFileCapBytes+1))
	require.Error(t, err)
}

func TestRegisterRuntimeBlobEnforcesTotalBudget(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	s.runtimeBytes = runtimeBlobBudgetBytes - 10
	err = s.RegisterRuntimeBlob("/over-budget", make([]byte, 20))
	require.Error(t, err)
}

func TestRegisterRuntimeBlobWithinBudgetSucceeds(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	require.NoError(t, s.RegisterRuntimeBlob("/bin/ok", []byte("hello")))
	require.Equal(t, uint64(5), s.runtimeBytes)
}

func TestInvokeUnknownSyscallReturnsENOSYS(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	rax := s.Invoke(0, 999999, [6]uint64{})
	require.Negative(t, rax)
}

func TestParseManifestAppliesFramebufferDefaults(t *testing.T) {
	m, err := ParseManifest([]byte("main: /bin/init\nargv: [\"init\"]\n"))
	require.NoError(t, err)
	require.Equal(t, 640, m.FramebufferWidth)
	require.Equal(t, 360, m.FramebufferHeight)
	require.Equal(t, "/bin/init", m.Main)
}

func TestLoadRuntimeBundleRejectsGarbage(t *testing.T) {
	s, err := NewSession(64, 48)
	require.NoError(t, err)
	_, err = s.LoadRuntimeBundle(bytes.NewReader([]byte("not zstd")))
	require.Error(t, err)
}
