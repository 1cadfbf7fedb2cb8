package shim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the session configuration document cmd/linuxshim loads
// before calling NewSession/Begin: guest argv/envp overrides, the X11
// display number, and the runtime files to preload.
type Manifest struct {
	Main    string            `yaml:"main"`
	Argv    []string          `yaml:"argv"`
	Env     map[string]string `yaml:"env"`
	Display int               `yaml:"display"`

	FramebufferWidth  int `yaml:"framebuffer_width"`
	FramebufferHeight int `yaml:"framebuffer_height"`

	RuntimeFiles []RuntimeFileEntry `yaml:"runtime_files"`
}

// RuntimeFileEntry names one file the manifest wants preloaded, either
// as a lazily-sized placeholder (Size set, HostPath unset) or read
// from the host filesystem at HostPath and registered as a blob.
type RuntimeFileEntry struct {
	GuestPath string `yaml:"guest_path"`
	HostPath  string `yaml:"host_path,omitempty"`
	Size      uint64 `yaml:"size,omitempty"`
}

// Envp renders Manifest.Env as NAME=VALUE pairs in map iteration order —
// callers that need a stable order should sort Manifest.Env's keys
// themselves before building the manifest.
func (m *Manifest) Envp() []string {
	out := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// LoadManifest reads and parses a YAML session manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shim: reading manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses a YAML session manifest already read into memory.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("shim: parsing manifest: %w", err)
	}
	if m.FramebufferWidth == 0 {
		m.FramebufferWidth = 640
	}
	if m.FramebufferHeight == 0 {
		m.FramebufferHeight = 360
	}
	return &m, nil
}

// ApplyRuntimeFiles registers every manifest entry against a session:
// entries with HostPath are read from disk and published as blobs;
// entries with only Size are published as lazily-sized placeholders.
func (s *Session) ApplyRuntimeFiles(entries []RuntimeFileEntry) error {
	for _, e := range entries {
		if e.HostPath != "" {
			data, err := os.ReadFile(e.HostPath)
			if err != nil {
				return fmt.Errorf("shim: reading runtime file %s: %w", e.HostPath, err)
			}
			if err := s.RegisterRuntimeBlob(e.GuestPath, data); err != nil {
				return fmt.Errorf("shim: registering %s: %w", e.GuestPath, err)
			}
			continue
		}
		s.RegisterRuntimePath(e.GuestPath, e.Size)
	}
	return nil
}
