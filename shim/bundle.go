package shim

import (
	"archive/tar"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// LoadRuntimeBundle unpacks a zstd-compressed tar of guest files (main
// image, interpreter, .so dependencies) and registers every regular
// file entry as a runtime blob in one call — a higher-level alternative
// to calling RegisterRuntimeBlob per file over the plain ingress path.
func (s *Session) LoadRuntimeBundle(compressed io.Reader) (int, error) {
	zr, err := zstd.NewReader(compressed)
	if err != nil {
		return 0, fmt.Errorf("shim: opening zstd bundle: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("shim: reading bundle entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return count, fmt.Errorf("shim: reading bundle entry %s: %w", hdr.Name, err)
		}
		if err := s.RegisterRuntimeBlob("/"+hdr.Name, data); err != nil {
			return count, fmt.Errorf("shim: registering bundle entry %s: %w", hdr.Name, err)
		}
		count++
	}
	return count, nil
}
