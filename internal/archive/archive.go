// Package archive bundles conversion outputs into a downloadable form.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"

	"modelconv/internal/engine"
	"modelconv/internal/job"
)

// Archiver packs converted files into a single archive and reports a
// descriptor per packed file, in input order.
type Archiver interface {
	Pack(files []engine.File) ([]byte, []job.Artifact, error)
}

// Zip packs files with archive/zip using deflate defaults.
type Zip struct{}

func NewZip() *Zip { return &Zip{} }

var _ Archiver = (*Zip)(nil)

func (z *Zip) Pack(files []engine.File) ([]byte, []job.Artifact, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	artifacts := make([]job.Artifact, 0, len(files))
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("create archive entry %q: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, nil, fmt.Errorf("write archive entry %q: %w", f.Name, err)
		}
		artifacts = append(artifacts, job.Artifact{Name: f.Name, Size: int64(len(f.Data))})
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), artifacts, nil
}
