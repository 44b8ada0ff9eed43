// Package engine turns uploaded 3D models into exportable files.
package engine

import (
	"context"
)

// File is one output produced by a conversion, named relative to the
// archive root.
type File struct {
	Name string
	Data []byte
}

// Engine converts a single uploaded model. Implementations must honor
// ctx so a conversion past its deadline stops burning the worker slot.
type Engine interface {
	Convert(ctx context.Context, payload []byte, sourceFilename string) ([]File, error)
}

// ConversionError marks input the engine understood enough to reject:
// corrupt containers, unsupported content, models without geometry.
type ConversionError struct {
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ConversionError) Unwrap() error { return e.Err }
