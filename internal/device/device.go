package device

import (
	"errors"

	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// ErrUnsupportedType is returned when a backend has no kernel for the
// requested element type.
var ErrUnsupportedType = errors.New("unsupported data type")

// Backend executes strided tensor transforms on a particular device
// (CPU, CUDA GPU).
type Backend interface {
	Name() string

	// Supports reports whether the backend has a transform kernel for dt.
	Supports(dt tensor.DataType) bool

	// Transform copies every logical element of src into dst, following
	// each descriptor's strides. Both descriptors must agree on the
	// (N, C, H, W, D) box and on the element type; srcData and dstData
	// hold the raw payloads in native encoding.
	Transform(src layout.Descriptor, srcData []byte, dst layout.Descriptor, dstData []byte) error

	// Synchronize blocks until all queued device work is complete.
	Synchronize()
}
