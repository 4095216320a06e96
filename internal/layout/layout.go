package layout

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Order identifies how a dense tensor lays its channel axis out in memory.
type Order int

const (
	// NCHW stores the channel axis immediately after the batch axis.
	NCHW Order = iota
	// NHWC stores the channel axis last.
	NHWC
)

func (o Order) String() string {
	switch o {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

var (
	// ErrRank rejects tensors with fewer than three axes.
	ErrRank = errors.New("tensor rank must be at least 3")
	// ErrDim rejects tensors with non-positive axis sizes.
	ErrDim = errors.New("tensor dims must be positive")
)

// CheckDims rejects shapes the layout converters cannot describe. It is
// the gate every operator runs before any descriptor or buffer work.
func CheckDims(dims []int) error {
	if len(dims) < 3 {
		return fmt.Errorf("%w: got rank %d", ErrRank, len(dims))
	}
	for i, d := range dims {
		if d <= 0 {
			return fmt.Errorf("%w: dim %d is %d", ErrDim, i, d)
		}
	}
	return nil
}

// ConvertedDims returns the shape a tensor takes after moving from one
// order to the other: the batch axis stays first, the channel axis moves
// to the slot the target order expects, and the spatial axes keep their
// relative order. dims must already have passed CheckDims.
func ConvertedDims(from, to Order, dims []int) []int {
	r := len(dims)
	out := make([]int, r)
	out[0] = dims[0]
	if from == to {
		copy(out, dims)
		return out
	}
	switch to {
	case NHWC:
		// NCHW -> NHWC: spatial axes shift left, channel goes last.
		copy(out[1:r-1], dims[2:])
		out[r-1] = dims[1]
	case NCHW:
		// NHWC -> NCHW: channel goes to axis 1, spatial axes shift right.
		out[1] = dims[r-1]
		copy(out[2:], dims[1:r-1])
	}
	return out
}

// Descriptor is the normalized five-axis view of a tensor shape: the
// (N, C, H, W, D) box plus the strides that realize one Order over it.
// Two descriptors over the same box address the same logical elements
// through different memory walks, which is exactly what a layout
// transform consumes.
type Descriptor struct {
	DType   tensor.DataType
	Dims    [5]int
	Strides [5]int
}

// NumElems returns the number of elements in the described box.
func (d Descriptor) NumElems() int {
	return d.Dims[0] * d.Dims[1] * d.Dims[2] * d.Dims[3] * d.Dims[4]
}

// Describe normalizes dims, interpreted in the given order, into a
// five-axis descriptor.
//
// Rank 3 maps H to 1 and the single spatial axis to W. Rank 4 maps the
// two spatial axes to H and W. Rank 5 and above keep H and W and collapse
// every remaining spatial axis into D; the collapse is sound because
// those axes are contiguous in both orders, so their product walks with
// a single stride.
func Describe(dt tensor.DataType, order Order, dims []int) (Descriptor, error) {
	if err := CheckDims(dims); err != nil {
		return Descriptor{}, err
	}

	r := len(dims)
	n := dims[0]
	var c, h, w, d int

	switch order {
	case NCHW:
		c = dims[1]
		switch {
		case r == 3:
			h, w, d = 1, dims[2], 1
		case r == 4:
			h, w, d = dims[2], dims[3], 1
		default:
			h, w = dims[2], dims[3]
			d = 1
			for _, v := range dims[4:] {
				d *= v
			}
		}
	case NHWC:
		c = dims[r-1]
		switch {
		case r == 3:
			h, w, d = 1, dims[1], 1
		case r == 4:
			h, w, d = dims[1], dims[2], 1
		default:
			h, w = dims[1], dims[2]
			d = 1
			for _, v := range dims[3 : r-1] {
				d *= v
			}
		}
	default:
		return Descriptor{}, fmt.Errorf("unknown order %d", order)
	}

	desc := Descriptor{DType: dt, Dims: [5]int{n, c, h, w, d}}
	switch order {
	case NCHW:
		desc.Strides = [5]int{c * h * w * d, h * w * d, w * d, d, 1}
	case NHWC:
		desc.Strides = [5]int{c * h * w * d, 1, w * d * c, d * c, c}
	}
	return desc, nil
}
