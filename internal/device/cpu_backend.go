package device

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/simd"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU transforms
var numWorkers = runtime.NumCPU()

type CPUBackend struct{}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Supports(dt tensor.DataType) bool {
	return dt == tensor.Float32 || dt == tensor.Float16
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

func (b *CPUBackend) Transform(src layout.Descriptor, srcData []byte, dst layout.Descriptor, dstData []byte) error {
	if src.DType != dst.DType {
		return fmt.Errorf("transform: data type mismatch: %s vs %s", src.DType, dst.DType)
	}
	if src.Dims != dst.Dims {
		return fmt.Errorf("transform: descriptor box mismatch: %v vs %v", src.Dims, dst.Dims)
	}
	if !b.Supports(src.DType) {
		return fmt.Errorf("transform: %w: %s", ErrUnsupportedType, src.DType)
	}

	volume := src.NumElems()
	need := volume * src.DType.Size()
	if len(srcData) < need || len(dstData) < need {
		return fmt.Errorf("transform: payload too small: need %d bytes, have %d and %d",
			need, len(srcData), len(dstData))
	}

	start := time.Now()
	switch src.DType {
	case tensor.Float32:
		xs := unsafe.Slice((*float32)(unsafe.Pointer(&srcData[0])), volume)
		ys := unsafe.Slice((*float32)(unsafe.Pointer(&dstData[0])), volume)
		transformF32(src, xs, dst, ys)
	case tensor.Float16:
		xs := unsafe.Slice((*uint16)(unsafe.Pointer(&srcData[0])), volume)
		ys := unsafe.Slice((*uint16)(unsafe.Pointer(&dstData[0])), volume)
		transformF16(src, xs, dst, ys)
	}

	transformsTotal.WithLabelValues(b.Name(), src.DType.String()).Inc()
	transformDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	transformElements.WithLabelValues(b.Name()).Add(float64(volume))
	return nil
}

// transformF32 walks the (N, C, H) prefix of the box in parallel and moves
// the innermost run of each row with a strided BLAS copy. When D is 1 the
// run is the W axis; otherwise W is walked explicitly and the run is D.
func transformF32(src layout.Descriptor, xs []float32, dst layout.Descriptor, ys []float32) {
	c, h := src.Dims[1], src.Dims[2]
	w, d := src.Dims[3], src.Dims[4]
	rows := src.Dims[0] * c * h

	var wg sync.WaitGroup
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	for wk := 0; wk < numWorkers; wk++ {
		startRow := wk * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= rows {
			break
		}
		if endRow > rows {
			endRow = rows
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for r := start; r < end; r++ {
				ni := r / (c * h)
				rem := r % (c * h)
				ci := rem / h
				hi := rem % h

				so := ni*src.Strides[0] + ci*src.Strides[1] + hi*src.Strides[2]
				do := ni*dst.Strides[0] + ci*dst.Strides[1] + hi*dst.Strides[2]

				if d == 1 {
					blas32.Copy(
						blas32.Vector{N: w, Inc: src.Strides[3], Data: xs[so:]},
						blas32.Vector{N: w, Inc: dst.Strides[3], Data: ys[do:]},
					)
					continue
				}
				for wi := 0; wi < w; wi++ {
					blas32.Copy(
						blas32.Vector{N: d, Inc: src.Strides[4], Data: xs[so+wi*src.Strides[3]:]},
						blas32.Vector{N: d, Inc: dst.Strides[4], Data: ys[do+wi*dst.Strides[3]:]},
					)
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}

func transformF16(src layout.Descriptor, xs []uint16, dst layout.Descriptor, ys []uint16) {
	c, h := src.Dims[1], src.Dims[2]
	w, d := src.Dims[3], src.Dims[4]
	rows := src.Dims[0] * c * h

	var wg sync.WaitGroup
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	for wk := 0; wk < numWorkers; wk++ {
		startRow := wk * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= rows {
			break
		}
		if endRow > rows {
			endRow = rows
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for r := start; r < end; r++ {
				ni := r / (c * h)
				rem := r % (c * h)
				ci := rem / h
				hi := rem % h

				so := ni*src.Strides[0] + ci*src.Strides[1] + hi*src.Strides[2]
				do := ni*dst.Strides[0] + ci*dst.Strides[1] + hi*dst.Strides[2]

				if d == 1 {
					simd.StridedCopy16(ys[do:], dst.Strides[3], xs[so:], src.Strides[3], w)
					continue
				}
				for wi := 0; wi < w; wi++ {
					simd.StridedCopy16(
						ys[do+wi*dst.Strides[3]:], dst.Strides[4],
						xs[so+wi*src.Strides[3]:], src.Strides[4], d,
					)
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}
