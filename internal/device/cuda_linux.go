//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudnn -lcudart
#include <cudnn.h>
#include <cuda_runtime.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Check interface compliance
var _ Backend = (*CudnnBackend)(nil)

// CudnnBackend runs transforms through cudnnTransformTensor. The handle,
// the descriptor pair and the device scratch buffers are created once and
// reused; calls are serialized because the descriptors are shared state.
type CudnnBackend struct {
	mu      sync.Mutex
	handle  C.cudnnHandle_t
	srcDesc C.cudnnTensorDescriptor_t
	dstDesc C.cudnnTensorDescriptor_t
	srcBuf  unsafe.Pointer
	dstBuf  unsafe.Pointer
	bufCap  C.size_t
	closed  bool
}

func NewCudnnBackend() *CudnnBackend {
	b := &CudnnBackend{}
	if status := C.cudnnCreate(&b.handle); status != C.CUDNN_STATUS_SUCCESS {
		panic("Failed to initialize cuDNN backend: " + cudnnStatusString(status))
	}
	if status := C.cudnnCreateTensorDescriptor(&b.srcDesc); status != C.CUDNN_STATUS_SUCCESS {
		panic("Failed to create cuDNN tensor descriptor: " + cudnnStatusString(status))
	}
	if status := C.cudnnCreateTensorDescriptor(&b.dstDesc); status != C.CUDNN_STATUS_SUCCESS {
		panic("Failed to create cuDNN tensor descriptor: " + cudnnStatusString(status))
	}

	runtime.SetFinalizer(b, func(b *CudnnBackend) {
		_ = b.Close()
	})
	return b
}

func (b *CudnnBackend) Name() string {
	return "cuDNN"
}

func (b *CudnnBackend) Supports(dt tensor.DataType) bool {
	return dt == tensor.Float32 || dt == tensor.Float16
}

func (b *CudnnBackend) Synchronize() {
	C.cudaDeviceSynchronize()
}

func (b *CudnnBackend) DeviceCount() int {
	var n C.int
	C.cudaGetDeviceCount(&n)
	return int(n)
}

func (b *CudnnBackend) SetDevice(index int) {
	C.cudaSetDevice(C.int(index))
}

// Close releases the handle, descriptors and scratch buffers. The backend
// cannot be used afterwards.
func (b *CudnnBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	runtime.SetFinalizer(b, nil)

	if b.srcBuf != nil {
		C.cudaFree(b.srcBuf)
		C.cudaFree(b.dstBuf)
		b.srcBuf, b.dstBuf, b.bufCap = nil, nil, 0
	}
	C.cudnnDestroyTensorDescriptor(b.srcDesc)
	C.cudnnDestroyTensorDescriptor(b.dstDesc)
	if status := C.cudnnDestroy(b.handle); status != C.CUDNN_STATUS_SUCCESS {
		return fmt.Errorf("cudnnDestroy: %s", cudnnStatusString(status))
	}
	return nil
}

func (b *CudnnBackend) Transform(src layout.Descriptor, srcData []byte, dst layout.Descriptor, dstData []byte) error {
	if src.DType != dst.DType {
		return fmt.Errorf("transform: data type mismatch: %s vs %s", src.DType, dst.DType)
	}
	if src.Dims != dst.Dims {
		return fmt.Errorf("transform: descriptor box mismatch: %v vs %v", src.Dims, dst.Dims)
	}

	volume := src.NumElems()
	need := volume * src.DType.Size()
	if len(srcData) < need || len(dstData) < need {
		return fmt.Errorf("transform: payload too small: need %d bytes, have %d and %d",
			need, len(srcData), len(dstData))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("transform: backend is closed")
	}

	start := time.Now()
	if err := setDescriptor(b.srcDesc, src); err != nil {
		return err
	}
	if err := setDescriptor(b.dstDesc, dst); err != nil {
		return err
	}
	if err := b.reserve(C.size_t(need)); err != nil {
		return err
	}

	if status := C.cudaMemcpy(b.srcBuf, unsafe.Pointer(&srcData[0]), C.size_t(need), C.cudaMemcpyHostToDevice); status != C.cudaSuccess {
		return fmt.Errorf("cudaMemcpy H2D: %s", cudaStatusString(status))
	}

	// Pure copy: alpha 1, beta 0. cuDNN takes float scaling parameters
	// for both FLOAT and HALF tensors.
	alpha := C.float(1)
	beta := C.float(0)
	if status := C.cudnnTransformTensor(b.handle,
		unsafe.Pointer(&alpha), b.srcDesc, b.srcBuf,
		unsafe.Pointer(&beta), b.dstDesc, b.dstBuf); status != C.CUDNN_STATUS_SUCCESS {
		return fmt.Errorf("cudnnTransformTensor: %s", cudnnStatusString(status))
	}

	if status := C.cudaMemcpy(unsafe.Pointer(&dstData[0]), b.dstBuf, C.size_t(need), C.cudaMemcpyDeviceToHost); status != C.cudaSuccess {
		return fmt.Errorf("cudaMemcpy D2H: %s", cudaStatusString(status))
	}

	transformsTotal.WithLabelValues(b.Name(), src.DType.String()).Inc()
	transformDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	transformElements.WithLabelValues(b.Name()).Add(float64(volume))
	return nil
}

// reserve grows the device scratch buffers to at least n bytes each.
func (b *CudnnBackend) reserve(n C.size_t) error {
	if b.bufCap >= n {
		return nil
	}
	if b.srcBuf != nil {
		C.cudaFree(b.srcBuf)
		C.cudaFree(b.dstBuf)
		b.srcBuf, b.dstBuf, b.bufCap = nil, nil, 0
	}
	if status := C.cudaMalloc(&b.srcBuf, n); status != C.cudaSuccess {
		return fmt.Errorf("cudaMalloc: %s", cudaStatusString(status))
	}
	if status := C.cudaMalloc(&b.dstBuf, n); status != C.cudaSuccess {
		C.cudaFree(b.srcBuf)
		b.srcBuf = nil
		return fmt.Errorf("cudaMalloc: %s", cudaStatusString(status))
	}
	b.bufCap = n
	return nil
}

func setDescriptor(d C.cudnnTensorDescriptor_t, desc layout.Descriptor) error {
	dt, err := cudnnDataType(desc.DType)
	if err != nil {
		return err
	}
	var dims, strides [5]C.int
	for i := 0; i < 5; i++ {
		dims[i] = C.int(desc.Dims[i])
		strides[i] = C.int(desc.Strides[i])
	}
	if status := C.cudnnSetTensorNdDescriptor(d, dt, 5, &dims[0], &strides[0]); status != C.CUDNN_STATUS_SUCCESS {
		return fmt.Errorf("cudnnSetTensorNdDescriptor: %s", cudnnStatusString(status))
	}
	return nil
}

func cudnnDataType(dt tensor.DataType) (C.cudnnDataType_t, error) {
	switch dt {
	case tensor.Float32:
		return C.CUDNN_DATA_FLOAT, nil
	case tensor.Float16:
		return C.CUDNN_DATA_HALF, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

func cudnnStatusString(s C.cudnnStatus_t) string {
	return C.GoString(C.cudnnGetErrorString(s))
}

func cudaStatusString(s C.cudaError_t) string {
	return C.GoString(C.cudaGetErrorString(s))
}
