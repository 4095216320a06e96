//go:build !cuda

package device

type CudnnBackend struct{}

func NewCudnnBackend() Backend {
	panic("cuDNN backend is not supported on this platform. Build with -tags cuda on Linux.")
}

func (b *CudnnBackend) Close() error {
	return nil
}
