package tensor

import (
	"math/rand"

	"github.com/23skdu/longbow-vane/internal/simd"
)

// Synthetic builds a tensor of the given type and shape filled with
// pseudo-random values in [-1, 1). The same seed yields the same payload,
// which soak tests rely on to compare runs.
func Synthetic(dt DataType, dims []int, seed int64) *Tensor {
	r := rand.New(rand.NewSource(seed))
	t := New(dt, dims)
	n := t.NumElems()

	switch dt {
	case Float32:
		out := t.AsFloat32()
		for i := 0; i < n; i++ {
			out[i] = r.Float32()*2 - 1
		}
	case Float16:
		f32 := make([]float32, n)
		for i := range f32 {
			f32[i] = r.Float32()*2 - 1
		}
		simd.F32ToF16Block(t.AsFloat16(), f32)
	case Float64:
		out := t.AsFloat64()
		for i := 0; i < n; i++ {
			out[i] = r.Float64()*2 - 1
		}
	}
	return t
}
