package device

import (
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/simd"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

func mustDescribe(t testing.TB, dt tensor.DataType, order layout.Order, dims []int) layout.Descriptor {
	t.Helper()
	d, err := layout.Describe(dt, order, dims)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// naive walks the full (n,c,h,w,d) box one element at a time; the backend
// must match it exactly.
func naiveF32(src layout.Descriptor, xs []float32, dst layout.Descriptor, ys []float32) {
	for n := 0; n < src.Dims[0]; n++ {
		for c := 0; c < src.Dims[1]; c++ {
			for h := 0; h < src.Dims[2]; h++ {
				for w := 0; w < src.Dims[3]; w++ {
					for d := 0; d < src.Dims[4]; d++ {
						so := n*src.Strides[0] + c*src.Strides[1] + h*src.Strides[2] + w*src.Strides[3] + d*src.Strides[4]
						do := n*dst.Strides[0] + c*dst.Strides[1] + h*dst.Strides[2] + w*dst.Strides[3] + d*dst.Strides[4]
						ys[do] = xs[so]
					}
				}
			}
		}
	}
}

func TestCPUBackend_Transform_Float32(t *testing.T) {
	b := NewCPUBackend()
	rng := rand.New(rand.NewSource(3))

	for _, tc := range []struct {
		srcDims, dstDims []int
	}{
		{[]int{2, 3, 5}, []int{2, 5, 3}},
		{[]int{2, 3, 4, 5}, []int{2, 4, 5, 3}},
		{[]int{1, 2, 3, 4, 5}, []int{1, 3, 4, 5, 2}},
		{[]int{2, 3, 4, 5, 2, 3}, []int{2, 4, 5, 2, 3, 3}},
	} {
		srcDesc := mustDescribe(t, tensor.Float32, layout.NCHW, tc.srcDims)
		dstDesc := mustDescribe(t, tensor.Float32, layout.NHWC, tc.dstDims)

		volume := srcDesc.NumElems()
		src := tensor.New(tensor.Float32, tc.srcDims)
		for i, xs := 0, src.AsFloat32(); i < volume; i++ {
			xs[i] = rng.Float32()
		}
		dst := tensor.New(tensor.Float32, tc.dstDims)

		if err := b.Transform(srcDesc, src.Bytes(), dstDesc, dst.Bytes()); err != nil {
			t.Fatalf("%v: %v", tc.srcDims, err)
		}

		want := make([]float32, volume)
		naiveF32(srcDesc, src.AsFloat32(), dstDesc, want)
		got := dst.AsFloat32()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%v: element %d = %v, want %v", tc.srcDims, i, got[i], want[i])
			}
		}
	}
}

func TestCPUBackend_Transform_Float16(t *testing.T) {
	b := NewCPUBackend()

	srcDims := []int{2, 3, 4, 5}
	dstDims := []int{2, 4, 5, 3}
	srcDesc := mustDescribe(t, tensor.Float16, layout.NCHW, srcDims)
	dstDesc := mustDescribe(t, tensor.Float16, layout.NHWC, dstDims)

	src := tensor.New(tensor.Float16, srcDims)
	bits := src.AsFloat16()
	for i := range bits {
		bits[i] = simd.Float32ToFloat16(float32(i))
	}
	dst := tensor.New(tensor.Float16, dstDims)

	if err := b.Transform(srcDesc, src.Bytes(), dstDesc, dst.Bytes()); err != nil {
		t.Fatal(err)
	}

	got := dst.AsFloat16()
	for n := 0; n < 2; n++ {
		for c := 0; c < 3; c++ {
			for h := 0; h < 4; h++ {
				for w := 0; w < 5; w++ {
					srcOff := ((n*3+c)*4+h)*5 + w
					dstOff := ((n*4+h)*5+w)*3 + c
					if got[dstOff] != bits[srcOff] {
						t.Fatalf("dst[%d] = %04x, want %04x", dstOff, got[dstOff], bits[srcOff])
					}
				}
			}
		}
	}
}

func TestCPUBackend_Transform_Errors(t *testing.T) {
	b := NewCPUBackend()

	f32 := mustDescribe(t, tensor.Float32, layout.NCHW, []int{2, 3, 4, 5})
	f16 := mustDescribe(t, tensor.Float16, layout.NHWC, []int{2, 4, 5, 3})
	buf := make([]byte, f32.NumElems()*4)

	t.Run("dtype mismatch", func(t *testing.T) {
		if err := b.Transform(f32, buf, f16, buf); err == nil {
			t.Error("mismatched dtypes accepted")
		}
	})

	t.Run("box mismatch", func(t *testing.T) {
		other := mustDescribe(t, tensor.Float32, layout.NHWC, []int{2, 4, 5, 6})
		if err := b.Transform(f32, buf, other, make([]byte, other.NumElems()*4)); err == nil {
			t.Error("mismatched boxes accepted")
		}
	})

	t.Run("short payload", func(t *testing.T) {
		dst := mustDescribe(t, tensor.Float32, layout.NHWC, []int{2, 4, 5, 3})
		if err := b.Transform(f32, buf[:8], dst, buf); err == nil {
			t.Error("short source payload accepted")
		}
	})

	t.Run("unsupported type", func(t *testing.T) {
		f64 := mustDescribe(t, tensor.Float64, layout.NCHW, []int{2, 3, 4, 5})
		w := make([]byte, f64.NumElems()*8)
		if err := b.Transform(f64, w, f64, w); err == nil {
			t.Error("float64 accepted")
		}
	})
}

func TestCPUBackend_Supports(t *testing.T) {
	b := NewCPUBackend()
	if !b.Supports(tensor.Float32) || !b.Supports(tensor.Float16) {
		t.Error("float32 and float16 must be supported")
	}
	if b.Supports(tensor.Float64) {
		t.Error("float64 reported as supported")
	}
}

func BenchmarkCPUBackend_Transform(b *testing.B) {
	backend := NewCPUBackend()

	for _, tc := range []struct {
		name             string
		dt               tensor.DataType
		srcDims, dstDims []int
	}{
		{"f32/32x3x224x224", tensor.Float32, []int{32, 3, 224, 224}, []int{32, 224, 224, 3}},
		{"f16/32x3x224x224", tensor.Float16, []int{32, 3, 224, 224}, []int{32, 224, 224, 3}},
		{"f32/8x16x16x16x16", tensor.Float32, []int{8, 16, 16, 16, 16}, []int{8, 16, 16, 16, 16}},
	} {
		b.Run(tc.name, func(b *testing.B) {
			srcDesc := mustDescribe(b, tc.dt, layout.NCHW, tc.srcDims)
			dstDesc := mustDescribe(b, tc.dt, layout.NHWC, tc.dstDims)
			src := tensor.Synthetic(tc.dt, tc.srcDims, 1)
			dst := tensor.New(tc.dt, tc.dstDims)

			b.SetBytes(int64(src.SizeBytes()))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := backend.Transform(srcDesc, src.Bytes(), dstDesc, dst.Bytes()); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
