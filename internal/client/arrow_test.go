package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vane/internal/tensor"
)

func TestTensorBatchBuilder(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewTensorBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.Build(nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Float32 round trip", func(t *testing.T) {
		in := []*tensor.Tensor{
			tensor.FromFloat32([]int{1, 2, 3}, []float32{0, 1, 2, 3, 4, 5}),
			tensor.FromFloat32([]int{2, 1, 1, 2}, []float32{9, 8, 7, 6}),
		}

		rb, err := builder.Build(in)
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(2), rb.NumCols())
		assert.Equal(t, "dims", rb.ColumnName(0))
		assert.Equal(t, "data", rb.ColumnName(1))

		dimsArr := rb.Column(0).(*array.List)
		assert.Equal(t, []int32{0, 3, 7}, dimsArr.Offsets())

		out, err := TensorsFromBatch(rb)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.True(t, out[0].Equal(in[0]))
		assert.True(t, out[1].Equal(in[1]))
	})

	t.Run("Float16 round trip", func(t *testing.T) {
		in := []*tensor.Tensor{tensor.Synthetic(tensor.Float16, []int{2, 3, 4, 5}, 11)}

		rb, err := builder.Build(in)
		require.NoError(t, err)
		defer rb.Release()

		out, err := TensorsFromBatch(rb)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.True(t, out[0].Equal(in[0]))
	})

	t.Run("Mixed types rejected", func(t *testing.T) {
		_, err := builder.Build([]*tensor.Tensor{
			tensor.New(tensor.Float32, []int{1, 1, 1}),
			tensor.New(tensor.Float16, []int{1, 1, 1}),
		})
		assert.Error(t, err)
	})

	t.Run("Float64 has no mapping", func(t *testing.T) {
		_, err := builder.Build([]*tensor.Tensor{tensor.New(tensor.Float64, []int{1, 1, 1})})
		assert.Error(t, err)
	})
}
