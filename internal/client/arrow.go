package client

import (
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vane/internal/tensor"
)

// float16.Num is a single binary16 word, so a raw fp16 payload can be
// viewed as a Num slice without copying.
func f16Nums(bits []uint16) []float16.Num {
	if len(bits) == 0 {
		return nil
	}
	return unsafe.Slice((*float16.Num)(unsafe.Pointer(&bits[0])), len(bits))
}

// TensorBatchBuilder packs tensors into Arrow record batches. Each row is
// one tensor: a "dims" column carrying the shape and a "data" column
// carrying the flattened payload. All tensors in a batch share one
// element type, which picks the value type of the data column.
type TensorBatchBuilder struct {
	mem memory.Allocator
}

func NewTensorBatchBuilder(mem memory.Allocator) *TensorBatchBuilder {
	return &TensorBatchBuilder{mem: mem}
}

// BatchSchema returns the record schema used for tensors of the given
// element type.
func BatchSchema(dt tensor.DataType) (*arrow.Schema, error) {
	var valueType arrow.DataType
	switch dt {
	case tensor.Float32:
		valueType = arrow.PrimitiveTypes.Float32
	case tensor.Float16:
		valueType = arrow.FixedWidthTypes.Float16
	default:
		return nil, fmt.Errorf("no arrow mapping for %s", dt)
	}
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
			{Name: "data", Type: arrow.ListOf(valueType)},
		},
		nil,
	), nil
}

// Build packs tensors into one record batch.
func (b *TensorBatchBuilder) Build(tensors []*tensor.Tensor) (arrow.RecordBatch, error) {
	if len(tensors) == 0 {
		return nil, nil
	}
	dt := tensors[0].DType()
	for _, t := range tensors[1:] {
		if t.DType() != dt {
			return nil, fmt.Errorf("mixed element types in batch: %s and %s", dt, t.DType())
		}
	}

	schema, err := BatchSchema(dt)
	if err != nil {
		return nil, err
	}

	dimsBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64)
	defer dimsBuilder.Release()
	dimsValues := dimsBuilder.ValueBuilder().(*array.Int64Builder)

	var valueType arrow.DataType = arrow.PrimitiveTypes.Float32
	if dt == tensor.Float16 {
		valueType = arrow.FixedWidthTypes.Float16
	}
	dataBuilder := array.NewListBuilder(b.mem, valueType)
	defer dataBuilder.Release()

	for _, t := range tensors {
		dimsBuilder.Append(true)
		for _, d := range t.Dims() {
			dimsValues.Append(int64(d))
		}

		dataBuilder.Append(true)
		switch dt {
		case tensor.Float32:
			dataBuilder.ValueBuilder().(*array.Float32Builder).AppendValues(t.AsFloat32(), nil)
		case tensor.Float16:
			dataBuilder.ValueBuilder().(*array.Float16Builder).AppendValues(f16Nums(t.AsFloat16()), nil)
		}
	}

	dimsArr := dimsBuilder.NewArray()
	defer dimsArr.Release()
	dataArr := dataBuilder.NewArray()
	defer dataArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{dimsArr, dataArr}, int64(len(tensors))), nil
}

// TensorsFromBatch unpacks a record batch produced by Build (or by a
// client speaking the same schema) back into tensors.
func TensorsFromBatch(rec arrow.RecordBatch) ([]*tensor.Tensor, error) {
	dimsIdx := rec.Schema().FieldIndices("dims")
	dataIdx := rec.Schema().FieldIndices("data")
	if len(dimsIdx) == 0 || len(dataIdx) == 0 {
		return nil, fmt.Errorf("batch schema missing dims/data columns: %s", rec.Schema())
	}

	dimsCol, ok := rec.Column(dimsIdx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("dims column is %T, want list<int64>", rec.Column(dimsIdx[0]))
	}
	dataCol, ok := rec.Column(dataIdx[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("data column is %T, want list", rec.Column(dataIdx[0]))
	}
	dimsValues, ok := dimsCol.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("dims values are %T, want int64", dimsCol.ListValues())
	}

	out := make([]*tensor.Tensor, rec.NumRows())
	for i := range out {
		ds, de := dimsCol.ValueOffsets(i)
		dims := make([]int, de-ds)
		for j := range dims {
			dims[j] = int(dimsValues.Value(int(ds) + j))
		}

		vs, ve := dataCol.ValueOffsets(i)
		n := int(ve - vs)

		switch values := dataCol.ListValues().(type) {
		case *array.Float32:
			t := tensor.New(tensor.Float32, dims)
			if t.NumElems() != n {
				return nil, fmt.Errorf("row %d: dims %v imply %d elements, data has %d", i, dims, t.NumElems(), n)
			}
			copy(t.AsFloat32(), values.Float32Values()[vs:ve])
			out[i] = t
		case *array.Float16:
			t := tensor.New(tensor.Float16, dims)
			if t.NumElems() != n {
				return nil, fmt.Errorf("row %d: dims %v imply %d elements, data has %d", i, dims, t.NumElems(), n)
			}
			bits := t.AsFloat16()
			for j := 0; j < n; j++ {
				bits[j] = values.Value(int(vs) + j).Uint16()
			}
			out[i] = t
		default:
			return nil, fmt.Errorf("data values are %T, want float32 or float16", values)
		}
	}
	return out, nil
}
