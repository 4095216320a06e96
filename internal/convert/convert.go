package convert

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-vane/internal/cache"
	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Operator converts tensors from one memory order to the other. Each
// instance owns a single-slot descriptor cache, so conversions over a
// stable shape skip the derivation after the first call. The cache is
// private to the instance; concurrent use of one instance is safe but
// serialized on the cache lock.
type Operator struct {
	name    string
	from    layout.Order
	to      layout.Order
	backend device.Backend
	cache   *cache.ShapeCache
}

// NewNCHW2NHWC builds the channel-first to channel-last operator.
func NewNCHW2NHWC(b device.Backend) *Operator {
	return &Operator{
		name:    "NCHW2NHWC",
		from:    layout.NCHW,
		to:      layout.NHWC,
		backend: b,
		cache:   cache.NewShapeCache(),
	}
}

// NewNHWC2NCHW builds the channel-last to channel-first operator.
func NewNHWC2NCHW(b device.Backend) *Operator {
	return &Operator{
		name:    "NHWC2NCHW",
		from:    layout.NHWC,
		to:      layout.NCHW,
		backend: b,
		cache:   cache.NewShapeCache(),
	}
}

func (op *Operator) Name() string { return op.name }

// From returns the order the operator consumes.
func (op *Operator) From() layout.Order { return op.from }

// To returns the order the operator produces.
func (op *Operator) To() layout.Order { return op.to }

// Run converts src into dst. dst is resized to the converted shape and
// fully overwritten; on error dst holds no usable data. src and dst must
// be distinct tensors.
func (op *Operator) Run(src, dst *tensor.Tensor) error {
	if err := layout.CheckDims(src.Dims()); err != nil {
		return fmt.Errorf("%s: %w", op.name, err)
	}
	if !op.backend.Supports(src.DType()) {
		return fmt.Errorf("%s: %w: %s on %s", op.name, device.ErrUnsupportedType, src.DType(), op.backend.Name())
	}

	start := time.Now()
	dstDims := layout.ConvertedDims(op.from, op.to, src.Dims())
	dst.Resize(src.DType(), dstDims)

	pair, err := op.descriptors(src.DType(), src.Dims(), dstDims)
	if err != nil {
		return fmt.Errorf("%s: %w", op.name, err)
	}

	if err := op.backend.Transform(pair.Src, src.Bytes(), pair.Dst, dst.Bytes()); err != nil {
		return fmt.Errorf("%s: %w", op.name, err)
	}
	op.backend.Synchronize()

	conversionsTotal.WithLabelValues(op.name).Inc()
	conversionDuration.WithLabelValues(op.name).Observe(time.Since(start).Seconds())
	conversionBytes.WithLabelValues(op.name).Add(float64(src.SizeBytes()))
	return nil
}

// Apply converts src into a freshly allocated tensor.
func (op *Operator) Apply(src *tensor.Tensor) (*tensor.Tensor, error) {
	dst := &tensor.Tensor{}
	if err := op.Run(src, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// descriptors returns the cached pair for srcDims, deriving and storing a
// fresh pair when the shape changed since the previous call. The derived
// descriptors describe the same (N, C, H, W, D) box from both sides of the
// conversion; the cache never changes which pair a shape maps to, only
// whether it is recomputed.
func (op *Operator) descriptors(dt tensor.DataType, srcDims, dstDims []int) (cache.Pair, error) {
	if pair, ok := op.cache.Get(srcDims); ok && pair.Src.DType == dt {
		cacheHits.WithLabelValues(op.name).Inc()
		return pair, nil
	}
	cacheMisses.WithLabelValues(op.name).Inc()

	srcDesc, err := layout.Describe(dt, op.from, srcDims)
	if err != nil {
		return cache.Pair{}, err
	}
	dstDesc, err := layout.Describe(dt, op.to, dstDims)
	if err != nil {
		return cache.Pair{}, err
	}

	pair := cache.Pair{Src: srcDesc, Dst: dstDesc}
	op.cache.Put(srcDims, pair)
	return pair, nil
}
