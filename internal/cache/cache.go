package cache

import (
	"sync"

	"github.com/23skdu/longbow-vane/internal/layout"
)

// Pair holds the source and destination descriptors derived for one shape.
type Pair struct {
	Src layout.Descriptor
	Dst layout.Descriptor
}

// DescriptorCache defines a generic interface for caching descriptor pairs.
type DescriptorCache interface {
	// Get retrieves the pair derived for dims.
	Get(dims []int) (Pair, bool)
	// Put stores the pair derived for dims.
	Put(dims []int, p Pair)
	// Size returns the number of cached shapes.
	Size() int
}

// ShapeCache remembers the pair for the most recently seen shape. Layout
// converters tend to see long runs of identical shapes, so a single slot
// compared by value covers the common case; any new shape evicts the
// previous entry.
type ShapeCache struct {
	dims []int
	pair Pair
	mu   sync.Mutex
}

var _ DescriptorCache = (*ShapeCache)(nil)

func NewShapeCache() *ShapeCache {
	return &ShapeCache{}
}

func (c *ShapeCache) Get(dims []int) (Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dims == nil || !equalDims(c.dims, dims) {
		return Pair{}, false
	}
	return c.pair, true
}

func (c *ShapeCache) Put(dims []int, p Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy so the caller mutating dims cannot corrupt the key
	c.dims = append(c.dims[:0], dims...)
	c.pair = p
}

func (c *ShapeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dims == nil {
		return 0
	}
	return 1
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
