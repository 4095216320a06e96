package cache

import (
	"testing"

	"github.com/23skdu/longbow-vane/internal/layout"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

func mustDescribe(t *testing.T, order layout.Order, dims []int) layout.Descriptor {
	t.Helper()
	d, err := layout.Describe(tensor.Float32, order, dims)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestShapeCache(t *testing.T) {
	c := NewShapeCache()

	if c.Size() != 0 {
		t.Errorf("fresh cache Size = %d, want 0", c.Size())
	}
	if _, ok := c.Get([]int{2, 3, 4, 5}); ok {
		t.Error("fresh cache reported a hit")
	}

	dims := []int{2, 3, 4, 5}
	p := Pair{
		Src: mustDescribe(t, layout.NCHW, dims),
		Dst: mustDescribe(t, layout.NHWC, []int{2, 4, 5, 3}),
	}
	c.Put(dims, p)

	if c.Size() != 1 {
		t.Errorf("Size = %d, want 1", c.Size())
	}

	got, ok := c.Get([]int{2, 3, 4, 5})
	if !ok {
		t.Fatal("expected hit for stored dims")
	}
	if got.Src != p.Src || got.Dst != p.Dst {
		t.Error("cached pair does not match stored pair")
	}

	// Value equality, not identity: a different slice with the same
	// values must hit
	other := make([]int, len(dims))
	copy(other, dims)
	if _, ok := c.Get(other); !ok {
		t.Error("equal dims in a fresh slice missed")
	}

	if _, ok := c.Get([]int{2, 3, 4, 6}); ok {
		t.Error("different dims reported a hit")
	}
	if _, ok := c.Get([]int{2, 3, 4}); ok {
		t.Error("shorter dims reported a hit")
	}
}

func TestShapeCache_SingleSlot(t *testing.T) {
	c := NewShapeCache()

	a := []int{2, 3, 5}
	b := []int{1, 2, 3, 4, 5}

	c.Put(a, Pair{Src: mustDescribe(t, layout.NCHW, a)})
	c.Put(b, Pair{Src: mustDescribe(t, layout.NCHW, b)})

	if c.Size() != 1 {
		t.Errorf("Size = %d, want 1", c.Size())
	}
	if _, ok := c.Get(a); ok {
		t.Error("evicted shape still hits")
	}
	got, ok := c.Get(b)
	if !ok {
		t.Fatal("latest shape missed")
	}
	if got.Src.Dims != [5]int{1, 2, 3, 4, 5} {
		t.Errorf("cached descriptor dims = %v", got.Src.Dims)
	}
}

func TestShapeCache_KeyNotAliased(t *testing.T) {
	c := NewShapeCache()

	dims := []int{2, 3, 4, 5}
	c.Put(dims, Pair{})

	// Mutating the caller's slice must not change the stored key
	dims[0] = 99
	if _, ok := c.Get([]int{2, 3, 4, 5}); !ok {
		t.Error("stored key was aliased to the caller's slice")
	}
	if _, ok := c.Get(dims); ok {
		t.Error("mutated slice should miss")
	}
}
