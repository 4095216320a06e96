package convert

import (
	"fmt"

	"github.com/23skdu/longbow-vane/internal/device"
	"github.com/23skdu/longbow-vane/internal/tensor"
)

// Registry maps operator names to conversion operators. A registry owns
// its operators, and with them their descriptor caches, so two registries
// never share cache state.
type Registry struct {
	ops map[string]*Operator
}

// NewRegistry builds a registry holding both conversion directions bound
// to the given backend.
func NewRegistry(b device.Backend) *Registry {
	r := &Registry{ops: make(map[string]*Operator)}
	r.Register(NewNCHW2NHWC(b))
	r.Register(NewNHWC2NCHW(b))
	return r
}

// Register adds an operator under its name, replacing any previous one.
func (r *Registry) Register(op *Operator) {
	r.ops[op.Name()] = op
}

// Get returns the operator registered under name.
func (r *Registry) Get(name string) (*Operator, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered operator names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}

// Execute runs the named operator on src.
func (r *Registry) Execute(name string, src *tensor.Tensor) (*tensor.Tensor, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown operator: %s", name)
	}
	return op.Apply(src)
}
