package endpoints

import (
	"fmt"
	"sync"

	"github.com/brettbedarf/spattach"
)

// Builder produces the candidates for one operation. base has no trailing
// slash, keys are in try order and oc has already been validated.
type Builder func(base string, keys []ListKey, oc spattach.OperationContext) []Candidate

// Registry maps operations to their candidate builders
type Registry struct {
	mu       sync.RWMutex
	builders map[spattach.Operation]Builder
}

// builtins backs the zero [Resolver]
var builtins = func() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[spattach.Operation]Builder)}
}

// Register ties a builder to op. The first registration for an operation wins
// so built-in shapes cannot be replaced by accident.
func (r *Registry) Register(op spattach.Operation, build Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[op]; exists {
		return
	}
	r.builders[op] = build
}

// Builder returns the builder registered for op
func (r *Registry) Builder(op spattach.Operation) (Builder, error) {
	r.mu.RLock()
	build, ok := r.builders[op]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
	return build, nil
}

// RegisterBuiltins registers the built-in list and delete builders, or only
// the given operations if any are passed
func RegisterBuiltins(r *Registry, ops ...spattach.Operation) {
	if len(ops) == 0 {
		ops = append(ops, spattach.OpListAttachments, spattach.OpDeleteAttachment)
	}

	for _, op := range ops {
		switch op {
		case spattach.OpListAttachments:
			r.Register(op, listCandidates)
		case spattach.OpDeleteAttachment:
			r.Register(op, deleteCandidates)
		}
	}
}
