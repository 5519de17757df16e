package port

import (
	"context"
	"fmt"
	"sync"
)

// ExpandFunc resolves a handle string into an in-process value.
type ExpandFunc func(ctx context.Context, handle string) (any, error)

// ShrinkFunc turns an in-process value into a handle string.
type ShrinkFunc func(ctx context.Context, value any) (string, error)

// ReleaseFunc frees whatever a handle refers to.
type ReleaseFunc func(ctx context.Context, handle string) error

// StructureType is the expander/shrinker/releaser trio of one identifier.
type StructureType struct {
	Identifier string
	Expand     ExpandFunc
	Shrink     ShrinkFunc
	Release    ReleaseFunc
}

// StructureRegistry maps structure identifiers to their trio.
type StructureRegistry struct {
	types map[string]*StructureType
	mu    sync.RWMutex
}

// NewStructureRegistry creates an empty structure registry.
func NewStructureRegistry() *StructureRegistry {
	return &StructureRegistry{
		types: make(map[string]*StructureType),
	}
}

// Register adds a structure type. Expand and Shrink are required; Release is optional.
func (r *StructureRegistry) Register(st StructureType) error {
	if st.Identifier == "" {
		return fmt.Errorf("structure identifier must not be empty")
	}
	if st.Expand == nil || st.Shrink == nil {
		return fmt.Errorf("structure %s: expand and shrink are required", st.Identifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[st.Identifier]; exists {
		return fmt.Errorf("structure already registered: %s", st.Identifier)
	}
	r.types[st.Identifier] = &st
	return nil
}

// MustRegister registers a structure type and panics on error.
func (r *StructureRegistry) MustRegister(st StructureType) {
	if err := r.Register(st); err != nil {
		panic(err)
	}
}

// Get returns the structure type for identifier.
func (r *StructureRegistry) Get(identifier string) (*StructureType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.types[identifier]
	return st, ok
}

// Release invokes the releaser of identifier on handle.
// Structures without a releaser are a no-op.
func (r *StructureRegistry) Release(ctx context.Context, identifier, handle string) error {
	st, ok := r.Get(identifier)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStructure, identifier)
	}
	if st.Release == nil {
		return nil
	}
	return st.Release(ctx, handle)
}
