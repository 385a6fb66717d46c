package morsel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// VariadicArity marks a registration that accepts any number of arguments.
const VariadicArity = -1

// Handler executes a registered method. The returned value is marshaled to
// JSON and sent back as the call's result.
type Handler func(ctx context.Context, args Arguments) (any, error)

// Registration binds a method name to a handler. Arity is the exact number of
// arguments the handler accepts, or VariadicArity.
type Registration struct {
	Name    string
	Arity   int
	Handler Handler
}

// CheckArity verifies that args fits the registration's parameter shape.
func (r Registration) CheckArity(args Arguments) error {
	if r.Arity == VariadicArity || r.Arity == len(args) {
		return nil
	}

	return fmt.Errorf("method %s expects %d arguments, got %d", r.Name, r.Arity, len(args))
}

// MethodTable is the set of methods a peer may invoke on this side. It is
// populated during setup; registering an existing name replaces it.
type MethodTable struct {
	mu      sync.RWMutex
	methods map[string]Registration
}

// NewMethodTable returns an empty method table.
func NewMethodTable() *MethodTable {
	return &MethodTable{
		methods: make(map[string]Registration),
	}
}

// Register adds or replaces the handler for name.
func (t *MethodTable) Register(name string, arity int, handler Handler) *MethodTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.methods[name] = Registration{Name: name, Arity: arity, Handler: handler}
	return t
}

// RegisterFunc adds a variadic handler.
func (t *MethodTable) RegisterFunc(name string, handler Handler) *MethodTable {
	return t.Register(name, VariadicArity, handler)
}

// Lookup finds the registration for name. Matching is exact.
func (t *MethodTable) Lookup(name string) (Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	reg, ok := t.methods[name]
	return reg, ok
}

// Names returns the registered method names in sorted order.
func (t *MethodTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Clone returns an independent copy, so a shared hub table can be extended
// per connection without affecting other connections.
func (t *MethodTable) Clone() *MethodTable {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := NewMethodTable()
	for name, reg := range t.methods {
		clone.methods[name] = reg
	}

	return clone
}
