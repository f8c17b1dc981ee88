package tooling

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/armon/go-radix"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Spec describes a callable tool exposed to the model.
type Spec struct {
	Name        string
	Description string
	Schema      []byte
	Mutating    bool
}

// Registry resolves tool names to tools. Names live in a radix tree so
// listings are ordered and allowlists can match by prefix.
type Registry struct {
	mu        sync.RWMutex
	tree      *radix.Tree
	validator *SchemaValidator
}

func NewRegistry() *Registry {
	return &Registry{tree: radix.New(), validator: NewSchemaValidator()}
}

// Register adds tool, rejecting empty or duplicate names and schemas that do not compile.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("register: empty tool name")
	}
	if _, err := r.validator.Compile(tool.Schema()); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tree.Get(name); exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
	}
	r.tree.Insert(name, tool)
	return nil
}

// MustRegister panics on registration errors; meant for static wiring.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.tree.Get(name)
	if !ok {
		return nil, false
	}
	return v.(Tool), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// Specs lists registered tools in name order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, r.tree.Len())
	r.tree.Walk(func(name string, v interface{}) bool {
		t := v.(Tool)
		specs = append(specs, Spec{
			Name:        name,
			Description: t.Description(),
			Schema:      t.Schema(),
			Mutating:    t.Mutating(),
		})
		return false
	})
	return specs
}

// Restrict returns a registry holding only the allowed tools. An entry ending
// in "*" allows every tool with that prefix. An empty list allows everything.
func (r *Registry) Restrict(allowed []string) *Registry {
	if len(allowed) == 0 {
		return r
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{tree: radix.New(), validator: r.validator}
	for _, pattern := range allowed {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			r.tree.WalkPrefix(prefix, func(name string, v interface{}) bool {
				out.tree.Insert(name, v)
				return false
			})
			continue
		}
		if v, ok := r.tree.Get(pattern); ok {
			out.tree.Insert(pattern, v)
		}
	}
	return out
}
