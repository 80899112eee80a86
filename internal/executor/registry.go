package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownCapability is returned when no executor handles a tag.
var ErrUnknownCapability = errors.New("executor: unknown capability")

// Registry maps capability tags to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// Register installs an executor. Returns an error if the tag already exists.
func (r *Registry) Register(tag string, exec Executor) error {
	if tag == "" {
		return fmt.Errorf("executor: capability tag is required")
	}
	if exec == nil {
		return fmt.Errorf("executor: executor is required for %s", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[tag]; exists {
		return fmt.Errorf("executor: %s already registered", tag)
	}
	r.executors[tag] = exec
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(tag string, exec Executor) {
	if err := r.Register(tag, exec); err != nil {
		panic(err)
	}
}

// Resolve returns the executor for tag.
func (r *Registry) Resolve(tag string) (Executor, error) {
	r.mu.RLock()
	exec, ok := r.executors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, tag)
	}
	return exec, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[tag]
	return ok
}

// Tags returns a sorted list of registered capability tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.executors))
	for tag := range r.executors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
