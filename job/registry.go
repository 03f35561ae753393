package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is a type-erased job handler that accepts the raw JSON
// payload and returns the raw JSON result. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps (queue, type) pairs to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

func registryKey(queue, jobType string) string {
	return queue + "/" + jobType
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler and JSON-marshals any result it
// returns.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for job type %q: %w", def.Type, err)
			}
		}

		out, err := def.Handler(ctx, t)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result for job type %q: %w", def.Type, err)
		}
		return result, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey(def.Queue, def.Type)] = handler
}

// Get returns the handler for the given queue and job type.
// Returns false if no handler is registered.
func (r *Registry) Get(queue, jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(queue, jobType)]
	return h, ok
}

// Has reports whether a handler is registered for the queue and type.
func (r *Registry) Has(queue, jobType string) bool {
	_, ok := r.Get(queue, jobType)
	return ok
}

// Types returns all registered job types for the given queue.
func (r *Registry) Types(queue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := queue + "/"
	types := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			types = append(types, key[len(prefix):])
		}
	}
	return types
}
