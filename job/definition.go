package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable). The handler's
// first return value, when non-nil, is JSON-serialized and retained as
// the job's result.
type Definition[T any] struct {
	// Queue is the queue this job type belongs to.
	Queue string

	// Type is the handler identifier, unique within the queue.
	Type string

	// Handler is the function that processes the job payload.
	Handler func(ctx context.Context, payload T) (any, error)

	// Opts overrides the queue defaults for submissions of this type.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](queue, jobType string, handler func(ctx context.Context, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Queue:   queue,
		Type:    jobType,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
