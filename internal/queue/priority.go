package queue

import (
	"context"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

type priorityKey struct{}

// WithPriority tags ctx so pools schedule its work at p.
func WithPriority(ctx context.Context, p ttypes.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority set by WithPriority, or PriorityNormal.
func PriorityFrom(ctx context.Context) ttypes.Priority {
	if p, ok := ctx.Value(priorityKey{}).(ttypes.Priority); ok {
		return p
	}
	return ttypes.PriorityNormal
}
