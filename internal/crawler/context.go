package crawler

import "context"

type taskIDKey struct{}

// WithTaskID tags ctx with the task being executed so fetches and log lines
// can be correlated.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFrom returns the task ID stored by WithTaskID, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
