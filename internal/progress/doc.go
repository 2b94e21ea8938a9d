// Package progress carries per-task progress lines from the workers to any
// number of observers. The Bus keeps an ordered, append-only log per task and
// supports replay-then-follow subscriptions; the Hub copies the same events to
// observability sinks in batches.
package progress
