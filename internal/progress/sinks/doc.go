// Package sinks holds progress.Sink implementations: a zap logger sink and a
// Prometheus sink that derives task lifecycle metrics from the event stream.
package sinks
