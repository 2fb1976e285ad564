// Package progress carries group lifecycle events from the manager to
// pluggable sinks. A Hub buffers events without blocking the emitting task
// and flushes them in batches on a background goroutine.
package progress
