// Package worker provides the looped background task runtime used by every network loop.
// A Worker repeatedly invokes a task on its own goroutine, reports an observable ServiceState,
// supports graceful and forced stop, interruptible inter-iteration delays, and an optional
// retrying policy that muffles repeated identical errors with exponential suppression windows.
package worker
