// Package engine drives workflow runs. One loop goroutine per run owns the
// run state: it asks the scheduler for ready steps, hands them to executors
// from the capability registry, applies their results, evaluates gates, and
// checkpoints after every outcome. Executors report back over a channel so
// the loop stays the only writer.
package engine
