// Package scheduler decides which workflow steps may be dispatched next. It
// combines gate-aware reachability, artifact readiness and the remaining
// concurrency capacity into a single batch, so sequential execution is just a
// ceiling of one.
package scheduler
