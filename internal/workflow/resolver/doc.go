// Package resolver computes static plans for workflow definitions: the
// dependencies of each step, the waves a run would dispatch when every step
// succeeds, and the upstream closure needed to reach chosen targets.
package resolver
