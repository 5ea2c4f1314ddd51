// Package msync has small synchronisation primitives.
package msync

import "context"

type Nothing struct{}

// Signal is a one-slot level. Any number of Set between two consumes
// collapse into a single pending wake.
type Signal chan Nothing

func NewSignal() Signal { return make(chan Nothing, 1) }

// Set never blocks.
func (s Signal) Set() {
	select {
	case s <- Nothing{}:
	default:
	}
}

// Poll consumes pending level without blocking.
func (s Signal) Poll() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

// Drain is Poll with the result ignored, reads better at call sites.
func (s Signal) Drain() { s.Poll() }

// Wait blocks until level is set or ctx is done.
// Returns true if level was consumed.
func (s Signal) Wait(ctx context.Context) bool {
	select {
	case <-s:
		return true
	case <-ctx.Done():
		return false
	}
}
