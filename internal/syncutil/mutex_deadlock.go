//go:build deadlock

// Package syncutil provides the mutexes used to serialize access to a reader
// handle. This file is compiled when building with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex wraps deadlock.Mutex, which reports lock-order inversions and
// locks held past deadlock.Opts.DeadlockTimeout.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex
type RWMutex struct {
	deadlock.RWMutex
}
