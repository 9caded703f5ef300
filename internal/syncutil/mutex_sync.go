//go:build !deadlock

// Package syncutil provides the mutexes used to serialize access to a reader
// handle. Regular builds use sync.Mutex. Build with -tags=deadlock to swap
// in github.com/sasha-s/go-deadlock and catch lock-order bugs between the
// device state lock and the command engine lock.
package syncutil

import "sync"

// Mutex wraps sync.Mutex.
//
//nolint:gocritic // embedding exposes Lock/Unlock/TryLock directly
type Mutex struct {
	sync.Mutex
}

// RWMutex is a plain sync.RWMutex in regular builds
type RWMutex struct {
	sync.RWMutex
}
