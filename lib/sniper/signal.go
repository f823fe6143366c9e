// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sniper

import (
	"sync"
	"sync/atomic"
)

// successSignal is the process-wide success flag: write-once-true, set by
// the single winning attempt, observed by every other attempt before
// it starts and after its blocking call returns. It is the only
// mutable state shared across concurrent attempts.
type successSignal struct {
	set  atomic.Bool
	done chan struct{}
}

func newSuccessSignal() *successSignal {
	return &successSignal{done: make(chan struct{})}
}

// TrySet sets the flag and returns true if it was not already set.
// Exactly one caller per run gets true.
func (s *successSignal) TrySet() bool {
	if s.set.CompareAndSwap(false, true) {
		close(s.done)
		return true
	}
	return false
}

// IsSet reports whether the flag has been set.
func (s *successSignal) IsSet() bool {
	return s.set.Load()
}

// Done returns a channel that closes when the flag is first set, so
// submit loops and backoff sleeps can select on it.
func (s *successSignal) Done() <-chan struct{} {
	return s.done
}

// abortFlag records the first infrastructure error and stops further
// submission. Independent from signal: one means the race is won, the
// other means the race cannot be run at all.
type abortFlag struct {
	once sync.Once
	err  error
	done chan struct{}
}

func newAbortFlag() *abortFlag {
	return &abortFlag{done: make(chan struct{})}
}

func (a *abortFlag) trip(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Err returns the recorded error, or nil if trip was never called.
// Only valid after the wave's attempts have drained.
func (a *abortFlag) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}
