// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"sync"
	"sync/atomic"
)

// Subscription is the token returned by Listen. Releasing it unregisters the
// handler. Release may be called any number of times from any goroutine; only
// the first call has an effect.
type Subscription struct {
	name     string
	once     sync.Once
	released atomic.Bool
	release  func()
}

func newSubscription(name string, release func()) *Subscription {
	return &Subscription{name: name, release: release}
}

// Name returns the event name the subscription listens on.
func (s *Subscription) Name() string {
	return s.name
}

// Release unregisters the handler.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.released.Store(true)
		if s.release != nil {
			s.release()
		}
	})
}

// Released reports whether Release has been called.
func (s *Subscription) Released() bool {
	return s.released.Load()
}
