/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// semaphoreState is the payload of a semaphore object.
type semaphoreState struct {
	value   uint32 // 0x00: available credits, also the futex word
	waiters uint32 // 0x04: processes blocked (or about to block) on value
}

// Semaphore is a counting semaphore shared between processes.
type Semaphore struct {
	obj *Object
}

// CreateSemaphore creates and publishes a semaphore holding initial credits.
func CreateSemaphore(dir, name string, initial uint32) (*Semaphore, error) {
	obj, err := Create(dir, name, KindSemaphore)
	if err != nil {
		return nil, err
	}
	s := &Semaphore{obj: obj}
	atomic.StoreUint32(&s.state().value, initial)
	atomic.StoreUint32(&s.state().waiters, 0)
	obj.Publish()
	return s, nil
}

// OpenSemaphore attaches to a semaphore created by another participant.
func OpenSemaphore(dir, name string) (*Semaphore, error) {
	obj, err := Open(dir, name, KindSemaphore)
	if err != nil {
		return nil, err
	}
	return &Semaphore{obj: obj}, nil
}

func (s *Semaphore) state() *semaphoreState {
	return (*semaphoreState)(s.obj.payload())
}

// Object returns the shared object backing the semaphore.
func (s *Semaphore) Object() *Object {
	return s.obj
}

// Value returns the number of available credits.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(&s.state().value)
}

// TryWait takes one credit if one is available.
func (s *Semaphore) TryWait() bool {
	v := &s.state().value
	for {
		c := atomic.LoadUint32(v)
		if c == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(v, c, c-1) {
			return true
		}
	}
}

// Wait blocks until it takes one credit.
func (s *Semaphore) Wait() error {
	return s.WaitDeadline(time.Time{})
}

// WaitDeadline blocks until it takes one credit or deadline passes, in which
// case it returns ErrTimeout. A zero deadline waits forever.
func (s *Semaphore) WaitDeadline(deadline time.Time) error {
	st := s.state()
	for {
		if s.TryWait() {
			return nil
		}

		var timeoutNs int64
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
			timeoutNs = remaining.Nanoseconds()
		}

		// Registering as a waiter before sleeping on value == 0 pairs with
		// Post, which adds credits before it looks at waiters.
		atomic.AddUint32(&st.waiters, 1)
		err := futexWaitTimeout(&st.value, 0, timeoutNs)
		atomic.AddUint32(&st.waiters, ^uint32(0))

		if err != nil && !errors.Is(err, ErrFutexTimeout) {
			return err
		}
	}
}

// Post adds exactly n credits and wakes up to n waiters.
func (s *Semaphore) Post(n int) error {
	if n <= 0 {
		return nil
	}
	st := s.state()
	atomic.AddUint32(&st.value, uint32(n))
	if atomic.LoadUint32(&st.waiters) == 0 {
		return nil
	}
	_, err := futexWake(&st.value, n)
	return err
}

// Close unmaps the semaphore.
func (s *Semaphore) Close() error {
	return s.obj.Close()
}
