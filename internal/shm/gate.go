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
	"math"
	"sync/atomic"
	"time"
)

// Gate is a one-shot signal shared between processes: it starts closed,
// is opened once, and stays open.
type Gate struct {
	obj *Object
}

// CreateGate creates and publishes a closed gate.
func CreateGate(dir, name string) (*Gate, error) {
	obj, err := Create(dir, name, KindGate)
	if err != nil {
		return nil, err
	}
	g := &Gate{obj: obj}
	atomic.StoreUint32(g.state(), 0)
	obj.Publish()
	return g, nil
}

// OpenGate attaches to a gate created by another participant.
func OpenGate(dir, name string) (*Gate, error) {
	obj, err := Open(dir, name, KindGate)
	if err != nil {
		return nil, err
	}
	return &Gate{obj: obj}, nil
}

func (g *Gate) state() *uint32 {
	return (*uint32)(g.obj.payload())
}

// Object returns the shared object backing the gate.
func (g *Gate) Object() *Object {
	return g.obj
}

// IsOpen reports whether Open has been called by any participant.
func (g *Gate) IsOpen() bool {
	return atomic.LoadUint32(g.state()) != 0
}

// Open opens the gate and wakes every process waiting on it.
func (g *Gate) Open() error {
	atomic.StoreUint32(g.state(), 1)
	_, err := futexWake(g.state(), math.MaxInt32)
	return err
}

// WaitDeadline blocks until the gate is open or deadline passes, in which
// case it returns ErrTimeout. A zero deadline waits forever.
func (g *Gate) WaitDeadline(deadline time.Time) error {
	for !g.IsOpen() {
		var timeoutNs int64
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
			timeoutNs = remaining.Nanoseconds()
		}
		if err := futexWaitTimeout(g.state(), 0, timeoutNs); err != nil && !errors.Is(err, ErrFutexTimeout) {
			return err
		}
	}
	return nil
}

// Close unmaps the gate.
func (g *Gate) Close() error {
	return g.obj.Close()
}
