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

import "sync/atomic"

// Counter is a signed 32-bit integer shared between processes.
type Counter struct {
	obj *Object
}

// CreateCounter creates and publishes a counter holding zero.
func CreateCounter(dir, name string) (*Counter, error) {
	obj, err := Create(dir, name, KindCounter)
	if err != nil {
		return nil, err
	}
	c := &Counter{obj: obj}
	c.Store(0)
	obj.Publish()
	return c, nil
}

// OpenCounter attaches to a counter created by another participant.
func OpenCounter(dir, name string) (*Counter, error) {
	obj, err := Open(dir, name, KindCounter)
	if err != nil {
		return nil, err
	}
	return &Counter{obj: obj}, nil
}

func (c *Counter) value() *int32 {
	return (*int32)(c.obj.payload())
}

// Object returns the shared object backing the counter.
func (c *Counter) Object() *Object {
	return c.obj
}

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int32) int32 {
	return atomic.AddInt32(c.value(), delta)
}

// Load returns the current value.
func (c *Counter) Load() int32 {
	return atomic.LoadInt32(c.value())
}

// Store sets the value.
func (c *Counter) Store(v int32) {
	atomic.StoreInt32(c.value(), v)
}

// Close unmaps the counter.
func (c *Counter) Close() error {
	return c.obj.Close()
}
