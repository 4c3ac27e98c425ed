/*
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
 */

// Package shm provides named shared memory objects and the cross-process
// synchronization primitives built on top of them.
//
// Every object is a small file in a namespace directory (normally /dev/shm)
// that is mapped MAP_SHARED into each process that opens it. The first 64
// bytes hold a header identifying the object and whether its creator has
// finished initializing it; the next 64 bytes hold the object's state.
//
// Semaphore, Counter and Gate store their state in that payload and block
// with shared (not process-private) futexes, so a waiter in one process is
// woken by a post from any other process that maps the same object.
package shm
