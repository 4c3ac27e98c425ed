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

package rendezvous

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by every error reporting that a bounded wait
	// ran out of time before all participants arrived.
	ErrTimeout = errors.New("rendezvous: synchronization timeout")

	// ErrAttachTimeout is wrapped by the InitError returned when a
	// non-creator gave up waiting for the shared objects to appear.
	ErrAttachTimeout = errors.New("rendezvous: shared objects did not appear in time")

	// ErrClosed is returned by Wait after Close.
	ErrClosed = errors.New("rendezvous: barrier closed")

	// errReplaced ends a startup round running on objects that rank 0 has
	// since replaced.
	errReplaced = errors.New("rendezvous: shared object replaced")
)

// InitError reports that the shared objects of a session could not be
// created or opened.
type InitError struct {
	Rank   int    // Rank of the participant that failed
	Object string // Object name, empty if the failure is not about one object
	Op     string // "validate", "create", "open", ...
	Err    error
}

func (e *InitError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("rendezvous: rank %d: %s: %v", e.Rank, e.Op, e.Err)
	}
	return fmt.Sprintf("rendezvous: rank %d: %s %s: %v", e.Rank, e.Op, e.Object, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// CleanupError reports that a shared object could not be removed from the
// namespace. Names that were already gone never produce one.
type CleanupError struct {
	Name string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("rendezvous: remove %s: %v", e.Name, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a synchronization timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
