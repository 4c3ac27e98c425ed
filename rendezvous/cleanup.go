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
	"fmt"
	"time"

	"github.com/rkamd/rccl/internal/shm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is a snapshot of a session's shared objects for diagnostics.
type State struct {
	Counter    int32     // Participants counted in and not yet counted out
	Mutex      uint32    // 1 when nobody holds the mutex
	TurnstileA uint32    // Unclaimed arrival credits
	TurnstileB uint32    // Unclaimed departure credits
	GateOpen   bool      // Rank 0 finished creating the objects
	CreatorPID uint32    // Process that created the objects
	CreatedAt  time.Time // When the objects were created
}

// Idle reports whether the state is the one a barrier returns to after
// every participant has completed a round.
func (s State) Idle() bool {
	return s.Counter == 0 && s.Mutex == 1 && s.TurnstileA == 0 && s.TurnstileB == 0
}

func snapshot(gate *shm.Gate, mutex, turnstileA, turnstileB *shm.Semaphore, counter *shm.Counter) State {
	hdr := gate.Object().Header()
	return State{
		Counter:    counter.Load(),
		Mutex:      mutex.Value(),
		TurnstileA: turnstileA.Value(),
		TurnstileB: turnstileB.Value(),
		GateOpen:   gate.IsOpen(),
		CreatorPID: hdr.CreatorPID(),
		CreatedAt:  hdr.CreatedAt(),
	}
}

// RemoveSharedState removes the object names of session from the namespace.
// Any participant, or an unrelated process, may call it: before New to clear
// what a crashed run left behind, or after the session. Names that are
// already gone are skipped, so calling it twice is harmless. Other failures
// are returned as *CleanupError values combined with multierr.
//
// Participants that already mapped the objects keep working; only the names
// go away.
func RemoveSharedState(session int, opts ...Option) error {
	o := newOptions(opts)
	return removeObjects(o.dir, Names(session), o.logger.Named("rendezvous"))
}

func removeObjects(dir string, names ObjectNames, logger *zap.Logger) error {
	var err error
	for _, name := range names.All() {
		if rerr := shm.Remove(dir, name); rerr != nil {
			logger.Warn("failed to remove shared object", zap.String("object", name), zap.Error(rerr))
			err = multierr.Append(err, &CleanupError{Name: name, Err: rerr})
		}
	}
	if err == nil {
		logger.Debug("removed shared objects", zap.String("dir", dir), zap.Strings("objects", names.All()))
	}
	return err
}

// SharedStateExists reports whether any object name of session is present.
func SharedStateExists(session int, opts ...Option) bool {
	o := newOptions(opts)
	for _, name := range Names(session).All() {
		if shm.Exists(o.dir, name) {
			return true
		}
	}
	return false
}

// Inspect maps the objects of session without joining the group and
// returns their state. It does not wait for missing objects.
func Inspect(session int, opts ...Option) (State, error) {
	o := newOptions(opts)
	names := Names(session)

	var closers []interface{ Close() error }
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	gate, err := shm.OpenGate(o.dir, names.Gate)
	if err != nil {
		return State{}, fmt.Errorf("rendezvous: inspect %s: %w", names.Gate, err)
	}
	closers = append(closers, gate)

	sems := make([]*shm.Semaphore, 0, 3)
	for _, name := range []string{names.Mutex, names.TurnstileA, names.TurnstileB} {
		sem, err := shm.OpenSemaphore(o.dir, name)
		if err != nil {
			return State{}, fmt.Errorf("rendezvous: inspect %s: %w", name, err)
		}
		closers = append(closers, sem)
		sems = append(sems, sem)
	}

	counter, err := shm.OpenCounter(o.dir, names.Counter)
	if err != nil {
		return State{}, fmt.Errorf("rendezvous: inspect %s: %w", names.Counter, err)
	}
	closers = append(closers, counter)

	return snapshot(gate, sems[0], sems[1], sems[2], counter), nil
}
