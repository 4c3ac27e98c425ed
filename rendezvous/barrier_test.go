//go:build linux && (amd64 || arm64)

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
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rkamd/rccl/internal/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// testOptions returns options placing the session in a fresh namespace
// directory, so tests never see each other's objects.
func testOptions(t *testing.T, extra ...Option) []Option {
	t.Helper()
	opts := []Option{
		WithDir(t.TempDir()),
		WithLogger(zaptest.NewLogger(t)),
		WithAttachTimeout(10 * time.Second),
		WithStartupTimeout(10 * time.Second),
	}
	return append(opts, extra...)
}

// startGroup constructs all participants of a group concurrently, as
// separate processes would, and closes them when the test ends.
func startGroup(t *testing.T, size, session int, opts []Option) []*Barrier {
	t.Helper()

	barriers := make([]*Barrier, size)
	t.Cleanup(func() {
		// Rank 0 last: it removes the names.
		for i := size - 1; i >= 0; i-- {
			if barriers[i] != nil {
				assert.NoError(t, barriers[i].Close())
			}
		}
	})

	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			b, err := New(rank, size, session, opts...)
			barriers[rank] = b
			return err
		})
	}
	require.NoError(t, g.Wait())
	return barriers
}

// eachParticipant runs fn for every participant in its own goroutine.
func eachParticipant(barriers []*Barrier, fn func(b *Barrier) error) error {
	var g errgroup.Group
	for _, b := range barriers {
		b := b
		g.Go(func() error {
			return fn(b)
		})
	}
	return g.Wait()
}

func TestMutualProgress(t *testing.T) {
	for _, size := range []int{1, 2, 3, 8} {
		size := size
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			barriers := startGroup(t, size, 7, testOptions(t))

			var entered atomic.Int32
			err := eachParticipant(barriers, func(b *Barrier) error {
				if b.Rank() == size-1 {
					// Straggler
					time.Sleep(50 * time.Millisecond)
				}
				entered.Add(1)
				if err := b.Wait(); err != nil {
					return err
				}
				if n := entered.Load(); n != int32(size) {
					return fmt.Errorf("rank %d left after only %d of %d participants entered", b.Rank(), n, size)
				}
				return nil
			})
			require.NoError(t, err)

			st := barriers[0].State()
			assert.Truef(t, st.Idle(), "state after the round: %+v", st)
		})
	}
}

func TestReusability(t *testing.T) {
	const size = 4
	const rounds = 25

	barriers := startGroup(t, size, 8, testOptions(t))

	arrivals := make([]atomic.Int32, rounds)
	err := eachParticipant(barriers, func(b *Barrier) error {
		for r := 0; r < rounds; r++ {
			arrivals[r].Add(1)

			var err error
			if r%2 == 0 {
				err = b.Wait()
			} else {
				err = b.WaitTimeout(10 * time.Second)
			}
			if err != nil {
				return fmt.Errorf("rank %d round %d: %w", b.Rank(), r, err)
			}

			if n := arrivals[r].Load(); n != size {
				return fmt.Errorf("rank %d left round %d after %d arrivals", b.Rank(), r, n)
			}
			if c := b.State().Counter; c < 0 || c > size {
				return fmt.Errorf("rank %d saw counter %d after round %d", b.Rank(), c, r)
			}
		}
		return nil
	})
	require.NoError(t, err)

	// No credits left over for a future round, nobody holding the mutex.
	for _, b := range barriers {
		st := b.State()
		assert.Truef(t, st.Idle(), "rank %d sees %+v", b.Rank(), st)
	}
}

// TestDelayedDeparture holds one participant between the two phases and
// checks that the others, already looping into the next round, cannot get
// through it before the delayed participant has left the first round and
// entered the second.
func TestDelayedDeparture(t *testing.T) {
	const size = 3
	const delay = 150 * time.Millisecond

	barriers := startGroup(t, size, 9, testOptions(t))

	var departing, reentered atomic.Bool
	err := eachParticipant(barriers, func(b *Barrier) error {
		if b.Rank() == size-1 {
			if err := b.arrive(time.Time{}); err != nil {
				return err
			}
			time.Sleep(delay)
			departing.Store(true)
			if err := b.depart(time.Time{}); err != nil {
				return err
			}
			time.Sleep(delay)
			reentered.Store(true)
			return b.Wait()
		}

		if err := b.Wait(); err != nil {
			return err
		}
		if !departing.Load() {
			return fmt.Errorf("rank %d left round 1 before the delayed participant departed", b.Rank())
		}
		if err := b.Wait(); err != nil {
			return err
		}
		if !reentered.Load() {
			return fmt.Errorf("rank %d left round 2 before the delayed participant entered it", b.Rank())
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, barriers[0].State().Idle())
}

func TestWaitTimeoutFires(t *testing.T) {
	barriers := startGroup(t, 2, 11, testOptions(t))

	// Rank 1 never calls Wait.
	start := time.Now()
	err := barriers[0].WaitTimeout(time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	var initErr *InitError
	assert.False(t, errors.As(err, &initErr), "a timeout is not an init error")

	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)

	// The arrival is not rolled back.
	st := barriers[0].State()
	assert.EqualValues(t, 1, st.Counter)
	assert.EqualValues(t, 1, st.Mutex)
}

func TestStaleStateRecovery(t *testing.T) {
	const session = 12
	opts := testOptions(t)
	dir := newOptions(opts).dir
	names := Names(session)

	// What a run that crashed mid-round leaves behind: the mutex held, a
	// stray arrival credit and a nonzero counter.
	gate, err := shm.CreateGate(dir, names.Gate)
	require.NoError(t, err)
	require.NoError(t, gate.Open())
	mutex, err := shm.CreateSemaphore(dir, names.Mutex, 0)
	require.NoError(t, err)
	turnstileA, err := shm.CreateSemaphore(dir, names.TurnstileA, 2)
	require.NoError(t, err)
	turnstileB, err := shm.CreateSemaphore(dir, names.TurnstileB, 0)
	require.NoError(t, err)
	counter, err := shm.CreateCounter(dir, names.Counter)
	require.NoError(t, err)
	counter.Store(1)
	for _, c := range []interface{ Close() error }{gate, mutex, turnstileA, turnstileB, counter} {
		require.NoError(t, c.Close())
	}

	require.True(t, SharedStateExists(session, opts...))
	stale, err := Inspect(session, opts...)
	require.NoError(t, err)
	assert.False(t, stale.Idle())

	require.NoError(t, RemoveSharedState(session, opts...))
	require.False(t, SharedStateExists(session, opts...))

	barriers := startGroup(t, 3, session, opts)
	assert.True(t, barriers[0].State().Idle())

	err = eachParticipant(barriers, func(b *Barrier) error {
		for r := 0; r < 5; r++ {
			if err := b.Wait(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCreatorReplacesStaleObjects(t *testing.T) {
	const session = 13
	opts := testOptions(t)
	dir := newOptions(opts).dir

	counter, err := shm.CreateCounter(dir, Names(session).Counter)
	require.NoError(t, err)
	counter.Store(5)
	require.NoError(t, counter.Close())

	b, err := New(0, 1, session, opts...)
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, b.State().Idle())
}

// TestAttachBeforeCreatorOverStaleState leaves a finished session's objects
// in place and starts the next run's non-creator before its creator. The
// non-creator first attaches to the leftovers and must move to the objects
// rank 0 creates.
func TestAttachBeforeCreatorOverStaleState(t *testing.T) {
	const session = 25
	opts := testOptions(t)

	prev, err := New(0, 1, session, append(opts, WithRemoveOnClose(false))...)
	require.NoError(t, err)
	require.NoError(t, prev.Close())
	require.True(t, SharedStateExists(session, opts...))

	const size = 2
	barriers := make([]*Barrier, size)
	t.Cleanup(func() {
		for i := size - 1; i >= 0; i-- {
			if barriers[i] != nil {
				assert.NoError(t, barriers[i].Close())
			}
		}
	})

	var g errgroup.Group
	for rank := size - 1; rank >= 0; rank-- {
		rank := rank
		g.Go(func() error {
			if rank == 0 {
				time.Sleep(200 * time.Millisecond)
			}
			b, err := New(rank, size, session, opts...)
			barriers[rank] = b
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Empty(t, barriers[1].replacedObject(), "rank 1 must end up on the objects rank 0 created")

	err = eachParticipant(barriers, func(b *Barrier) error {
		for r := 0; r < 5; r++ {
			if err := b.Wait(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, barriers[0].State().Idle())
}

func TestRemoveSharedStateIdempotent(t *testing.T) {
	const session = 14
	opts := testOptions(t)

	// Nothing there yet
	require.NoError(t, RemoveSharedState(session, opts...))

	b, err := New(0, 1, session, append(opts, WithRemoveOnClose(false))...)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.True(t, SharedStateExists(session, opts...))

	require.NoError(t, RemoveSharedState(session, opts...))
	assert.False(t, SharedStateExists(session, opts...))
	require.NoError(t, RemoveSharedState(session, opts...))
}

func TestRemoveSharedStateCleanupError(t *testing.T) {
	const session = 15
	opts := testOptions(t)
	dir := newOptions(opts).dir
	names := Names(session)

	// A non-empty directory under one of the names cannot be unlinked.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, names.Mutex, "x"), 0700))

	err := RemoveSharedState(session, opts...)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, names.Mutex, cleanupErr.Name)
	assert.False(t, IsTimeout(err))
}

func TestAttachTimeout(t *testing.T) {
	const session = 16

	start := time.Now()
	b, err := New(1, 2, session, testOptions(t, WithAttachTimeout(200*time.Millisecond))...)
	elapsed := time.Since(start)

	assert.Nil(t, b)
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 1, initErr.Rank)
	assert.Equal(t, Names(session).Gate, initErr.Object)
	assert.ErrorIs(t, err, ErrAttachTimeout)
	assert.False(t, IsTimeout(err), "running out of time to attach is an init error")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestAttachWaitsForCreator(t *testing.T) {
	const size = 3
	opts := testOptions(t)

	barriers := make([]*Barrier, size)
	t.Cleanup(func() {
		for i := size - 1; i >= 0; i-- {
			if barriers[i] != nil {
				barriers[i].Close()
			}
		}
	})

	var g errgroup.Group
	for rank := size - 1; rank >= 0; rank-- {
		rank := rank
		g.Go(func() error {
			if rank == 0 {
				time.Sleep(200 * time.Millisecond)
			}
			b, err := New(rank, size, 17, opts...)
			barriers[rank] = b
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.True(t, barriers[0].State().Idle())
}

func TestCreateFailure(t *testing.T) {
	t.Run("missing namespace", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "missing")
		b, err := New(0, 1, 18, WithDir(dir))

		assert.Nil(t, b)
		var initErr *InitError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, "create", initErr.Op)
		assert.Equal(t, Names(18).Gate, initErr.Object)
	})

	t.Run("partial creation is undone", func(t *testing.T) {
		dir := t.TempDir()
		names := Names(19)
		// A non-empty directory cannot be replaced by an object.
		require.NoError(t, os.MkdirAll(filepath.Join(dir, names.TurnstileA, "x"), 0700))

		b, err := New(0, 2, 19, WithDir(dir))

		assert.Nil(t, b)
		var initErr *InitError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, names.TurnstileA, initErr.Object)
		assert.False(t, shm.Exists(dir, names.Gate))
		assert.False(t, shm.Exists(dir, names.Mutex))
		assert.True(t, shm.Exists(dir, names.TurnstileA), "a name it did not create must be left alone")
	})
}

func TestStartupTimeoutKeepsHandles(t *testing.T) {
	b, err := New(0, 2, 20, testOptions(t, WithStartupTimeout(100*time.Millisecond))...)
	require.NotNil(t, b)
	t.Cleanup(func() { b.Close() })

	assert.True(t, IsTimeout(err))
	var initErr *InitError
	assert.False(t, errors.As(err, &initErr))

	st := b.State()
	assert.True(t, st.GateOpen)
	assert.EqualValues(t, 1, st.Counter)
}

func TestInvalidGroup(t *testing.T) {
	tests := []struct {
		name       string
		rank, size int
	}{
		{"empty group", 0, 0},
		{"negative rank", -1, 2},
		{"rank past end", 2, 2},
		{"group too large", 0, math.MaxInt32 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.rank, tt.size, 21, WithDir(t.TempDir()))
			assert.Nil(t, b)
			var initErr *InitError
			require.ErrorAs(t, err, &initErr)
			assert.Equal(t, "validate", initErr.Op)
		})
	}
}

func TestUnlinkAfterStartup(t *testing.T) {
	const session = 22
	opts := testOptions(t, WithUnlinkAfterStartup(true))

	barriers := startGroup(t, 2, session, opts)
	assert.False(t, SharedStateExists(session, opts...))

	err := eachParticipant(barriers, func(b *Barrier) error {
		for r := 0; r < 3; r++ {
			if err := b.Wait(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestClose(t *testing.T) {
	const session = 23
	opts := testOptions(t)

	b, err := New(0, 1, session, opts...)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Rank())
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, session, b.Session())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Wait(), ErrClosed)
	assert.False(t, SharedStateExists(session, opts...), "rank 0 removes the names on Close")
}

func TestInspect(t *testing.T) {
	const session = 24
	opts := testOptions(t)

	_, err := Inspect(session, opts...)
	assert.ErrorIs(t, err, shm.ErrNotReady)

	startGroup(t, 2, session, opts)

	st, err := Inspect(session, opts...)
	require.NoError(t, err)
	assert.True(t, st.Idle())
	assert.True(t, st.GateOpen)
	assert.EqualValues(t, os.Getpid(), st.CreatorPID)
	assert.WithinDuration(t, time.Now(), st.CreatedAt, time.Minute)
}
