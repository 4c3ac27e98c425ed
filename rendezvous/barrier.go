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
	"sync/atomic"
	"time"

	"github.com/rkamd/rccl/internal/shm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Barrier is one participant's handle on a session's barrier.
//
// A Barrier represents exactly one participant: Wait must not be called
// from several goroutines at once, and Close must not race with Wait.
type Barrier struct {
	rank    int
	size    int
	session int
	names   ObjectNames
	opts    options
	logger  *zap.Logger

	gate       *shm.Gate
	mutex      *shm.Semaphore
	turnstileA *shm.Semaphore
	turnstileB *shm.Semaphore
	counter    *shm.Counter

	// watchReplaced is set while a non-creator runs the startup round. Its
	// waits then wake up periodically to check for replaced objects.
	watchReplaced bool

	unlinked bool
	closed   atomic.Bool
}

// New joins the barrier of session as participant rank of a group of size.
//
// Rank 0 creates the shared objects, replacing any left over under the same
// names with new files; the other ranks wait up to the attach timeout for
// them to appear. All ranks then run one startup round bounded by the
// startup timeout. A non-creator that attached to leftover objects before
// rank 0 replaced them notices the replacement and attaches again.
//
// Failures to create or open the objects are returned as *InitError and no
// Barrier. If only the startup round times out, New returns the Barrier
// together with an error matching ErrTimeout: the handles stay valid and
// the caller decides whether to keep going or Close.
func New(rank, size, session int, opts ...Option) (*Barrier, error) {
	o := newOptions(opts)

	if size < 1 || size > math.MaxInt32 {
		return nil, &InitError{Rank: rank, Op: "validate", Err: fmt.Errorf("group size %d out of range [1, %d]", size, math.MaxInt32)}
	}
	if rank < 0 || rank >= size {
		return nil, &InitError{Rank: rank, Op: "validate", Err: fmt.Errorf("rank %d out of range [0, %d)", rank, size)}
	}

	b := &Barrier{
		rank:    rank,
		size:    size,
		session: session,
		names:   Names(session),
		opts:    o,
		logger: o.logger.Named("rendezvous").With(
			zap.Int("rank", rank),
			zap.Int("size", size),
			zap.Int("session", session),
		),
	}

	var err error
	if rank == 0 {
		err = b.create()
	} else {
		err = b.attach()
	}
	if err != nil {
		b.logger.Error("failed to set up shared objects", zap.Error(err))
		return nil, err
	}

	// A non-creator may have attached to objects left behind by an earlier
	// run before rank 0 replaced them. It then attaches again and repeats
	// the startup round on the new objects.
	b.watchReplaced = rank != 0
	for {
		err = b.WaitTimeout(o.startupTimeout)
		if rank == 0 || !(errors.Is(err, errReplaced) || (err == nil && b.replacedObject() != "")) {
			break
		}
		b.logger.Info("shared objects were replaced by the creator, attaching again", zap.Error(err))
		b.closeHandles()
		if err := b.attach(); err != nil {
			b.logger.Error("failed to set up shared objects", zap.Error(err))
			return nil, err
		}
	}
	b.watchReplaced = false

	if err != nil {
		b.logger.Warn("startup round did not complete", zap.Duration("timeout", o.startupTimeout), zap.Error(err))
		return b, fmt.Errorf("rendezvous: rank %d startup round: %w", rank, err)
	}

	if rank == 0 && o.unlinkAfterStartup {
		if err := removeObjects(o.dir, b.names, b.logger); err != nil {
			b.logger.Warn("failed to unlink shared objects after startup", zap.Error(err))
		} else {
			b.unlinked = true
		}
	}

	b.logger.Debug("barrier ready", zap.String("dir", o.dir))
	return b, nil
}

// create builds every object fresh. The gate is created first and opened
// last, so a participant that sees it open knows the rest is usable.
func (b *Barrier) create() (err error) {
	dir := b.opts.dir
	var created []string

	defer func() {
		if err == nil {
			return
		}
		b.closeHandles()
		for _, name := range created {
			if rerr := shm.Remove(dir, name); rerr != nil {
				b.logger.Warn("failed to remove partially created object", zap.String("object", name), zap.Error(rerr))
			}
		}
	}()

	step := func(name string, f func() error) error {
		if err := f(); err != nil {
			return &InitError{Rank: b.rank, Object: name, Op: "create", Err: err}
		}
		created = append(created, name)
		return nil
	}

	if err := step(b.names.Gate, func() (err error) {
		b.gate, err = shm.CreateGate(dir, b.names.Gate)
		return err
	}); err != nil {
		return err
	}
	if err := step(b.names.Mutex, func() (err error) {
		b.mutex, err = shm.CreateSemaphore(dir, b.names.Mutex, 1)
		return err
	}); err != nil {
		return err
	}
	if err := step(b.names.TurnstileA, func() (err error) {
		b.turnstileA, err = shm.CreateSemaphore(dir, b.names.TurnstileA, 0)
		return err
	}); err != nil {
		return err
	}
	if err := step(b.names.TurnstileB, func() (err error) {
		b.turnstileB, err = shm.CreateSemaphore(dir, b.names.TurnstileB, 0)
		return err
	}); err != nil {
		return err
	}
	if err := step(b.names.Counter, func() (err error) {
		b.counter, err = shm.CreateCounter(dir, b.names.Counter)
		return err
	}); err != nil {
		return err
	}

	if err := b.gate.Open(); err != nil {
		return &InitError{Rank: b.rank, Object: b.names.Gate, Op: "open gate", Err: err}
	}
	b.logger.Debug("created shared objects", zap.String("dir", dir))
	return nil
}

// attach opens the objects rank 0 creates, polling until they appear or the
// attach timeout runs out. A set of handles in which some object has since
// been replaced is dropped and opened again.
func (b *Barrier) attach() error {
	deadline := time.Now().Add(b.opts.attachTimeout)
	for {
		if err := b.open(deadline); err != nil {
			b.closeHandles()
			return err
		}
		name := b.replacedObject()
		if name == "" {
			return nil
		}
		b.closeHandles()
		if time.Until(deadline) <= 0 {
			return &InitError{Rank: b.rank, Object: name, Op: "open", Err: fmt.Errorf("%w: object keeps being replaced", ErrAttachTimeout)}
		}
		b.logger.Debug("shared object replaced while attaching", zap.String("object", name))
	}
}

func (b *Barrier) open(deadline time.Time) error {
	dir := b.opts.dir

	if err := b.poll(b.names.Gate, deadline, func() (err error) {
		b.gate, err = shm.OpenGate(dir, b.names.Gate)
		return err
	}); err != nil {
		return err
	}
	if err := b.gate.WaitDeadline(deadline); err != nil {
		if errors.Is(err, shm.ErrTimeout) {
			err = ErrAttachTimeout
		}
		return &InitError{Rank: b.rank, Object: b.names.Gate, Op: "wait for gate", Err: err}
	}

	if err := b.poll(b.names.Mutex, deadline, func() (err error) {
		b.mutex, err = shm.OpenSemaphore(dir, b.names.Mutex)
		return err
	}); err != nil {
		return err
	}
	if err := b.poll(b.names.TurnstileA, deadline, func() (err error) {
		b.turnstileA, err = shm.OpenSemaphore(dir, b.names.TurnstileA)
		return err
	}); err != nil {
		return err
	}
	if err := b.poll(b.names.TurnstileB, deadline, func() (err error) {
		b.turnstileB, err = shm.OpenSemaphore(dir, b.names.TurnstileB)
		return err
	}); err != nil {
		return err
	}
	if err := b.poll(b.names.Counter, deadline, func() (err error) {
		b.counter, err = shm.OpenCounter(dir, b.names.Counter)
		return err
	}); err != nil {
		return err
	}

	b.logger.Debug("attached to shared objects", zap.String("dir", dir))
	return nil
}

// poll calls open until it succeeds, fails with anything but
// shm.ErrNotReady, or deadline passes. The delay between attempts doubles
// up to the configured maximum.
func (b *Barrier) poll(name string, deadline time.Time, open func() error) error {
	delay := b.opts.pollInterval
	for attempt := 1; ; attempt++ {
		err := open()
		if err == nil {
			return nil
		}
		if !errors.Is(err, shm.ErrNotReady) {
			return &InitError{Rank: b.rank, Object: name, Op: "open", Err: err}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &InitError{
				Rank:   b.rank,
				Object: name,
				Op:     "open",
				Err:    fmt.Errorf("%w after %d attempts: %v", ErrAttachTimeout, attempt, err),
			}
		}
		if attempt == 1 {
			b.logger.Debug("waiting for shared object", zap.String("object", name))
		}

		time.Sleep(min(delay, remaining))
		delay = min(delay*2, b.opts.maxPollInterval)
	}
}

// Wait blocks until every participant of the group has called Wait for the
// same round. It has no timeout; it returns an error only if the barrier is
// closed or the underlying primitives fail.
func (b *Barrier) Wait() error {
	return b.wait(time.Time{})
}

// WaitTimeout is Wait bounded by timeout. The deadline is fixed on entry
// and shared by both phases, so the whole call is bounded, not each phase.
//
// On timeout the returned error matches ErrTimeout and the shared state is
// left as the interrupted phase left it: an arrival already counted is not
// taken back, so the remaining participants of that round can no longer
// all be released together.
func (b *Barrier) WaitTimeout(timeout time.Duration) error {
	return b.wait(time.Now().Add(timeout))
}

func (b *Barrier) wait(deadline time.Time) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.arrive(deadline); err != nil {
		return err
	}
	return b.depart(deadline)
}

// arrive is the first phase: count in, and the last to arrive releases one
// turnstile A credit per participant.
func (b *Barrier) arrive(deadline time.Time) error {
	if err := b.acquire(b.mutex, "arrival", b.names.Mutex, deadline); err != nil {
		return err
	}
	var postErr error
	if b.counter.Add(1) == int32(b.size) {
		postErr = b.turnstileA.Post(b.size)
	}
	if err := multierr.Append(postErr, b.mutex.Post(1)); err != nil {
		return fmt.Errorf("rendezvous: arrival phase: %w", err)
	}
	return b.acquire(b.turnstileA, "arrival", b.names.TurnstileA, deadline)
}

// depart is the second phase: count out, and the last to leave releases one
// turnstile B credit per participant. Nobody gets past turnstile B until
// everybody has left turnstile A, which keeps a fast participant's next
// arrival from taking a credit meant for this round.
func (b *Barrier) depart(deadline time.Time) error {
	if err := b.acquire(b.mutex, "departure", b.names.Mutex, deadline); err != nil {
		return err
	}
	var postErr error
	if b.counter.Add(-1) == 0 {
		postErr = b.turnstileB.Post(b.size)
	}
	if err := multierr.Append(postErr, b.mutex.Post(1)); err != nil {
		return fmt.Errorf("rendezvous: departure phase: %w", err)
	}
	return b.acquire(b.turnstileB, "departure", b.names.TurnstileB, deadline)
}

func (b *Barrier) acquire(sem *shm.Semaphore, phase, name string, deadline time.Time) error {
	for {
		until := deadline
		if b.watchReplaced {
			if next := time.Now().Add(b.opts.maxPollInterval); until.IsZero() || next.Before(until) {
				until = next
			}
		}

		err := sem.WaitDeadline(until)
		if err == nil {
			return nil
		}
		if errors.Is(err, shm.ErrTimeout) && !until.Equal(deadline) {
			if replaced := b.replacedObject(); replaced != "" {
				return fmt.Errorf("rendezvous: %s phase: %s: %w", phase, replaced, errReplaced)
			}
			continue
		}
		if errors.Is(err, shm.ErrTimeout) {
			b.logger.Warn("barrier wait timed out",
				zap.String("phase", phase),
				zap.String("object", name),
				zap.Int32("counter", b.counter.Load()),
			)
			return fmt.Errorf("rendezvous: %s phase timed out on %s: %w", phase, name, ErrTimeout)
		}
		return fmt.Errorf("rendezvous: %s phase wait on %s: %w", phase, name, err)
	}
}

// replacedObject returns the name of the first mapped object whose name
// now refers to a different file, or "" if there is none.
func (b *Barrier) replacedObject() string {
	for _, obj := range b.objects() {
		if obj.Replaced() {
			return obj.Name
		}
	}
	return ""
}

func (b *Barrier) objects() []*shm.Object {
	var objs []*shm.Object
	if b.gate != nil {
		objs = append(objs, b.gate.Object())
	}
	for _, sem := range []*shm.Semaphore{b.mutex, b.turnstileA, b.turnstileB} {
		if sem != nil {
			objs = append(objs, sem.Object())
		}
	}
	if b.counter != nil {
		objs = append(objs, b.counter.Object())
	}
	return objs
}

// Rank returns this participant's index in the group.
func (b *Barrier) Rank() int {
	return b.rank
}

// Size returns the number of participants in the group.
func (b *Barrier) Size() int {
	return b.size
}

// Session returns the session id the object names are derived from.
func (b *Barrier) Session() int {
	return b.session
}

// State returns a snapshot of the shared state as this participant sees it.
// The fields are read one at a time and may be mutually inconsistent while
// other participants are inside Wait.
func (b *Barrier) State() State {
	return snapshot(b.gate, b.mutex, b.turnstileA, b.turnstileB, b.counter)
}

// Close releases this participant's mappings. On rank 0 it also removes the
// object names unless WithRemoveOnClose(false) was given; a failure to
// remove is logged and returned as *CleanupError but the mappings are
// released regardless. Close is idempotent.
func (b *Barrier) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := b.closeHandles()
	if b.rank == 0 && b.opts.removeOnClose && !b.unlinked {
		err = multierr.Append(err, removeObjects(b.opts.dir, b.names, b.logger))
		b.unlinked = true
	}
	b.logger.Debug("barrier closed", zap.Error(err))
	return err
}

// closeHandles unmaps every object mapped so far and forgets the handles.
func (b *Barrier) closeHandles() error {
	var err error
	if b.gate != nil {
		err = multierr.Append(err, b.gate.Close())
	}
	if b.mutex != nil {
		err = multierr.Append(err, b.mutex.Close())
	}
	if b.turnstileA != nil {
		err = multierr.Append(err, b.turnstileA.Close())
	}
	if b.turnstileB != nil {
		err = multierr.Append(err, b.turnstileB.Close())
	}
	if b.counter != nil {
		err = multierr.Append(err, b.counter.Close())
	}
	b.gate, b.mutex, b.turnstileA, b.turnstileB, b.counter = nil, nil, nil, nil, nil
	return err
}
