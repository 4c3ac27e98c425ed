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
	"time"

	"github.com/rkamd/rccl/internal/shm"
	"go.uber.org/zap"
)

const (
	// DefaultAttachTimeout bounds how long a non-creator waits for the
	// shared objects to appear.
	DefaultAttachTimeout = 20 * time.Second

	// DefaultStartupTimeout bounds the round every participant runs at the
	// end of New.
	DefaultStartupTimeout = 20 * time.Second

	defaultPollInterval    = time.Millisecond
	defaultMaxPollInterval = 50 * time.Millisecond
)

type options struct {
	logger             *zap.Logger
	dir                string
	attachTimeout      time.Duration
	startupTimeout     time.Duration
	pollInterval       time.Duration
	maxPollInterval    time.Duration
	unlinkAfterStartup bool
	removeOnClose      bool
}

// Option configures New, RemoveSharedState and Inspect.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:          zap.NewNop(),
		attachTimeout:   DefaultAttachTimeout,
		startupTimeout:  DefaultStartupTimeout,
		pollInterval:    defaultPollInterval,
		maxPollInterval: defaultMaxPollInterval,
		removeOnClose:   true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		o.dir = shm.DefaultDir()
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDir sets the namespace directory holding the shared objects. All
// participants of a session must use the same directory. The default is
// /dev/shm, or the temporary directory where /dev/shm does not exist.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithAttachTimeout bounds how long a non-creator waits for rank 0 to
// create the shared objects.
func WithAttachTimeout(d time.Duration) Option {
	return func(o *options) {
		o.attachTimeout = d
	}
}

// WithStartupTimeout bounds the startup round run at the end of New.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) {
		o.startupTimeout = d
	}
}

// WithPollInterval sets the first and the largest delay between attempts
// to open an object that does not exist yet. The delay doubles after every
// attempt.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.pollInterval = initial
		}
		if maxInterval >= o.pollInterval {
			o.maxPollInterval = maxInterval
		}
	}
}

// WithUnlinkAfterStartup makes rank 0 remove the object names as soon as
// the startup round completes. Every participant already holds a mapping
// by then, so the barrier keeps working and nothing is left behind in the
// namespace if a participant later crashes.
func WithUnlinkAfterStartup(unlink bool) Option {
	return func(o *options) {
		o.unlinkAfterStartup = unlink
	}
}

// WithRemoveOnClose controls whether Close on rank 0 removes the object
// names. It defaults to true.
func WithRemoveOnClose(remove bool) Option {
	return func(o *options) {
		o.removeOnClose = remove
	}
}
