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

package shm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStartsClosed(t *testing.T) {
	_, peer := createTestGate(t)

	assert.False(t, peer.IsOpen())
	err := peer.WaitDeadline(time.Now().Add(50 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGateOpenReleasesAllWaiters(t *testing.T) {
	owner, peer := createTestGate(t)

	const waiters = 5
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- peer.WaitDeadline(time.Now().Add(5 * time.Second))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, owner.Open())
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, peer.IsOpen())

	// Stays open
	require.NoError(t, peer.WaitDeadline(time.Now()))
}
