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
	"testing"

	"github.com/stretchr/testify/require"
)

// createTestSemaphore creates a semaphore in a per-test namespace and a
// second, independent mapping of it, the way another process would see it.
// Both mappings are unmapped when the test finishes.
func createTestSemaphore(t *testing.T, initial uint32) (owner, peer *Semaphore) {
	t.Helper()

	dir := t.TempDir()
	owner, err := CreateSemaphore(dir, "sem", initial)
	require.NoError(t, err, "CreateSemaphore")
	t.Cleanup(func() { owner.Close() })

	peer, err = OpenSemaphore(dir, "sem")
	require.NoError(t, err, "OpenSemaphore")
	t.Cleanup(func() { peer.Close() })

	return owner, peer
}

// createTestGate is createTestSemaphore for gates.
func createTestGate(t *testing.T) (owner, peer *Gate) {
	t.Helper()

	dir := t.TempDir()
	owner, err := CreateGate(dir, "gate")
	require.NoError(t, err, "CreateGate")
	t.Cleanup(func() { owner.Close() })

	peer, err = OpenGate(dir, "gate")
	require.NoError(t, err, "OpenGate")
	t.Cleanup(func() { peer.Close() })

	return owner, peer
}
