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

import "strconv"

// Object name prefixes. The session id is appended in decimal.
const (
	MutexPrefix      = "mutex"
	TurnstileAPrefix = "turnstile1"
	TurnstileBPrefix = "turnstile2"
	CounterPrefix    = "counter"
	GatePrefix       = "tinyBarrier"
)

// ObjectNames holds the names of the five shared objects of one session.
type ObjectNames struct {
	Mutex      string
	TurnstileA string
	TurnstileB string
	Counter    string
	Gate       string
}

// Names derives the object names of a session. Every participant computes
// them independently; nothing is exchanged.
func Names(session int) ObjectNames {
	id := strconv.Itoa(session)
	return ObjectNames{
		Mutex:      MutexPrefix + id,
		TurnstileA: TurnstileAPrefix + id,
		TurnstileB: TurnstileBPrefix + id,
		Counter:    CounterPrefix + id,
		Gate:       GatePrefix + id,
	}
}

// All returns the names in creation order.
func (n ObjectNames) All() []string {
	return []string{n.Gate, n.Mutex, n.TurnstileA, n.TurnstileB, n.Counter}
}
