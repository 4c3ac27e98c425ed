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

// Package rendezvous implements a reusable barrier for a fixed group of
// independent processes on one host.
//
// The processes share nothing but a group size and a session id agreed on
// out of band. From the session id each derives the same five object names
// (see Names): a mutex, two turnstiles, an arrival counter, and a startup
// gate. Rank 0 creates the objects; every other rank attaches to them,
// retrying until they exist. Each Wait call runs a double turnstile: all
// participants count in through the first turnstile and count out through
// the second, so no participant can start round R+1 while another is still
// leaving round R.
//
// A participant that dies inside Wait, or never calls it, blocks the others
// forever. WaitTimeout bounds a single call but does not undo the arrival
// it may already have recorded; after a timeout the group should be torn
// down rather than reused.
//
//	b, err := rendezvous.New(rank, size, session, rendezvous.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//	for step := 0; step < steps; step++ {
//		work(step)
//		if err := b.Wait(); err != nil {
//			return err
//		}
//	}
package rendezvous
