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
	"strconv"
	"strings"
)

// SessionFromCommID derives a session id from a "host:port" communicator
// address such as the value of NCCL_COMM_ID: the port is the session id.
// Every process given the same address derives the same session.
func SessionFromCommID(commID string) (int, error) {
	i := strings.LastIndex(commID, ":")
	if i < 0 {
		return 0, fmt.Errorf("rendezvous: comm id %q has no port", commID)
	}
	session, err := strconv.Atoi(commID[i+1:])
	if err != nil {
		return 0, fmt.Errorf("rendezvous: comm id %q: bad port: %w", commID, err)
	}
	if session < 0 {
		return 0, fmt.Errorf("rendezvous: comm id %q: negative port", commID)
	}
	return session, nil
}
