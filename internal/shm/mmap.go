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
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// mapFile maps the first size bytes of file read-write and shared, so
// stores are visible to every process mapping the same file.
func mapFile(file *os.File, size int) (mmap.MMap, error) {
	mem, err := mmap.MapRegion(file, size, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap of %s failed: %w", file.Name(), err)
	}
	return mem, nil
}

// unmapFile unmaps a region returned by mapFile
func unmapFile(mem mmap.MMap) error {
	if len(mem) == 0 {
		return nil
	}
	if err := mem.Unmap(); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
