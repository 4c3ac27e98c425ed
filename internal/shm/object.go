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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// Memory layout constants
const (
	// Magic bytes for object identification
	ObjectMagic = "RDVSHM\x00\x00"

	// Current layout version
	ObjectVersion = uint32(1)

	// Object header size (aligned to 64 bytes)
	HeaderSize = 64

	// Payload size; every primitive fits in one cache line
	PayloadSize = 64

	// ObjectSize is the size of the backing file of every object.
	ObjectSize = HeaderSize + PayloadSize
)

var (
	// ErrNotReady is returned by Open when the object does not exist yet or
	// its creator has not finished initializing it. Callers attaching to
	// objects created by another process retry on this error.
	ErrNotReady = errors.New("shm: object not ready")

	// ErrInvalidObject is returned by Open when the file exists but does not
	// hold an object of the expected kind and version.
	ErrInvalidObject = errors.New("shm: invalid object")
)

// Kind identifies what a shared object's payload holds.
type Kind uint32

const (
	KindSemaphore Kind = iota + 1
	KindCounter
	KindGate
)

func (k Kind) String() string {
	switch k {
	case KindSemaphore:
		return "semaphore"
	case KindCounter:
		return "counter"
	case KindGate:
		return "gate"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// ObjectHeader is the header at offset 0 of every shared object.
type ObjectHeader struct {
	magic      [8]byte  // 0x00: "RDVSHM\0\0"
	version    uint32   // 0x08: layout version
	kind       uint32   // 0x0C: payload kind
	creatorPID uint32   // 0x10: creating process ID
	ready      uint32   // 0x14: 0 until the creator published the object
	createdAt  int64    // 0x18: creation time, unix nanoseconds
	reserved   [32]byte // 0x20-0x3F: reserved/padding to 64B
}

// Magic returns the magic bytes
func (h *ObjectHeader) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *ObjectHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// Kind returns the payload kind
func (h *ObjectHeader) Kind() Kind {
	return Kind(atomic.LoadUint32(&h.kind))
}

// CreatorPID returns the process ID of the creator
func (h *ObjectHeader) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.creatorPID)
}

// Ready reports whether the creator published the object
func (h *ObjectHeader) Ready() bool {
	return atomic.LoadUint32(&h.ready) != 0
}

// CreatedAt returns the creation time
func (h *ObjectHeader) CreatedAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&h.createdAt))
}

func (h *ObjectHeader) init(kind Kind) {
	copy(h.magic[:], ObjectMagic)
	atomic.StoreUint32(&h.version, ObjectVersion)
	atomic.StoreUint32(&h.kind, uint32(kind))
	atomic.StoreUint32(&h.creatorPID, uint32(os.Getpid()))
	atomic.StoreInt64(&h.createdAt, time.Now().UnixNano())
}

// validate checks the header of an object someone else created. Ready is
// checked first: the magic and kind are only meaningful once it is set.
func (h *ObjectHeader) validate(kind Kind) error {
	if !h.Ready() {
		return ErrNotReady
	}
	if string(h.magic[:]) != ObjectMagic {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidObject, h.magic[:])
	}
	if h.Version() != ObjectVersion {
		return fmt.Errorf("%w: unsupported version %d, expected %d", ErrInvalidObject, h.Version(), ObjectVersion)
	}
	if h.Kind() != kind {
		return fmt.Errorf("%w: object is a %v, expected a %v", ErrInvalidObject, h.Kind(), kind)
	}
	return nil
}

// Object is one named shared memory object mapped into this process.
// The mapping outlives the file descriptor, which is closed as soon as
// the object is mapped.
type Object struct {
	Name string // Name in the namespace directory
	Path string // Full path of the backing file
	mem  mmap.MMap
	info os.FileInfo
}

// DefaultDir returns the namespace directory used when none is given:
// /dev/shm when it exists, the temporary directory otherwise.
func DefaultDir() string {
	if isDevShmAvailable() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Create creates the object name in dir. A file already under that name is
// unlinked first, so the object always gets a fresh file: processes still
// mapping the old one keep a valid mapping and can tell it was replaced.
// The returned object is not visible to Open until Publish is called.
func Create(dir, name string, kind Kind) (*Object, error) {
	path := filepath.Join(dir, name)

	if err := Remove(dir, name); err != nil {
		return nil, fmt.Errorf("failed to replace object %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create object %s: %w", path, err)
	}
	defer file.Close()

	// Ensure cleanup on error
	cleanup := func() {
		os.Remove(path)
	}

	if err := file.Truncate(ObjectSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize object file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to stat object file %s: %w", path, err)
	}

	mem, err := mapFile(file, ObjectSize)
	if err != nil {
		cleanup()
		return nil, err
	}

	o := &Object{Name: name, Path: path, mem: mem, info: info}
	o.Header().init(kind)
	return o, nil
}

// Open maps an object created by another participant. It returns an error
// wrapping ErrNotReady while the object is missing or still being built.
func Open(dir, name string, kind Kind) (*Object, error) {
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return nil, fmt.Errorf("failed to open object %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat object file %s: %w", path, err)
	}
	if info.Size() < ObjectSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrNotReady, path, info.Size())
	}

	mem, err := mapFile(file, ObjectSize)
	if err != nil {
		return nil, err
	}

	o := &Object{Name: name, Path: path, mem: mem, info: info}
	if err := o.Header().validate(kind); err != nil {
		o.Close()
		return nil, fmt.Errorf("object %s: %w", path, err)
	}
	return o, nil
}

// Header returns the object's header in shared memory.
func (o *Object) Header() *ObjectHeader {
	return (*ObjectHeader)(unsafe.Pointer(&o.mem[0]))
}

// payload returns a pointer to the object's state in shared memory.
func (o *Object) payload() unsafe.Pointer {
	return unsafe.Pointer(&o.mem[HeaderSize])
}

// Publish marks the object as fully initialized.
func (o *Object) Publish() {
	atomic.StoreUint32(&o.Header().ready, 1)
}

// Replaced reports whether Path now names a different file than the one
// mapped, that is, whether a creator replaced the object since it was
// opened. A name that is gone does not count as replaced.
func (o *Object) Replaced() bool {
	info, err := os.Stat(o.Path)
	if err != nil {
		return false
	}
	return !os.SameFile(o.info, info)
}

// Close unmaps the object. The name stays in the namespace until Remove.
func (o *Object) Close() error {
	if o == nil || o.mem == nil {
		return nil
	}
	err := unmapFile(o.mem)
	o.mem = nil
	return err
}

// Remove unlinks name from dir. Removing a name that is already gone is
// not an error.
func Remove(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether name is present in dir.
func Exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
