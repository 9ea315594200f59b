package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Event marks the completion of an asynchronous kernel launch.
type Event interface {
	// Wait blocks until the launch completed and returns its error.
	Wait() error
	// Done reports whether the launch completed.
	Done() bool
}

// Allocator hands out device memory for storages.
type Allocator interface {
	// Allocate returns a zeroed, 8-byte aligned buffer of at least n bytes.
	Allocate(n int) ([]byte, error)
	// Free returns a buffer obtained from Allocate.
	Free(b []byte)
	// Stats reports allocation counters.
	Stats() AllocStats
}

// AllocStats is a snapshot of allocator counters.
type AllocStats struct {
	Outstanding int    // allocations handed out and not yet freed
	InUse       uint64 // bytes handed out and not yet freed
	Peak        uint64 // high-water mark of InUse
	Cached      uint64 // bytes parked in the reuse pool
	Capacity    uint64 // byte limit, 0 means unlimited
	Hits        uint64
	Misses      uint64
	Reclaims    uint64
}

// String formats the stats for logs and the CLI.
func (s AllocStats) String() string {
	limit := "unlimited"
	if s.Capacity > 0 {
		limit = humanize.IBytes(s.Capacity)
	}
	return fmt.Sprintf("outstanding=%d in_use=%s peak=%s cached=%s limit=%s hits=%d misses=%d reclaims=%d",
		s.Outstanding, humanize.IBytes(s.InUse), humanize.IBytes(s.Peak), humanize.IBytes(s.Cached),
		limit, s.Hits, s.Misses, s.Reclaims)
}

// Storage is a reference-counted device buffer shared by tensor handles and views.
//
// Besides the bytes it carries the dependency bookkeeping the scheduler needs:
// the event of the last kernel that wrote it and the events of kernels reading it
// since. A storage may also be lazy: its bytes are produced on first Resolve
// (used by the fusion layer to defer element-wise chains).
type Storage struct {
	mu      sync.Mutex
	data    []byte
	nbytes  int
	device  Device
	alloc   Allocator
	refs    atomic.Int32
	writer  Event
	readers []Event

	resolveMu sync.Mutex
	lazy      func() error
	lazyErr   error
	drop      func()
}

// NewStorage allocates nbytes on device from alloc. A nil alloc uses the Go heap.
func NewStorage(nbytes int, device Device, alloc Allocator) (*Storage, error) {
	var data []byte
	if alloc != nil {
		b, err := alloc.Allocate(nbytes)
		if err != nil {
			return nil, err
		}
		data = b[:nbytes]
	} else {
		data = HeapBytes(nbytes)
	}
	s := &Storage{data: data, nbytes: nbytes, device: device, alloc: alloc}
	s.refs.Store(1)
	return s, nil
}

// NewLazyStorage creates a storage whose bytes are produced by produce on first
// Resolve. produce must call Bind on this storage. drop runs if the storage is
// released before it was ever resolved.
func NewLazyStorage(nbytes int, device Device, produce func() error, drop func()) *Storage {
	s := &Storage{nbytes: nbytes, device: device, lazy: produce, drop: drop}
	s.refs.Store(1)
	return s
}

// HeapBytes returns n zeroed bytes backed by 8-byte aligned Go memory.
func HeapBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	//nolint:gosec // unsafe.Slice over a uint64 backing array keeps 8-byte alignment for every dtype
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// Bytes returns the raw bytes without synchronizing.
// Only kernels ordered after the last writer may call it.
func (s *Storage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the storage size in bytes.
func (s *Storage) Len() int { return s.nbytes }

// Device returns the device that owns the storage.
func (s *Storage) Device() Device { return s.device }

// Refs returns the current number of handles referencing the storage.
func (s *Storage) Refs() int { return int(s.refs.Load()) }

// IsLazy reports whether the storage still waits for its producer.
func (s *Storage) IsLazy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lazy != nil
}

func (s *Storage) addRef() {
	s.refs.Add(1)
}

// release decrements the reference count. The last release waits for pending
// kernels touching the storage, then hands the bytes back to the allocator.
func (s *Storage) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.mu.Lock()
	writer := s.writer
	readers := append([]Event(nil), s.readers...)
	drop := s.drop
	unresolved := s.lazy != nil
	s.lazy, s.drop = nil, nil
	s.mu.Unlock()

	if unresolved && drop != nil {
		drop()
	}
	// Queued kernels hold bare pointers, so the bytes stay in place until
	// every one of them finished.
	if writer != nil {
		_ = writer.Wait()
	}
	for _, r := range readers {
		_ = r.Wait()
	}

	s.mu.Lock()
	data, alloc := s.data, s.alloc
	s.data, s.alloc, s.writer, s.readers = nil, nil, nil, nil
	s.mu.Unlock()
	if alloc != nil && data != nil {
		alloc.Free(data)
	}
}

// Resolve runs the lazy producer if the storage has not been produced yet.
// It does not wait for the producing kernel to finish.
func (s *Storage) Resolve() error {
	s.mu.Lock()
	pending, err := s.lazy != nil, s.lazyErr
	s.mu.Unlock()
	if err != nil || !pending {
		return err
	}

	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()
	s.mu.Lock()
	produce, err := s.lazy, s.lazyErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if produce == nil {
		return nil
	}
	if err := produce(); err != nil {
		s.mu.Lock()
		s.lazyErr = err
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lazy != nil {
		return errors.New("lazy storage producer did not bind data")
	}
	return nil
}

// Sync resolves the storage and blocks until its last writer completed.
// This is the synchronizing point for host reads.
func (s *Storage) Sync() error {
	if err := s.Resolve(); err != nil {
		return err
	}
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Wait()
}

// Bind moves the bytes, allocator and pending writer of src into this lazy storage.
// src is left empty and frees nothing when released.
func (s *Storage) Bind(src *Storage) error {
	if src.nbytes != s.nbytes {
		return errors.Errorf("bind: size %d does not match lazy storage size %d", src.nbytes, s.nbytes)
	}
	src.mu.Lock()
	data, alloc, writer, readers := src.data, src.alloc, src.writer, src.readers
	src.data, src.alloc, src.writer, src.readers = nil, nil, nil, nil
	src.mu.Unlock()

	s.mu.Lock()
	s.data, s.alloc, s.writer, s.readers = data, alloc, writer, readers
	s.lazy, s.drop = nil, nil
	s.mu.Unlock()
	return nil
}

// LastWriter returns the event of the last kernel writing the storage, or nil.
func (s *Storage) LastWriter() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil && s.writer.Done() {
		// Keep completed events only if they failed; their error must surface on Sync.
		if s.writer.Wait() == nil {
			s.writer = nil
		}
	}
	return s.writer
}

// PendingReaders returns the events of readers that have not completed yet.
func (s *Storage) PendingReaders() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneReadersLocked()
	out := make([]Event, len(s.readers))
	copy(out, s.readers)
	return out
}

// RecordWrite makes e the last writer. Readers recorded so far are ordered
// before e by the caller and are dropped.
func (s *Storage) RecordWrite(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = e
	s.readers = s.readers[:0]
}

// RecordRead registers e as a reader of the current contents.
func (s *Storage) RecordRead(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneReadersLocked()
	s.readers = append(s.readers, e)
}

func (s *Storage) pruneReadersLocked() {
	live := s.readers[:0]
	for _, r := range s.readers {
		if !r.Done() {
			live = append(live, r)
		}
	}
	s.readers = live
}
