// Package guestmem provides flat guest RAM addressed by guest physical address.
package guestmem

import (
	"fmt"
	"math"

	"github.com/tinyrange/vits/internal/hv"
)

// RAM is a contiguous block of guest memory mapped at base.
type RAM struct {
	base uint64
	mem  []byte

	release func([]byte) error
}

// New allocates size bytes of guest RAM starting at guest physical address base.
func New(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: zero-size RAM")
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("guestmem: RAM size 0x%x exceeds the host address space", size)
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: RAM at 0x%x size 0x%x overflows", base, size)
	}
	mem, release, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate 0x%x bytes: %w", size, err)
	}
	return &RAM{base: base, mem: mem, release: release}, nil
}

func (r *RAM) MemoryBase() uint64 { return r.base }
func (r *RAM) MemorySize() uint64 { return uint64(len(r.mem)) }

// ReadAt implements io.ReaderAt; off is a guest physical address. Accesses
// that are not entirely backed by RAM fail with hv.ErrMemoryFault and copy
// nothing.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	start, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[start:]), nil
}

// WriteAt implements io.WriterAt; off is a guest physical address.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	start, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[start:], p), nil
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	if r.release != nil {
		return r.release(mem)
	}
	return nil
}

func (r *RAM) window(off int64, n int) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative address %d: %w", off, hv.ErrMemoryFault)
	}
	addr := uint64(off)
	end := addr + uint64(n)
	if addr < r.base || end < addr || end > r.base+uint64(len(r.mem)) {
		return 0, fmt.Errorf("guestmem: access [0x%x-0x%x) outside RAM [0x%x-0x%x): %w",
			addr, end, r.base, r.base+uint64(len(r.mem)), hv.ErrMemoryFault)
	}
	return addr - r.base, nil
}
