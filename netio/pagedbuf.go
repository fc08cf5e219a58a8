package netio

import (
	"golang.org/x/sys/unix"

	"github.com/teranos/loom/errors"
)

const pageSize = 4096

// PagedBuf is an mmap-backed buffer rounded up to whole pages and bracketed
// by PROT_NONE guard pages, so an overrun faults instead of corrupting
// neighbouring allocations.
type PagedBuf struct {
	full []byte // whole mapping including guards
	data []byte // usable window
}

func roundUpToPageSize(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// NewPagedBuf maps a guarded buffer of at least size bytes.
func NewPagedBuf(size int) (*PagedBuf, error) {
	usable := roundUpToPageSize(size)
	total := usable + 2*pageSize

	full, err := unix.Mmap(-1, 0, total, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}

	data := full[pageSize : pageSize+usable]
	if err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		unix.Munmap(full)
		return nil, errors.Wrap(err, "mprotect")
	}

	return &PagedBuf{full: full, data: data}, nil
}

// Bytes returns the usable window.
func (b *PagedBuf) Bytes() []byte { return b.data }

// Size returns the usable capacity in bytes.
func (b *PagedBuf) Size() int { return len(b.data) }

// Grow remaps the buffer to at least newSize bytes, copying used bytes of
// existing content. No-op when the buffer is already large enough.
func (b *PagedBuf) Grow(newSize, used int) error {
	if newSize <= len(b.data) {
		return nil
	}
	nb, err := NewPagedBuf(newSize)
	if err != nil {
		return err
	}
	copy(nb.data, b.data[:used])
	old := b.full
	b.full, b.data = nb.full, nb.data
	return unix.Munmap(old)
}

// Free releases the mapping. The buffer must not be used afterwards.
func (b *PagedBuf) Free() error {
	if b.full == nil {
		return nil
	}
	err := unix.Munmap(b.full)
	b.full, b.data = nil, nil
	return err
}
