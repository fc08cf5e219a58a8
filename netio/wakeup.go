package netio

import (
	"golang.org/x/sys/unix"

	"github.com/teranos/loom/errors"
)

// Wakeup is a kernel-level event object backed by an eventfd. Its file
// descriptor can be registered with a poll loop; Notify makes it readable,
// Clear drains it. Multiple Notify calls coalesce into a single wakeup.
type Wakeup struct {
	fd int
}

// NewWakeup creates a non-blocking, close-on-exec eventfd.
func NewWakeup() (*Wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	return &Wakeup{fd: fd}, nil
}

// FD returns the readable handle to register with a poll loop.
func (w *Wakeup) FD() int { return w.fd }

// Notify signals the wakeup. Safe to call from any goroutine. EAGAIN means
// the counter is saturated, i.e. a wakeup is already pending, which counts
// as success.
func (w *Wakeup) Notify() {
	var buf [8]byte
	buf[0] = 1 // little-endian uint64(1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			// Nothing actionable for callers; a missed wakeup surfaces as a
			// stalled loop which the watchdog catches.
			return
		}
		return
	}
}

// Clear drains any pending wakeup value.
func (w *Wakeup) Clear() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Close releases the eventfd.
func (w *Wakeup) Close() error {
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}
