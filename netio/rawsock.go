package netio

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/teranos/loom/errors"
)

// RawSocket is a thin ownership wrapper around an OS socket handle. It never
// dispatches callbacks; Socket layers the event state machine on top.
type RawSocket struct {
	fd          int
	family      SockFamily
	typ         SockType
	blocking    bool
	txTimeoutMS uint32
}

// NewRawSocket creates a close-on-exec socket of the given family and type.
// Inet sockets get SO_REUSEADDR and, for streams, TCP_NODELAY.
func NewRawSocket(family SockFamily, typ SockType) (*RawSocket, error) {
	fd, err := unix.Socket(rawFamily(family), rawType(typ)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "socket(%s)", family)
	}
	s := &RawSocket{fd: fd, family: family, typ: typ, blocking: true}

	if family == FamilyInet || family == FamilyInet6 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "SO_REUSEADDR")
		}
		if typ == TypeStream {
			// Optimize for low latency over small writes.
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
	}
	return s, nil
}

// AdoptRawSocket wraps an already-open descriptor (e.g. from accept).
func AdoptRawSocket(fd int, family SockFamily, typ SockType) *RawSocket {
	return &RawSocket{fd: fd, family: family, typ: typ, blocking: true}
}

// NewRawSocketPair returns a connected pair (unix families only).
func NewRawSocketPair(family SockFamily, typ SockType) (*RawSocket, *RawSocket, error) {
	fds, err := unix.Socketpair(rawFamily(family), rawType(typ)|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "socketpair")
	}
	return AdoptRawSocket(fds[0], family, typ), AdoptRawSocket(fds[1], family, typ), nil
}

// FD returns the underlying descriptor, -1 if released or closed.
func (s *RawSocket) FD() int { return s.fd }

// Valid reports whether the socket still owns a descriptor.
func (s *RawSocket) Valid() bool { return s != nil && s.fd >= 0 }

// Family returns the socket's address family.
func (s *RawSocket) Family() SockFamily { return s.family }

// Type returns the socket's type.
func (s *RawSocket) Type() SockType { return s.typ }

// ReleaseFD transfers descriptor ownership to the caller.
func (s *RawSocket) ReleaseFD() int {
	fd := s.fd
	s.fd = -1
	return fd
}

// SetBlocking toggles O_NONBLOCK.
func (s *RawSocket) SetBlocking(blocking bool) {
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if blocking {
		flags &^= unix.O_NONBLOCK
	} else {
		flags |= unix.O_NONBLOCK
	}
	if _, err := unix.FcntlInt(uintptr(s.fd), unix.F_SETFL, flags); err == nil {
		s.blocking = blocking
	}
}

// Bind binds to an address string formatted per the socket family.
func (s *RawSocket) Bind(name string) error {
	sa, err := makeSockaddr(s.family, name)
	if err != nil {
		return err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		if err == unix.EADDRINUSE {
			return errors.Wrapf(errors.ErrAddressInUse, "bind(%s)", name)
		}
		return errors.Wrapf(err, "bind(%s)", name)
	}
	return nil
}

// Listen starts accepting with the kernel's maximum backlog.
func (s *RawSocket) Listen() error {
	if err := unix.Listen(s.fd, unix.SOMAXCONN); err != nil {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// Connect initiates a connection. done=true means the socket is connected;
// done=false with nil error means the connect continues asynchronously and
// the caller must await writability.
func (s *RawSocket) Connect(name string) (done bool, err error) {
	sa, err := makeSockaddr(s.family, name)
	if err != nil {
		return false, err
	}
	switch err := unix.Connect(s.fd, sa); err {
	case nil:
		return true, nil
	case unix.EINPROGRESS:
		return false, nil
	default:
		return false, errors.Wrapf(err, "connect(%s)", name)
	}
}

// SendAll writes the whole buffer, passing fds as SCM_RIGHTS with the first
// chunk. In blocking mode with a tx timeout, EAGAIN polls for writability
// until the deadline. The returned count may be short if the peer closed
// mid-write.
func (s *RawSocket) SendAll(buf []byte, fds ...int) (int, error) {
	var rights []byte
	if len(fds) > 0 {
		if s.family != FamilyUnix {
			return 0, errors.Wrap(errors.ErrAddressUnusable, "fd passing requires a unix socket")
		}
		rights = unix.UnixRights(fds...)
	}

	blockingWithTimeout := s.blocking && s.txTimeoutMS > 0
	deadline := time.Now().Add(time.Duration(s.txTimeoutMS) * time.Millisecond)

	sendFlags := unix.MSG_NOSIGNAL
	if blockingWithTimeout {
		sendFlags |= unix.MSG_DONTWAIT
	}

	total := 0
	for total < len(buf) {
		n, err := unix.SendmsgN(s.fd, buf[total:], rights, nil, sendFlags)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if blockingWithTimeout && s.pollWritable(deadline) {
				continue
			}
			return total, nil
		case err != nil:
			return total, errors.Wrap(err, "sendmsg")
		}
		total += n
		// Ancillary data rides only on the first chunk.
		rights = nil
	}
	return total, nil
}

// pollWritable waits for tx buffer space up to the deadline.
func (s *RawSocket) pollWritable(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(pfd, int(remaining/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		return err == nil && n > 0
	}
}

// Receive reads into buf, accepting up to maxFiles passed descriptors.
// Returns the passed fds; on truncation every passed fd is closed and
// ErrMessageSize returned. n == 0 with a nil error means the peer closed.
// EAGAIN is surfaced as-is for the non-blocking caller.
func (s *RawSocket) Receive(buf []byte, maxFiles int) (n int, files []int, err error) {
	var oob []byte
	if maxFiles > 0 {
		oob = make([]byte, unix.CmsgSpace(maxFiles*4))
	}

	var oobn, recvflags int
	for {
		n, oobn, recvflags, _, err = unix.Recvmsg(s.fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return 0, nil, err
	}

	if oobn > 0 {
		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, cmsg := range cmsgs {
				if fds, perr := unix.ParseUnixRights(&cmsg); perr == nil {
					files = append(files, fds...)
				}
			}
		}
	}

	if recvflags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		for _, fd := range files {
			unix.Close(fd)
		}
		return 0, nil, errors.Wrap(errors.ErrMessageSize, "recvmsg")
	}

	if maxFiles >= 0 && len(files) > maxFiles {
		for _, fd := range files[maxFiles:] {
			unix.Close(fd)
		}
		files = files[:maxFiles]
	}
	return n, files, nil
}

// SendTo transmits one datagram to the given address.
func (s *RawSocket) SendTo(buf []byte, addr string) error {
	sa, err := makeSockaddr(s.family, addr)
	if err != nil {
		return err
	}
	if err := unix.Sendto(s.fd, buf, unix.MSG_NOSIGNAL, sa); err != nil {
		return errors.Wrapf(err, "sendto(%s)", addr)
	}
	return nil
}

// RecvFrom receives one datagram and the sender's formatted address.
// Surfaces EAGAIN as-is for non-blocking callers.
func (s *RawSocket) RecvFrom(buf []byte) (int, string, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, "", err
		}
		return n, formatSockaddr(from), nil
	}
}

// SetTxTimeout stores the send timeout used by SendAll's poll loop and also
// applies SO_SNDTIMEO so connect() honours it.
func (s *RawSocket) SetTxTimeout(timeoutMS uint32) error {
	s.txTimeoutMS = timeoutMS
	tv := unix.NsecToTimeval(int64(timeoutMS) * int64(time.Millisecond))
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return errors.Wrap(err, "SO_SNDTIMEO")
	}
	return nil
}

// SetRxTimeout applies SO_RCVTIMEO.
func (s *RawSocket) SetRxTimeout(timeoutMS uint32) error {
	tv := unix.NsecToTimeval(int64(timeoutMS) * int64(time.Millisecond))
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return errors.Wrap(err, "SO_RCVTIMEO")
	}
	return nil
}

// SockAddr returns the local address formatted per family, empty on error.
func (s *RawSocket) SockAddr() string {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return ""
	}
	return formatSockaddr(sa)
}

// Shutdown performs a bidirectional shutdown and closes the descriptor.
func (s *RawSocket) Shutdown() {
	if s.fd < 0 {
		return
	}
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	s.Close()
}

// Close releases the descriptor without shutting the connection down.
func (s *RawSocket) Close() {
	if s.fd < 0 {
		return
	}
	_ = unix.Close(s.fd)
	s.fd = -1
}
