package netio

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/teranos/loom/logger"
)

// TaskRunner is the slice of the task-runner surface the network stack
// needs. *tasks.Loop and *tasks.ThreadRunner satisfy it.
type TaskRunner interface {
	PostTask(f func())
	PostDelayedTask(f func(), delayMS uint32)
	AddFDWatch(fd int, f func())
	RemoveFDWatch(fd int)
}

// SocketState tracks the adapter's connection lifecycle.
type SocketState int32

const (
	StateDisconnected SocketState = iota
	StateConnecting
	StateConnected
	StateListening
)

func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	}
	return "disconnected"
}

// EventListener receives socket events on the owning task runner's thread.
// No method is ever invoked after the socket's Close returns.
type EventListener interface {
	// OnNewIncomingConnection hands ownership of an accepted child socket
	// to the listener.
	OnNewIncomingConnection(self *Socket, child *Socket)

	// OnConnect reports the outcome of a Connect attempt.
	OnConnect(self *Socket, connected bool)

	// OnDisconnect fires once when a connected socket goes away.
	OnDisconnect(self *Socket)

	// OnDataAvailable fires when the socket is readable; the listener is
	// expected to call Receive.
	OnDataAvailable(self *Socket)
}

// BaseEventListener provides no-op defaults so listeners implement only
// what they care about.
type BaseEventListener struct{}

func (BaseEventListener) OnNewIncomingConnection(*Socket, *Socket) {}
func (BaseEventListener) OnConnect(*Socket, bool)                 {}
func (BaseEventListener) OnDisconnect(*Socket)                    {}
func (BaseEventListener) OnDataAvailable(*Socket)                 {}

// Socket binds a RawSocket to a task runner and dispatches the non-blocking
// state machine to an EventListener. It is not thread-safe: only the runner
// that owns the watch may call Send/Receive/Shutdown.
type Socket struct {
	raw      *RawSocket
	listener EventListener
	runner   TaskRunner
	state    atomic.Int32
	log      *zap.SugaredLogger

	// alive neutralises queued callbacks once the socket is closed. It is
	// shared with every closure posted to the runner, so a callback that
	// fires after Close finds alive=false and becomes a no-op.
	alive *atomic.Bool
}

// ListenSocket binds, listens and registers the watch. The listener receives
// OnNewIncomingConnection for every accepted peer.
func ListenSocket(name string, listener EventListener, runner TaskRunner, family SockFamily, typ SockType) (*Socket, error) {
	raw, err := NewRawSocket(family, typ)
	if err != nil {
		return nil, err
	}
	if err := raw.Bind(name); err != nil {
		raw.Close()
		return nil, err
	}
	if err := raw.Listen(); err != nil {
		raw.Close()
		return nil, err
	}
	s := newSocket(raw, listener, runner)
	s.state.Store(int32(StateListening))
	s.startWatch()
	return s, nil
}

// ConnectSocket starts a connection attempt. The outcome is always reported
// through OnConnect, including immediate failures, so callers have a single
// code path.
func ConnectSocket(name string, listener EventListener, runner TaskRunner, family SockFamily, typ SockType) *Socket {
	raw, err := NewRawSocket(family, typ)
	if err != nil {
		s := &Socket{listener: listener, runner: runner, alive: &atomic.Bool{}, log: logger.Named("socket")}
		s.alive.Store(true)
		s.notifyConnectResult(false)
		return s
	}

	s := newSocket(raw, listener, runner)
	s.startWatch()

	if _, err := raw.Connect(name); err != nil {
		s.log.Debugw("connect failed", "addr", name, "error", err)
		s.notifyConnectResult(false)
		return s
	}

	// Either connected already or in progress. Deal with both uniformly at
	// the cost of one task hop: onEvent knows how to handle spurious
	// wakeups and probes SO_ERROR to settle the state.
	s.state.Store(int32(StateConnecting))
	s.post(func() { s.onEvent() })
	return s
}

// AdoptConnectedSocket wraps an already-connected descriptor (accept result,
// socketpair end) and registers the watch.
func AdoptConnectedSocket(raw *RawSocket, listener EventListener, runner TaskRunner) *Socket {
	s := newSocket(raw, listener, runner)
	s.state.Store(int32(StateConnected))
	s.startWatch()
	return s
}

func newSocket(raw *RawSocket, listener EventListener, runner TaskRunner) *Socket {
	raw.SetBlocking(false)
	s := &Socket{
		raw:      raw,
		listener: listener,
		runner:   runner,
		alive:    &atomic.Bool{},
		log:      logger.Named("socket"),
	}
	s.alive.Store(true)
	return s
}

func (s *Socket) startWatch() {
	alive := s.alive
	s.runner.AddFDWatch(s.raw.FD(), func() {
		if alive.Load() {
			s.onEvent()
		}
	})
}

// post queues f on the runner, guarded by the alive flag.
func (s *Socket) post(f func()) {
	alive := s.alive
	s.runner.PostTask(func() {
		if alive.Load() {
			f()
		}
	})
}

// notifyConnectResult reports a connect outcome through the task queue so
// the caller of ConnectSocket always receives it asynchronously.
func (s *Socket) notifyConnectResult(success bool) {
	if !success {
		s.Shutdown(false)
	}
	s.post(func() { s.listener.OnConnect(s, success) })
}

// State returns the current connection state.
func (s *Socket) State() SocketState { return SocketState(s.state.Load()) }

// IsConnected reports state == connected.
func (s *Socket) IsConnected() bool { return s.State() == StateConnected }

// IsListening reports state == listening.
func (s *Socket) IsListening() bool { return s.State() == StateListening }

// FD returns the underlying descriptor, -1 after shutdown.
func (s *Socket) FD() int {
	if s.raw == nil {
		return -1
	}
	return s.raw.FD()
}

// SockAddr returns the local address string.
func (s *Socket) SockAddr() string {
	if s.raw == nil || !s.raw.Valid() {
		return ""
	}
	return s.raw.SockAddr()
}

// SetTxTimeout forwards to the raw socket.
func (s *Socket) SetTxTimeout(ms uint32) {
	if s.raw != nil && s.raw.Valid() {
		_ = s.raw.SetTxTimeout(ms)
	}
}

// SetRxTimeout forwards to the raw socket.
func (s *Socket) SetRxTimeout(ms uint32) {
	if s.raw != nil && s.raw.Valid() {
		_ = s.raw.SetRxTimeout(ms)
	}
}

// onEvent runs on the loop thread whenever the fd is readable (or once,
// posted, after Connect).
func (s *Socket) onEvent() {
	switch s.State() {
	case StateDisconnected:
		return // spurious event, typically queued just before Shutdown

	case StateConnected:
		s.listener.OnDataAvailable(s)
		return

	case StateConnecting:
		sockErr, err := unix.GetsockoptInt(s.raw.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && (sockErr == int(unix.EINPROGRESS) || sockErr == int(unix.EALREADY)) {
			return // not connected yet, spurious wakeup
		}
		if err == nil && sockErr == 0 {
			// SO_ERROR is 0 both when connected and while still in
			// progress; getpeername disambiguates. The loop only watches
			// readability, so re-arm a short probe for the in-progress case.
			if _, perr := unix.Getpeername(s.raw.FD()); perr == unix.ENOTCONN {
				alive := s.alive
				s.runner.PostDelayedTask(func() {
					if alive.Load() {
						s.onEvent()
					}
				}, 2)
				return
			}
			s.state.Store(int32(StateConnected))
			s.listener.OnConnect(s, true)
			return
		}
		s.log.Debugw("connection error", "errno", sockErr)
		s.Shutdown(false)
		s.listener.OnConnect(s, false)
		return

	case StateListening:
		// There can be more than one pending connection per watch
		// notification. Drain them all.
		for {
			fd, _, err := unix.Accept4(s.raw.FD(), unix.SOCK_CLOEXEC)
			if err != nil {
				return
			}
			child := AdoptConnectedSocket(
				AdoptRawSocket(fd, s.raw.Family(), s.raw.Type()),
				s.listener, s.runner)
			s.listener.OnNewIncomingConnection(s, child)
		}
	}
}

// Send writes the whole buffer, temporarily flipping the socket to blocking
// mode. A short write means the peer vanished mid-stream: the socket is shut
// down (with notification) and false returned.
func (s *Socket) Send(buf []byte, fds ...int) bool {
	if s.State() != StateConnected {
		return false
	}

	s.raw.SetBlocking(true)
	n, err := s.raw.SendAll(buf, fds...)
	if s.raw.Valid() {
		s.raw.SetBlocking(false)
	}

	if err == nil && n == len(buf) {
		return true
	}
	s.Shutdown(true)
	return false
}

// Receive reads available bytes. Returns 0 both when the socket would block
// and when it has disconnected; in the latter case OnDisconnect has been
// queued.
func (s *Socket) Receive(buf []byte) int {
	n, _, _ := s.ReceiveWithFDs(buf, 0)
	return n
}

// ReceiveWithFDs reads available bytes plus up to maxFiles passed
// descriptors.
func (s *Socket) ReceiveWithFDs(buf []byte, maxFiles int) (int, []int, bool) {
	if s.State() != StateConnected {
		return 0, nil, false
	}
	n, files, err := s.raw.Receive(buf, maxFiles)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil, true
	}
	if err != nil || n == 0 {
		s.Shutdown(true)
		return 0, nil, false
	}
	return n, files, true
}

// Shutdown tears the connection down. With notify, the appropriate listener
// callback (OnDisconnect for connected, OnConnect(false) for connecting) is
// posted; the alive guard still applies, so a Close racing the callback
// suppresses it.
func (s *Socket) Shutdown(notify bool) {
	state := s.State()
	if notify {
		switch state {
		case StateConnected:
			s.post(func() { s.listener.OnDisconnect(s) })
		case StateConnecting:
			s.post(func() { s.listener.OnConnect(s, false) })
		}
	}

	if s.raw != nil && s.raw.Valid() {
		s.runner.RemoveFDWatch(s.raw.FD())
		s.raw.Shutdown()
	}
	s.state.Store(int32(StateDisconnected))
}

// Close invalidates all queued callbacks and tears the socket down. After
// Close returns no listener method will be invoked.
func (s *Socket) Close() {
	s.alive.Store(false)
	s.Shutdown(false)
}
