package netio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/teranos/loom/netio"
	"github.com/teranos/loom/tasks"
)

// recordingListener collects socket events for assertions.
type recordingListener struct {
	netio.BaseEventListener

	mu          sync.Mutex
	connects    []bool
	disconnects int
	data        []byte
	accepted    []*netio.Socket

	onAccept func(child *netio.Socket)
	onData   func(s *netio.Socket)
}

func (l *recordingListener) OnConnect(s *netio.Socket, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, ok)
}

func (l *recordingListener) OnDisconnect(s *netio.Socket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *recordingListener) OnDataAvailable(s *netio.Socket) {
	if l.onData != nil {
		l.onData(s)
		return
	}
	buf := make([]byte, 4096)
	n := s.Receive(buf)
	if n > 0 {
		l.mu.Lock()
		l.data = append(l.data, buf[:n]...)
		l.mu.Unlock()
	}
}

func (l *recordingListener) OnNewIncomingConnection(s *netio.Socket, child *netio.Socket) {
	l.mu.Lock()
	l.accepted = append(l.accepted, child)
	l.mu.Unlock()
	if l.onAccept != nil {
		l.onAccept(child)
	}
}

func (l *recordingListener) waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		ok := pred()
		l.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRunner(t *testing.T) *tasks.ThreadRunner {
	t.Helper()
	tr, err := tasks.StartThreadRunner("test-loop", nil)
	if err != nil {
		t.Fatalf("StartThreadRunner failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestSocketConnectAcceptExchange(t *testing.T) {
	runner := startRunner(t)

	srvListener := &recordingListener{}
	srv, err := netio.ListenSocket("127.0.0.1:0", srvListener, runner, netio.FamilyInet, netio.TypeStream)
	if err != nil {
		t.Fatalf("ListenSocket failed: %v", err)
	}
	defer srv.Close()

	if !srv.IsListening() {
		t.Fatal("server socket must be listening")
	}
	addr := srv.SockAddr()

	cliListener := &recordingListener{}
	cli := netio.ConnectSocket(addr, cliListener, runner, netio.FamilyInet, netio.TypeStream)
	defer cli.Close()

	cliListener.waitFor(t, "client connect", func() bool { return len(cliListener.connects) > 0 })
	if !cliListener.connects[0] {
		t.Fatal("client connect reported failure")
	}
	srvListener.waitFor(t, "server accept", func() bool { return len(srvListener.accepted) > 0 })

	accepted := srvListener.accepted[0]
	defer accepted.Close()
	if !accepted.IsConnected() {
		t.Fatal("accepted child must be connected")
	}

	// Client -> server payload, sent from the loop thread that owns the fd.
	runner.PostTask(func() { cli.Send([]byte("hello from client")) })
	srvListener.waitFor(t, "server data", func() bool { return string(srvListener.data) == "hello from client" })

	// Server -> client echo.
	runner.PostTask(func() { accepted.Send([]byte("hello from server")) })
	cliListener.waitFor(t, "client data", func() bool { return string(cliListener.data) == "hello from server" })
}

func TestSocketConnectFailure(t *testing.T) {
	runner := startRunner(t)

	listener := &recordingListener{}
	// Port 1 on loopback is almost certainly closed; connect must fail and
	// surface as OnConnect(false).
	cli := netio.ConnectSocket("127.0.0.1:1", listener, runner, netio.FamilyInet, netio.TypeStream)
	defer cli.Close()

	listener.waitFor(t, "connect failure", func() bool { return len(listener.connects) > 0 })
	if listener.connects[0] {
		t.Fatal("connect to a closed port reported success")
	}
}

func TestSocketPeerCloseDeliversDisconnect(t *testing.T) {
	runner := startRunner(t)

	srvListener := &recordingListener{}
	srv, err := netio.ListenSocket("@loom-test-disconnect", srvListener, runner, netio.FamilyUnix, netio.TypeStream)
	if err != nil {
		t.Fatalf("ListenSocket failed: %v", err)
	}
	defer srv.Close()

	cliListener := &recordingListener{}
	cli := netio.ConnectSocket("@loom-test-disconnect", cliListener, runner, netio.FamilyUnix, netio.TypeStream)

	cliListener.waitFor(t, "client connect", func() bool { return len(cliListener.connects) > 0 })
	srvListener.waitFor(t, "server accept", func() bool { return len(srvListener.accepted) > 0 })
	accepted := srvListener.accepted[0]
	defer accepted.Close()

	// Drop the client; the server side must observe exactly one disconnect
	// when its pending read returns 0.
	runner.PostTask(func() { cli.Shutdown(false) })
	srvListener.waitFor(t, "server disconnect", func() bool { return srvListener.disconnects == 1 })
}

func TestSocketNoCallbacksAfterClose(t *testing.T) {
	runner := startRunner(t)

	srvListener := &recordingListener{}
	srv, err := netio.ListenSocket("@loom-test-close-race", srvListener, runner, netio.FamilyUnix, netio.TypeStream)
	if err != nil {
		t.Fatalf("ListenSocket failed: %v", err)
	}
	defer srv.Close()

	cliListener := &recordingListener{}
	cli := netio.ConnectSocket("@loom-test-close-race", cliListener, runner, netio.FamilyUnix, netio.TypeStream)

	cliListener.waitFor(t, "client connect", func() bool { return len(cliListener.connects) > 0 })
	srvListener.waitFor(t, "server accept", func() bool { return len(srvListener.accepted) > 0 })
	accepted := srvListener.accepted[0]

	// Queue a shutdown notification, then close before the loop drains it.
	// The alive guard must suppress the queued OnDisconnect.
	blocker := make(chan struct{})
	runner.PostTask(func() { <-blocker })
	runner.PostTask(func() { accepted.Shutdown(true) })
	accepted.Close()
	close(blocker)

	// Give the loop time to drain the (suppressed) notification.
	time.Sleep(100 * time.Millisecond)
	srvListener.mu.Lock()
	disconnects := srvListener.disconnects
	srvListener.mu.Unlock()
	if disconnects != 0 {
		t.Fatalf("listener invoked %d times after Close", disconnects)
	}

	runner.PostTask(func() { cli.Close() })
}

func TestSocketDatagramExchange(t *testing.T) {
	runner := startRunner(t)

	// Connected datagram pair via socketpair, adopted into the adapter.
	a, b, err := netio.NewRawSocketPair(netio.FamilyUnix, netio.TypeDgram)
	if err != nil {
		t.Fatalf("NewRawSocketPair failed: %v", err)
	}

	la := &recordingListener{}
	lb := &recordingListener{}
	sa := netio.AdoptConnectedSocket(a, la, runner)
	sb := netio.AdoptConnectedSocket(b, lb, runner)
	defer sa.Close()
	defer sb.Close()

	runner.PostTask(func() { sa.Send([]byte("datagram one")) })
	lb.waitFor(t, "datagram delivery", func() bool { return string(lb.data) == "datagram one" })
}
