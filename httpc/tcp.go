// Package httpc implements the HTTP/1.1 client stack: a thin TCP client
// over the socket adapter, and an HTTP client with keep-alive reuse,
// cookies, redirects and incremental chunked decoding.
package httpc

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/teranos/loom/netio"
)

// TCPListener receives TCP client events on the task runner thread.
type TCPListener interface {
	OnConnected(c *TCPClient, ok bool)
	OnDataReceived(c *TCPClient, data []byte)
	OnDisconnected(c *TCPClient)
	OnError(c *TCPClient, msg string)
}

type tcpState int32

const (
	tcpDisconnected tcpState = iota
	tcpConnecting
	tcpConnected
	tcpError
)

// TCPClient wraps one outbound stream socket and forwards adapter events to
// a TCPListener with an 8 KiB read loop.
type TCPClient struct {
	netio.BaseEventListener

	runner   netio.TaskRunner
	listener TCPListener
	sock     *netio.Socket
	state    atomic.Int32

	serverAddress string
	serverPort    uint16
}

// NewTCPClient creates a disconnected client.
func NewTCPClient(runner netio.TaskRunner, listener TCPListener) *TCPClient {
	return &TCPClient{runner: runner, listener: listener}
}

// ConnectToHost starts a connection to a hostname or literal address. The
// outcome arrives via OnConnected. Resolution happens through the OS
// resolver inside the socket layer.
func (t *TCPClient) ConnectToHost(host string, port uint16) bool {
	if tcpState(t.state.Load()) != tcpDisconnected && tcpState(t.state.Load()) != tcpError {
		return false
	}

	// Neutralise any callbacks still queued for a previous connection.
	if t.sock != nil {
		t.sock.Close()
	}

	t.serverAddress = host
	t.serverPort = port

	var addr string
	var family netio.SockFamily
	if strings.Contains(host, ":") {
		addr = fmt.Sprintf("[%s]:%d", host, port)
		family = netio.FamilyInet6
	} else {
		addr = fmt.Sprintf("%s:%d", host, port)
		family = netio.FamilyInet
	}

	t.state.Store(int32(tcpConnecting))
	t.sock = netio.ConnectSocket(addr, t, t.runner, family, netio.TypeStream)
	return true
}

// Disconnect drops the connection without notification.
func (t *TCPClient) Disconnect() {
	if t.sock != nil {
		t.sock.Close()
		t.sock = nil
	}
	t.state.Store(int32(tcpDisconnected))
}

// IsConnected reports an established connection.
func (t *TCPClient) IsConnected() bool {
	return tcpState(t.state.Load()) == tcpConnected
}

// Send writes the whole buffer. Only valid while connected, on the runner
// thread.
func (t *TCPClient) Send(data []byte) bool {
	if !t.IsConnected() || t.sock == nil {
		return false
	}
	return t.sock.Send(data)
}

// SendString is Send for string payloads.
func (t *TCPClient) SendString(data string) bool { return t.Send([]byte(data)) }

// ServerAddress returns the host passed to ConnectToHost.
func (t *TCPClient) ServerAddress() string { return t.serverAddress }

// ServerPort returns the port passed to ConnectToHost.
func (t *TCPClient) ServerPort() uint16 { return t.serverPort }

// OnConnect implements netio.EventListener.
func (t *TCPClient) OnConnect(_ *netio.Socket, connected bool) {
	if connected {
		t.state.Store(int32(tcpConnected))
	} else {
		t.state.Store(int32(tcpError))
	}
	if t.listener != nil {
		t.listener.OnConnected(t, connected)
	}
}

// OnDisconnect implements netio.EventListener.
func (t *TCPClient) OnDisconnect(_ *netio.Socket) {
	t.state.Store(int32(tcpDisconnected))
	if t.listener != nil {
		t.listener.OnDisconnected(t)
	}
}

// OnDataAvailable implements netio.EventListener.
func (t *TCPClient) OnDataAvailable(sock *netio.Socket) {
	if !t.IsConnected() || t.listener == nil {
		return
	}

	var buf [8192]byte
	for {
		n := sock.Receive(buf[:])
		if n == 0 {
			return
		}
		t.listener.OnDataReceived(t, buf[:n])
		if !t.IsConnected() {
			return
		}
	}
}
