package netio

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
)

// UDPPacketHandler receives inbound datagrams on the task runner thread.
// from is formatted per family and valid as a SendTo target.
type UDPPacketHandler func(data []byte, from string)

// UDPServer binds a datagram socket and dispatches inbound packets through
// the task runner's FD watch.
type UDPServer struct {
	runner  TaskRunner
	raw     *RawSocket
	handler UDPPacketHandler
	log     *zap.SugaredLogger
	maxSize int
	running bool
}

// NewUDPServer creates a stopped server.
func NewUDPServer(runner TaskRunner, handler UDPPacketHandler) *UDPServer {
	return &UDPServer{
		runner:  runner,
		handler: handler,
		log:     logger.Named("udp"),
		maxSize: 64 * 1024,
	}
}

// Start binds to the address and begins dispatching.
func (u *UDPServer) Start(address string, port uint16) error {
	if u.running {
		return nil
	}

	addr, family := formatHostPort(address, port)
	raw, err := NewRawSocket(family, TypeDgram)
	if err != nil {
		return err
	}
	if err := raw.Bind(addr); err != nil {
		raw.Close()
		return err
	}
	raw.SetBlocking(false)

	u.raw = raw
	u.running = true
	u.runner.AddFDWatch(raw.FD(), u.onReadable)
	u.log.Infow("UDP server listening", "addr", raw.SockAddr())
	return nil
}

// Addr returns the bound address.
func (u *UDPServer) Addr() string {
	if u.raw == nil {
		return ""
	}
	return u.raw.SockAddr()
}

// SendTo transmits one datagram.
func (u *UDPServer) SendTo(data []byte, addr string) error {
	return u.raw.SendTo(data, addr)
}

// Stop removes the watch and closes the socket.
func (u *UDPServer) Stop() {
	if !u.running {
		return
	}
	u.running = false
	u.runner.RemoveFDWatch(u.raw.FD())
	u.raw.Close()
}

func (u *UDPServer) onReadable() {
	buf := make([]byte, u.maxSize)
	for {
		n, from, err := u.raw.RecvFrom(buf)
		if err != nil {
			return // EAGAIN: drained
		}
		u.handler(buf[:n], from)
	}
}

// UDPClient is a connected datagram socket: packets go to one fixed peer
// and only that peer's packets come back.
type UDPClient struct {
	runner  TaskRunner
	raw     *RawSocket
	handler UDPPacketHandler
	log     *zap.SugaredLogger
	maxSize int
	open    bool
}

// NewUDPClient creates a closed client.
func NewUDPClient(runner TaskRunner, handler UDPPacketHandler) *UDPClient {
	return &UDPClient{
		runner:  runner,
		handler: handler,
		log:     logger.Named("udp"),
		maxSize: 64 * 1024,
	}
}

// Open connects the datagram socket to the peer.
func (u *UDPClient) Open(host string, port uint16) error {
	if u.open {
		return nil
	}

	addr, family := formatHostPort(host, port)
	raw, err := NewRawSocket(family, TypeDgram)
	if err != nil {
		return err
	}
	if _, err := raw.Connect(addr); err != nil {
		raw.Close()
		return err
	}
	raw.SetBlocking(false)

	u.raw = raw
	u.open = true
	u.runner.AddFDWatch(raw.FD(), u.onReadable)
	return nil
}

// Send transmits one datagram to the connected peer.
func (u *UDPClient) Send(data []byte) error {
	_, err := u.raw.SendAll(data)
	return err
}

// Close removes the watch and closes the socket.
func (u *UDPClient) Close() {
	if !u.open {
		return
	}
	u.open = false
	u.runner.RemoveFDWatch(u.raw.FD())
	u.raw.Close()
}

func (u *UDPClient) onReadable() {
	buf := make([]byte, u.maxSize)
	for {
		n, from, err := u.raw.RecvFrom(buf)
		if err != nil {
			return
		}
		u.handler(buf[:n], from)
	}
}

// formatHostPort renders an address string for the detected family: IPv6
// hosts get brackets.
func formatHostPort(host string, port uint16) (string, SockFamily) {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port), FamilyInet6
	}
	return fmt.Sprintf("%s:%d", host, port), FamilyInet
}
