// Package httpd implements an HTTP/1.1 server on top of the socket adapter:
// incremental request parsing from a guarded rx buffer, keep-alive and
// pipelining, CORS preflight handling and the WebSocket upgrade path.
package httpd

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/netio"
)

const (
	// MaxHeaders bounds the per-request header array.
	MaxHeaders = 32

	// initialRxBufSize is each connection's starting rx buffer capacity.
	initialRxBufSize = 64 * 1024

	// DefaultMaxRequestBytes caps a connection's rx buffer growth.
	DefaultMaxRequestBytes = 1024 * 1024
)

// Handler receives parsed requests. All methods run on the server's task
// runner thread; OnHTTPRequest must synchronously respond (or close).
type Handler interface {
	OnHTTPRequest(*Request)
	OnWebsocketMessage(*WebsocketMessage)
	OnHTTPConnectionClosed(*Conn)
}

// BaseHandler provides no-op defaults for the optional callbacks.
type BaseHandler struct{}

func (BaseHandler) OnWebsocketMessage(*WebsocketMessage) {}
func (BaseHandler) OnHTTPConnectionClosed(*Conn)        {}

// Server accepts connections on IPv4 and, when available, IPv6 listening
// sockets and parses HTTP/1.1 requests incrementally. It is driven entirely
// by its task runner; none of its methods are thread-safe.
type Server struct {
	netio.BaseEventListener

	runner          netio.TaskRunner
	handler         Handler
	sock4           *netio.Socket
	sock6           *netio.Socket
	conns           map[*netio.Socket]*Conn
	allowedOrigins  []string
	maxRequestBytes int
	log             *zap.SugaredLogger

	originErrorLogged bool
}

// NewServer creates a server dispatching to handler via runner.
func NewServer(runner netio.TaskRunner, handler Handler) *Server {
	return &Server{
		runner:          runner,
		handler:         handler,
		conns:           make(map[*netio.Socket]*Conn),
		maxRequestBytes: DefaultMaxRequestBytes,
		log:             logger.Named("httpd"),
	}
}

// SetMaxRequestBytes overrides the rx buffer growth cap.
func (s *Server) SetMaxRequestBytes(n int) {
	if n > 0 {
		s.maxRequestBytes = n
	}
}

// AddAllowedOrigin allow-lists an Origin value for CORS. "*" matches any.
func (s *Server) AddAllowedOrigin(origin string) {
	s.allowedOrigins = append(s.allowedOrigins, origin)
}

// Start listens on the given port on 0.0.0.0 and, best-effort, on [::].
func (s *Server) Start(port int) error {
	sock4, err := netio.ListenSocket(fmt.Sprintf("0.0.0.0:%d", port), s, s.runner, netio.FamilyInet, netio.TypeStream)
	if err != nil {
		return err
	}
	s.sock4 = sock4

	// Dual-stack is opportunistic; single-stack hosts still serve IPv4.
	sock6, err := netio.ListenSocket(fmt.Sprintf("[::]:%d", port), s, s.runner, netio.FamilyInet6, netio.TypeStream)
	if err != nil {
		s.log.Debugw("IPv6 listen unavailable", "port", port, "error", err)
	} else {
		s.sock6 = sock6
	}

	s.log.Infow("HTTP server listening", "addr", sock4.SockAddr())
	return nil
}

// StartOn listens on one specific address instead of the dual-stack
// wildcard.
func (s *Server) StartOn(ip string, port int) error {
	family := netio.FamilyInet
	addr := fmt.Sprintf("%s:%d", ip, port)
	if strings.Contains(ip, ":") {
		family = netio.FamilyInet6
		addr = fmt.Sprintf("[%s]:%d", ip, port)
	}
	sock, err := netio.ListenSocket(addr, s, s.runner, family, netio.TypeStream)
	if err != nil {
		return err
	}
	if family == netio.FamilyInet6 {
		s.sock6 = sock
	} else {
		s.sock4 = sock
	}
	s.log.Infow("HTTP server listening", "addr", sock.SockAddr())
	return nil
}

// Port returns the bound IPv4 port (useful with port 0).
func (s *Server) Port() int {
	if s.sock4 == nil {
		return 0
	}
	addr := s.sock4.SockAddr()
	if i := bytes.LastIndexByte([]byte(addr), ':'); i >= 0 {
		if p, err := strconv.Atoi(addr[i+1:]); err == nil {
			return p
		}
	}
	return 0
}

// Stop closes the listeners and all live connections. Must run on the
// server's task runner thread.
func (s *Server) Stop() {
	for _, c := range s.conns {
		s.closeConn(c, true)
	}
	if s.sock4 != nil {
		s.sock4.Close()
		s.sock4 = nil
	}
	if s.sock6 != nil {
		s.sock6.Close()
		s.sock6 = nil
	}
}

// OnNewIncomingConnection implements netio.EventListener.
func (s *Server) OnNewIncomingConnection(_ *netio.Socket, child *netio.Socket) {
	c, err := newConn(s, child)
	if err != nil {
		s.log.Warnw("rejecting connection, rx buffer allocation failed", "error", err)
		child.Close()
		return
	}
	s.conns[child] = c
	s.log.Debugw("connection accepted", "conn_id", c.ID())
}

// OnDisconnect implements netio.EventListener.
func (s *Server) OnDisconnect(sock *netio.Socket) {
	if c, ok := s.conns[sock]; ok {
		s.closeConn(c, true)
	}
}

// OnDataAvailable implements netio.EventListener.
func (s *Server) OnDataAvailable(sock *netio.Socket) {
	c, ok := s.conns[sock]
	if !ok {
		return
	}

	// Fill the rx buffer as far as the kernel allows, growing up to the
	// safety cap.
	for {
		avail := c.rxbuf.Size() - c.rxbufUsed
		if avail == 0 {
			if c.rxbuf.Size() >= s.maxRequestBytes {
				s.log.Warnw("request exceeds buffer cap", "conn_id", c.ID(), "cap", s.maxRequestBytes)
				if c.isWebsocket {
					s.closeConn(c, true)
				} else {
					c.SendResponseAndClose(413, nil, nil)
				}
				return
			}
			newSize := c.rxbuf.Size() * 2
			if newSize > s.maxRequestBytes {
				newSize = s.maxRequestBytes
			}
			if err := c.rxbuf.Grow(newSize, c.rxbufUsed); err != nil {
				s.log.Errorw("rx buffer grow failed", "error", err)
				s.closeConn(c, true)
				return
			}
			continue
		}

		n := sock.Receive(c.rxbuf.Bytes()[c.rxbufUsed : c.rxbufUsed+avail])
		if n == 0 {
			break // drained, or disconnected (OnDisconnect handles that)
		}
		c.rxbufUsed += n
	}

	// Consume as many complete requests/frames as the buffer holds.
	for c.rxbufUsed > 0 && !c.closed {
		var consumed int
		if c.isWebsocket {
			consumed = s.parseOneWebsocketFrame(c)
		} else {
			consumed = s.parseOneHTTPRequest(c)
		}
		if consumed == 0 {
			break
		}
		copy(c.rxbuf.Bytes(), c.rxbuf.Bytes()[consumed:c.rxbufUsed])
		c.rxbufUsed -= consumed
	}
}

func (s *Server) closeConn(c *Conn, notifyHandler bool) {
	if c.closed {
		return
	}
	c.closed = true
	delete(s.conns, c.sock)
	c.sock.Close()
	c.rxbuf.Free()
	if notifyHandler {
		s.handler.OnHTTPConnectionClosed(c)
	}
}

// isOriginAllowed returns the matching allow-list entry, or "" when the
// origin is not allowed. A "*" entry matches anything.
func (s *Server) isOriginAllowed(origin []byte) string {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || bytes.EqualFold(origin, []byte(allowed)) {
			return string(origin)
		}
	}
	if !s.originErrorLogged && len(origin) > 0 {
		s.originErrorLogged = true
		s.log.Warnw("rejecting CORS for origin, consider AddAllowedOrigin()",
			"origin", string(origin),
		)
	}
	return ""
}
