package httpd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/loom/httpkit"
	"github.com/teranos/loom/netio"
	"github.com/teranos/loom/wskit"
)

// OmitContentLength suppresses the automatic Content-Length header, for
// streaming responses that close the connection to delimit the body.
const OmitContentLength = -1

// Conn is one accepted connection. All fields are owned by the server's
// task runner thread.
type Conn struct {
	server *Server
	sock   *netio.Socket
	id     string

	rxbuf     *netio.PagedBuf
	rxbufUsed int
	closed    bool

	isWebsocket      bool
	headersSent      bool
	contentLenHeader int
	contentLenActual int

	// originAllowed holds the request's Origin when it matched the allow
	// list; CORS response headers are emitted only when non-empty.
	originAllowed string

	// Connections are keep-alive unless the client sends
	// 'Connection: close', consistent with what nginx does.
	keepalive bool
}

func newConn(server *Server, sock *netio.Socket) (*Conn, error) {
	rxbuf, err := netio.NewPagedBuf(initialRxBufSize)
	if err != nil {
		return nil, err
	}
	return &Conn{
		server:    server,
		sock:      sock,
		id:        uuid.NewString(),
		rxbuf:     rxbuf,
		keepalive: true,
	}, nil
}

// ID returns the connection's correlation id.
func (c *Conn) ID() string { return c.id }

// IsWebsocket reports whether the connection has been upgraded.
func (c *Conn) IsWebsocket() bool { return c.isWebsocket }

// Close tears the connection down and notifies the handler.
func (c *Conn) Close() {
	c.server.closeConn(c, true)
}

// SendResponse writes a full response: status line, caller headers, CORS
// echo when the origin was allowed, Content-Length (unless omitted) and the
// body. The connection closes afterwards when forceClose is set or the
// request carried 'Connection: close'.
func (c *Conn) SendResponse(code int, headers httpkit.Headers, body []byte, forceClose bool) {
	if forceClose {
		c.keepalive = false
	}

	contentLength := len(body)
	c.sendResponseHeaders(code, headers, contentLength)
	if contentLength > 0 {
		c.sendResponseBody(body)
	}

	if !c.keepalive && !c.closed {
		c.server.closeConn(c, false)
	}
}

// SendResponseAndClose is SendResponse with forceClose set.
func (c *Conn) SendResponseAndClose(code int, headers httpkit.Headers, body []byte) {
	c.SendResponse(code, headers, body, true)
}

func (c *Conn) sendResponseHeaders(code int, headers httpkit.Headers, contentLength int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", code, httpkit.StatusText(code))
	headers.WriteTo(&sb)

	if c.originAllowed != "" {
		fmt.Fprintf(&sb, "Access-Control-Allow-Origin: %s\r\n", c.originAllowed)
		sb.WriteString("Vary: Origin\r\n")
	}

	if c.keepalive {
		sb.WriteString("Connection: keep-alive\r\n")
	} else {
		sb.WriteString("Connection: close\r\n")
	}

	if contentLength != OmitContentLength {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", contentLength)
		c.contentLenHeader = contentLength
	}
	sb.WriteString("\r\n")

	c.headersSent = true
	c.contentLenActual = 0
	c.write([]byte(sb.String()))
}

func (c *Conn) sendResponseBody(body []byte) {
	c.contentLenActual += len(body)
	c.write(body)
}

// SendResponseStreaming writes the response headers without Content-Length.
// The body is delimited by connection close: stream chunks with WriteBody,
// then Close.
func (c *Conn) SendResponseStreaming(code int, headers httpkit.Headers) {
	c.keepalive = false
	c.sendResponseHeaders(code, headers, OmitContentLength)
}

// WriteBody streams a body chunk after SendResponseStreaming.
func (c *Conn) WriteBody(chunk []byte) {
	if c.headersSent {
		c.sendResponseBody(chunk)
	}
}

// UpgradeToWebsocket completes the RFC 6455 server handshake. Only valid
// from OnHTTPRequest for a request with IsWebsocketHandshake set.
func (c *Conn) UpgradeToWebsocket(req *Request) {
	if !req.IsWebsocketHandshake || len(req.websocketKey) == 0 {
		c.SendResponseAndClose(400, nil, nil)
		return
	}

	accept := wskit.ComputeAccept(string(req.websocketKey))
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Accept: %s\r\n", accept)
	sb.WriteString("\r\n")

	c.isWebsocket = true
	c.write([]byte(sb.String()))
}

// SendWebsocketMessageText sends a FIN text frame. Server frames are not
// masked.
func (c *Conn) SendWebsocketMessageText(data []byte) {
	c.SendWebsocketFrame(wskit.OpText, data)
}

// SendWebsocketMessage sends a FIN binary frame.
func (c *Conn) SendWebsocketMessage(data []byte) {
	c.SendWebsocketFrame(wskit.OpBinary, data)
}

// SendWebsocketFrame sends a single unfragmented frame with the given
// opcode.
func (c *Conn) SendWebsocketFrame(op wskit.Opcode, payload []byte) {
	if !c.isWebsocket {
		return
	}
	c.write(wskit.BuildFrame(op, payload, true, false, nil))
}

func (c *Conn) write(data []byte) {
	if c.closed {
		return
	}
	if !c.sock.Send(data) {
		// Peer vanished mid-write; the socket has shut itself down and an
		// OnDisconnect is on its way.
		c.server.log.Debugw("write failed, dropping connection", "conn_id", c.id)
	}
}
