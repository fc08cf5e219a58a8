package httpd

import (
	"bytes"
	"strconv"

	"github.com/teranos/loom/httpkit"
	"github.com/teranos/loom/wskit"
)

type headerView struct {
	name  []byte
	value []byte
}

// Request is a parsed HTTP request. The byte slices point into the owning
// connection's rx buffer and are valid only within the OnHTTPRequest call.
type Request struct {
	Conn *Conn

	Method []byte
	URI    []byte
	Origin []byte
	Body   []byte

	IsWebsocketHandshake bool

	websocketKey []byte
	headers      [MaxHeaders]headerView
	numHeaders   int
}

// GetHeader returns the value of the first header matching name
// case-insensitively.
func (r *Request) GetHeader(name string) ([]byte, bool) {
	for i := 0; i < r.numHeaders; i++ {
		if len(r.headers[i].name) == len(name) && asciiEqualFold(r.headers[i].name, name) {
			return r.headers[i].value, true
		}
	}
	return nil, false
}

// NumHeaders returns the parsed header count.
func (r *Request) NumHeaders() int { return r.numHeaders }

func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb, cs := b[i], s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if 'A' <= cs && cs <= 'Z' {
			cs += 'a' - 'A'
		}
		if cb != cs {
			return false
		}
	}
	return true
}

// WebsocketMessage is one inbound frame payload on an upgraded connection.
// Message boundaries are not reassembled across fragmentation: the payload
// reflects single frames, like a byte stream. Data points into the rx
// buffer and is valid only within the OnWebsocketMessage call.
type WebsocketMessage struct {
	Conn   *Conn
	Data   []byte
	IsText bool
}

var (
	crlfcrlf = []byte("\r\n\r\n")
	crlf     = []byte("\r\n")
)

// parseOneHTTPRequest consumes one complete request from the head of the rx
// buffer. Returns 0 when more data is needed. Protocol errors respond 400
// and close; the return value is then 0 with the connection closed.
func (s *Server) parseOneHTTPRequest(c *Conn) int {
	buf := c.rxbuf.Bytes()[:c.rxbufUsed]

	headerEnd := bytes.Index(buf, crlfcrlf)
	if headerEnd < 0 {
		return 0
	}
	bodyStart := headerEnd + len(crlfcrlf)

	lines := bytes.Split(buf[:headerEnd], crlf)
	startLine := bytes.Fields(lines[0])
	if len(startLine) != 3 || !bytes.HasPrefix(startLine[2], []byte("HTTP/1.")) {
		c.SendResponseAndClose(400, nil, nil)
		return 0
	}

	req := Request{Conn: c}
	req.Method = startLine[0]
	req.URI = startLine[1]

	var upgradeWebsocket, connectionUpgrade, hasCorsReqMethod bool
	contentLength := -1

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			c.SendResponseAndClose(400, nil, nil)
			return 0
		}
		if req.numHeaders >= MaxHeaders {
			break
		}
		name := bytes.TrimSpace(line[:colon])
		value := bytes.TrimSpace(line[colon+1:])
		req.headers[req.numHeaders] = headerView{name: name, value: value}
		req.numHeaders++

		switch {
		case asciiEqualFold(name, "origin"):
			req.Origin = value
			c.originAllowed = s.isOriginAllowed(value)
		case asciiEqualFold(name, "upgrade"):
			upgradeWebsocket = asciiEqualFold(value, "websocket")
		case asciiEqualFold(name, "connection"):
			connectionUpgrade = bytes.Contains(bytes.ToLower(value), []byte("upgrade"))
			if asciiEqualFold(value, "close") {
				c.keepalive = false
			}
		case asciiEqualFold(name, "sec-websocket-key"):
			req.websocketKey = value
		case asciiEqualFold(name, "content-length"):
			n, err := strconv.Atoi(string(value))
			if err != nil || n < 0 {
				c.SendResponseAndClose(400, nil, nil)
				return 0
			}
			contentLength = n
		case asciiEqualFold(name, "access-control-request-method"):
			hasCorsReqMethod = true
		}
	}

	req.IsWebsocketHandshake = upgradeWebsocket && connectionUpgrade

	method := httpkit.ParseMethod(string(req.Method))
	bodyLen := 0
	if method.HasBody() {
		if contentLength < 0 {
			c.SendResponseAndClose(400, nil, nil)
			return 0
		}
		if bodyStart+contentLength > s.maxRequestBytes {
			c.SendResponseAndClose(413, nil, nil)
			return 0
		}
		if c.rxbufUsed < bodyStart+contentLength {
			return 0 // wait for the full body
		}
		bodyLen = contentLength
		req.Body = buf[bodyStart : bodyStart+bodyLen]
	}

	// CORS preflight from an allowed origin is answered here, without
	// involving the handler.
	if method == httpkit.MethodOptions && hasCorsReqMethod && c.originAllowed != "" {
		s.handleCorsPreflight(c)
		return bodyStart + bodyLen
	}

	s.handler.OnHTTPRequest(&req)
	return bodyStart + bodyLen
}

func (s *Server) handleCorsPreflight(c *Conn) {
	headers := httpkit.Headers{
		{Name: "Access-Control-Allow-Methods", Value: "GET, POST, OPTIONS"},
		{Name: "Access-Control-Allow-Headers", Value: "Content-Type, Authorization"},
		{Name: "Access-Control-Max-Age", Value: "86400"},
	}
	c.SendResponse(204, headers, nil, false)
}

// parseOneWebsocketFrame consumes one frame from the rx buffer. Client
// frames must be masked; an unmasked (or oversized) frame is a protocol
// error that drops the connection.
func (s *Server) parseOneWebsocketFrame(c *Conn) int {
	buf := c.rxbuf.Bytes()[:c.rxbufUsed]

	frame, consumed := wskit.ParseFrame(buf)
	if consumed == 0 {
		if c.rxbufUsed >= s.maxRequestBytes {
			s.log.Warnw("websocket frame exceeds buffer cap", "conn_id", c.ID())
			s.closeConn(c, true)
		}
		return 0
	}

	if !frame.Masked {
		s.log.Warnw("unmasked client frame, dropping connection", "conn_id", c.ID())
		c.SendWebsocketFrame(wskit.OpClose, closePayload(wskit.CloseProtocolError))
		s.closeConn(c, true)
		return 0
	}

	switch frame.Opcode {
	case wskit.OpText, wskit.OpBinary, wskit.OpContinuation:
		msg := WebsocketMessage{
			Conn:   c,
			Data:   frame.Payload,
			IsText: frame.Opcode == wskit.OpText,
		}
		s.handler.OnWebsocketMessage(&msg)

	case wskit.OpPing:
		c.SendWebsocketFrame(wskit.OpPong, frame.Payload)

	case wskit.OpPong:
		// Unsolicited pong, ignore.

	case wskit.OpClose:
		c.SendWebsocketFrame(wskit.OpClose, frame.Payload)
		s.closeConn(c, true)
		return 0

	default:
		c.SendWebsocketFrame(wskit.OpClose, closePayload(wskit.CloseProtocolError))
		s.closeConn(c, true)
		return 0
	}

	return consumed
}

func closePayload(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}
