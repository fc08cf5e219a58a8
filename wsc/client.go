// Package wsc implements an RFC 6455 WebSocket client over the TCP client:
// handshake, masked frame codec, fragmentation reassembly, auto-ping and
// auto-reconnect.
package wsc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/loom/httpc"
	"github.com/teranos/loom/httpkit"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/netio"
	"github.com/teranos/loom/wskit"
)

// State tracks the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosing
	StateClosed
	StateError
)

// Message is one complete (reassembled) inbound message.
type Message struct {
	Data   []byte
	IsText bool
}

// Listener receives client events on the task runner thread.
type Listener interface {
	OnWebSocketConnected(c *Client)
	OnWebSocketMessage(c *Client, msg Message)
	OnWebSocketPing(c *Client, data []byte)
	OnWebSocketPong(c *Client, data []byte)
	OnWebSocketClosed(c *Client, code uint16, reason string)
	OnWebSocketError(c *Client, msg string)
}

// BaseListener provides no-op defaults.
type BaseListener struct{}

func (BaseListener) OnWebSocketConnected(*Client)              {}
func (BaseListener) OnWebSocketMessage(*Client, Message)       {}
func (BaseListener) OnWebSocketPing(*Client, []byte)           {}
func (BaseListener) OnWebSocketPong(*Client, []byte)           {}
func (BaseListener) OnWebSocketClosed(*Client, uint16, string) {}
func (BaseListener) OnWebSocketError(*Client, string)          {}

const defaultMaxMessageSize = 16 * 1024 * 1024

// Client is a WebSocket client. All methods must run on the task runner
// thread (or before the runner starts driving the client).
type Client struct {
	runner   netio.TaskRunner
	listener Listener
	tcp      *httpc.TCPClient
	log      *zap.SugaredLogger

	state State

	wsURL              string
	connectHeaders     httpkit.Headers
	requestedProtocols []string
	selectedProtocol   string

	websocketKey      string
	handshakeRequest  string
	handshakeComplete bool

	receiveBuffer       []byte
	fragmented          []byte
	fragmentedOpcode    wskit.Opcode
	receivingFragmented bool

	closeSent   bool
	closeCode   uint16
	closeReason string
	appClosed   bool

	maxMessageSize   int
	pingIntervalMS   uint32
	pingGeneration   uint64
	autoReconnect    bool
	reconnectDelayMS uint32
}

// NewClient creates a disconnected client.
func NewClient(runner netio.TaskRunner, listener Listener) *Client {
	c := &Client{
		runner:           runner,
		listener:         listener,
		log:              logger.Named("wsc"),
		state:            StateDisconnected,
		maxMessageSize:   defaultMaxMessageSize,
		pingIntervalMS:   30000,
		reconnectDelayMS: 5000,
	}
	c.tcp = httpc.NewTCPClient(runner, c)
	return c
}

// State returns the connection state.
func (c *Client) State() State { return c.state }

// IsConnected reports an established, handshaken connection.
func (c *Client) IsConnected() bool { return c.state == StateConnected }

// SelectedProtocol returns the server-selected subprotocol, "" if none.
func (c *Client) SelectedProtocol() string { return c.selectedProtocol }

// SetPingInterval configures auto-ping (0 disables).
func (c *Client) SetPingInterval(ms uint32) { c.pingIntervalMS = ms }

// SetMaxMessageSize caps a reassembled message's size.
func (c *Client) SetMaxMessageSize(n int) {
	if n > 0 {
		c.maxMessageSize = n
	}
}

// SetAutoReconnect re-dials after unexpected errors or disconnects.
func (c *Client) SetAutoReconnect(enable bool, delayMS uint32) {
	c.autoReconnect = enable
	if delayMS > 0 {
		c.reconnectDelayMS = delayMS
	}
}

// Connect dials the ws/wss URL and performs the upgrade handshake. The
// outcome arrives via OnWebSocketConnected or OnWebSocketError.
func (c *Client) Connect(url string, headers httpkit.Headers, protocols []string) bool {
	if c.state != StateDisconnected && c.state != StateClosed && c.state != StateError {
		return false
	}

	parsed := httpkit.ParseURL(url)
	if !parsed.IsValid() {
		c.handleError("invalid WebSocket URL: " + url)
		return false
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		c.handleError("unsupported WebSocket scheme: " + parsed.Scheme)
		return false
	}

	c.wsURL = url
	c.connectHeaders = headers
	c.requestedProtocols = protocols
	c.selectedProtocol = ""
	c.handshakeComplete = false
	c.closeSent = false
	c.appClosed = false
	c.receiveBuffer = nil
	c.receivingFragmented = false
	c.fragmented = nil

	c.websocketKey = wskit.GenerateKey()
	c.handshakeRequest = c.buildHandshake(parsed)

	c.state = StateConnecting
	if !c.tcp.ConnectToHost(parsed.Host, parsed.Port) {
		c.handleError("failed to initiate TCP connection")
		return false
	}
	return true
}

func (c *Client) buildHandshake(u httpkit.URL) string {
	var sb strings.Builder
	sb.WriteString("GET ")
	sb.WriteString(u.RequestTarget())
	sb.WriteString(" HTTP/1.1\r\n")
	sb.WriteString("Host: ")
	sb.WriteString(u.Host)
	if u.Port != u.DefaultPort() {
		fmt.Fprintf(&sb, ":%d", u.Port)
	}
	sb.WriteString("\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\n", c.websocketKey)
	sb.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(c.requestedProtocols) > 0 {
		fmt.Fprintf(&sb, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(c.requestedProtocols, ", "))
	}
	c.connectHeaders.WriteTo(&sb)
	sb.WriteString("\r\n")
	return sb.String()
}

// SendText sends a FIN text frame.
func (c *Client) SendText(text string) bool {
	return c.sendFrame(wskit.OpText, []byte(text), true)
}

// SendBinary sends a FIN binary frame.
func (c *Client) SendBinary(data []byte) bool {
	return c.sendFrame(wskit.OpBinary, data, true)
}

// SendPing sends a ping control frame.
func (c *Client) SendPing(data []byte) bool {
	return c.sendFrame(wskit.OpPing, data, true)
}

// SendPong sends a pong control frame.
func (c *Client) SendPong(data []byte) bool {
	return c.sendFrame(wskit.OpPong, data, true)
}

// SendClose initiates the close handshake. Returns false if one is already
// in flight or the client is not connected.
func (c *Client) SendClose(code uint16, reason string) bool {
	if c.closeSent || c.state != StateConnected {
		return false
	}
	c.closeSent = true
	c.closeCode = code
	c.closeReason = reason

	var payload []byte
	if code != 0 {
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, code)
		copy(payload[2:], reason)
	}

	c.state = StateClosing
	return c.sendFrame(wskit.OpClose, payload, true)
}

// Close performs an application-initiated close; auto-reconnect does not
// re-dial afterwards.
func (c *Client) Close(code uint16, reason string) {
	c.appClosed = true
	if !c.SendClose(code, reason) {
		c.Disconnect()
	}
}

// Disconnect drops the TCP connection immediately.
func (c *Client) Disconnect() {
	if c.state == StateDisconnected {
		return
	}
	c.appClosed = true
	c.stopPingTimer()
	if c.state == StateConnected && !c.closeSent {
		c.SendClose(wskit.CloseNormalClosure, "")
	}
	c.tcp.Disconnect()
	c.state = StateDisconnected
}

func (c *Client) sendFrame(op wskit.Opcode, payload []byte, fin bool) bool {
	if c.state != StateConnected && op != wskit.OpClose {
		return false
	}
	if !c.tcp.IsConnected() {
		return false
	}
	// Client frames are always masked.
	return c.tcp.Send(wskit.BuildFrame(op, payload, fin, true, nil))
}

// OnConnected implements httpc.TCPListener.
func (c *Client) OnConnected(t *httpc.TCPClient, ok bool) {
	if !ok {
		c.handleError("TCP connection failed")
		return
	}
	if c.state != StateConnecting {
		return
	}

	c.state = StateHandshaking
	if !c.tcp.SendString(c.handshakeRequest) {
		c.handleError("failed to send WebSocket handshake request")
	}
}

// OnDataReceived implements httpc.TCPListener.
func (c *Client) OnDataReceived(t *httpc.TCPClient, data []byte) {
	c.receiveBuffer = append(c.receiveBuffer, data...)

	if !c.handshakeComplete {
		c.processHandshakeResponse()
		return
	}
	c.processFrames()
}

// OnDisconnected implements httpc.TCPListener.
func (c *Client) OnDisconnected(t *httpc.TCPClient) {
	c.stopPingTimer()

	if c.state == StateClosed || c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	if c.listener != nil {
		c.listener.OnWebSocketClosed(c, wskit.CloseAbnormalClosure, "Connection lost")
	}
	c.maybeReconnect()
}

// OnError implements httpc.TCPListener.
func (c *Client) OnError(t *httpc.TCPClient, msg string) {
	c.handleError("TCP error: " + msg)
}

func (c *Client) processHandshakeResponse() {
	headerEnd := bytes.Index(c.receiveBuffer, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return // need more data
	}

	response := c.receiveBuffer[:headerEnd]
	c.receiveBuffer = c.receiveBuffer[headerEnd+4:]

	if !c.validateHandshake(response) {
		c.handleError("WebSocket handshake validation failed")
		return
	}

	c.handshakeComplete = true
	c.state = StateConnected
	c.startPingTimer()

	if c.listener != nil {
		c.listener.OnWebSocketConnected(c)
	}

	// Frames may already have arrived behind the 101.
	if len(c.receiveBuffer) > 0 {
		c.processFrames()
	}
}

func (c *Client) validateHandshake(response []byte) bool {
	lines := bytes.Split(response, []byte("\r\n"))
	if len(lines) == 0 {
		return false
	}

	statusParts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(statusParts) < 2 {
		return false
	}
	code, err := strconv.Atoi(string(statusParts[1]))
	if err != nil || code != 101 {
		return false
	}

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		headers[name] = string(bytes.TrimSpace(line[colon+1:]))
	}

	if !strings.EqualFold(headers["upgrade"], "websocket") {
		return false
	}
	if !strings.Contains(strings.ToLower(headers["connection"]), "upgrade") {
		return false
	}
	if headers["sec-websocket-accept"] != wskit.ComputeAccept(c.websocketKey) {
		return false
	}

	if protocol, ok := headers["sec-websocket-protocol"]; ok && protocol != "" {
		found := false
		for _, requested := range c.requestedProtocols {
			if requested == protocol {
				found = true
				break
			}
		}
		if !found {
			return false // server selected a protocol we never offered
		}
		c.selectedProtocol = protocol
	}

	return true
}

func (c *Client) processFrames() {
	for len(c.receiveBuffer) > 0 {
		frame, consumed := wskit.ParseFrame(c.receiveBuffer)
		if consumed == 0 {
			// ParseFrame also refuses frames declaring a payload beyond its
			// cap, and waiting for more bytes can never resolve those: the
			// length is already known from the header. Reject them now
			// instead of buffering the stream forever.
			if declared, ok := wskit.PeekLength(c.receiveBuffer); ok &&
				(declared > wskit.MaxFramePayload || declared > uint64(c.maxMessageSize)) {
				c.tooBigError(fmt.Sprintf("frame declares %d byte payload", declared))
				return
			}
			// Outer bound on buffer growth while a frame is incomplete.
			if len(c.receiveBuffer) > c.maxMessageSize+wskit.MaxFrameHeader {
				c.tooBigError("receive buffer exceeds message size cap")
				return
			}
			return // need more data
		}

		// Server frames must not be masked.
		if frame.Masked {
			c.protocolError("received masked frame from server")
			return
		}
		if len(frame.Payload) > c.maxMessageSize {
			c.tooBigError("frame payload too large")
			return
		}

		c.receiveBuffer = c.receiveBuffer[consumed:]
		if !c.handleFrame(frame) {
			return
		}
	}
}

// handleFrame dispatches one frame; returns false when processing must stop
// (close or error).
func (c *Client) handleFrame(frame wskit.Frame) bool {
	switch frame.Opcode {
	case wskit.OpText, wskit.OpBinary:
		if c.receivingFragmented {
			c.protocolError("new data frame before previous fragmented message completed")
			return false
		}
		if frame.Fin {
			c.deliver(Message{Data: frame.Payload, IsText: frame.Opcode == wskit.OpText})
			return true
		}
		c.receivingFragmented = true
		c.fragmentedOpcode = frame.Opcode
		c.fragmented = append(c.fragmented[:0], frame.Payload...)
		return true

	case wskit.OpContinuation:
		if !c.receivingFragmented {
			c.protocolError("continuation frame without initial fragment")
			return false
		}
		if len(c.fragmented)+len(frame.Payload) > c.maxMessageSize {
			c.tooBigError("fragmented message too large")
			return false
		}
		c.fragmented = append(c.fragmented, frame.Payload...)
		if frame.Fin {
			msg := Message{
				Data:   append([]byte(nil), c.fragmented...),
				IsText: c.fragmentedOpcode == wskit.OpText,
			}
			c.receivingFragmented = false
			c.fragmented = c.fragmented[:0]
			c.deliver(msg)
		}
		return true

	case wskit.OpClose:
		code := wskit.CloseNoStatusRcvd
		reason := ""
		if len(frame.Payload) >= 2 {
			code = binary.BigEndian.Uint16(frame.Payload)
			if len(frame.Payload) > 2 {
				reason = string(frame.Payload[2:])
			}
		}
		if !c.closeSent {
			if code == wskit.CloseNoStatusRcvd {
				c.SendClose(0, "")
			} else {
				c.SendClose(code, reason)
			}
		}
		c.state = StateClosed
		c.stopPingTimer()
		if c.listener != nil {
			c.listener.OnWebSocketClosed(c, code, reason)
		}
		return false

	case wskit.OpPing:
		c.SendPong(frame.Payload)
		if c.listener != nil {
			c.listener.OnWebSocketPing(c, frame.Payload)
		}
		return true

	case wskit.OpPong:
		if c.listener != nil {
			c.listener.OnWebSocketPong(c, frame.Payload)
		}
		return true
	}

	c.protocolError(fmt.Sprintf("unsupported WebSocket opcode: %d", frame.Opcode))
	return false
}

func (c *Client) deliver(msg Message) {
	if c.listener != nil {
		c.listener.OnWebSocketMessage(c, msg)
	}
}

func (c *Client) protocolError(msg string) {
	c.sendFrame(wskit.OpClose, closePayload(wskit.CloseProtocolError), true)
	c.handleError(msg)
}

func (c *Client) tooBigError(msg string) {
	c.sendFrame(wskit.OpClose, closePayload(wskit.CloseMessageTooBig), true)
	c.handleError(msg)
}

func (c *Client) handleError(msg string) {
	c.log.Debugw("websocket error", "error", msg)
	c.state = StateError
	c.stopPingTimer()
	c.tcp.Disconnect()

	if c.listener != nil {
		c.listener.OnWebSocketError(c, msg)
	}
	c.maybeReconnect()
}

// startPingTimer schedules the periodic ping while connected. The
// generation counter invalidates stale timers after a reconnect.
func (c *Client) startPingTimer() {
	if c.pingIntervalMS == 0 {
		return
	}
	c.pingGeneration++
	c.schedulePing(c.pingGeneration)
}

func (c *Client) schedulePing(generation uint64) {
	c.runner.PostDelayedTask(func() {
		if generation != c.pingGeneration || c.state != StateConnected {
			return
		}
		c.SendPing(nil)
		c.schedulePing(generation)
	}, c.pingIntervalMS)
}

func (c *Client) stopPingTimer() {
	c.pingGeneration++
}

func (c *Client) maybeReconnect() {
	if !c.autoReconnect || c.appClosed {
		return
	}
	url, headers, protocols := c.wsURL, c.connectHeaders, c.requestedProtocols
	c.runner.PostDelayedTask(func() {
		if c.state == StateConnected || c.state == StateConnecting || c.state == StateHandshaking {
			return
		}
		c.log.Debugw("auto-reconnecting", "url", url)
		c.Connect(url, headers, protocols)
	}, c.reconnectDelayMS)
}

func closePayload(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}
