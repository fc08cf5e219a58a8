package wsc_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teranos/loom/httpd"
	"github.com/teranos/loom/httpkit"
	"github.com/teranos/loom/tasks"
	"github.com/teranos/loom/wsc"
	"github.com/teranos/loom/wskit"
)

type recordingListener struct {
	wsc.BaseListener

	mu        sync.Mutex
	connected int
	messages  []wsc.Message
	pings     [][]byte
	pongs     [][]byte
	closes    []struct {
		code   uint16
		reason string
	}
	errors []string
}

func (l *recordingListener) OnWebSocketConnected(c *wsc.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingListener) OnWebSocketMessage(c *wsc.Client, msg wsc.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, wsc.Message{Data: append([]byte(nil), msg.Data...), IsText: msg.IsText})
}

func (l *recordingListener) OnWebSocketPing(c *wsc.Client, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pings = append(l.pings, append([]byte(nil), data...))
}

func (l *recordingListener) OnWebSocketPong(c *wsc.Client, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pongs = append(l.pongs, append([]byte(nil), data...))
}

func (l *recordingListener) OnWebSocketClosed(c *wsc.Client, code uint16, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes = append(l.closes, struct {
		code   uint16
		reason string
	}{code, reason})
}

func (l *recordingListener) OnWebSocketError(c *wsc.Client, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
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
	runner, err := tasks.StartThreadRunner("wsc-test", nil)
	if err != nil {
		t.Fatalf("StartThreadRunner failed: %v", err)
	}
	t.Cleanup(runner.Stop)
	return runner
}

// rawWSServer is a scripted server peer: it accepts one connection,
// completes (or sabotages) the handshake, then hands the socket to the
// script.
type rawWSServer struct {
	ln   net.Listener
	port int
}

func startRawServer(t *testing.T, acceptHeader func(key string) string, script func(t *testing.T, conn net.Conn, r *bufio.Reader)) *rawWSServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &rawWSServer{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		r := bufio.NewReader(conn)

		// Read the upgrade request and pull out the client key.
		var key string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				break
			}
			if strings.HasPrefix(strings.ToLower(line), "sec-websocket-key:") {
				key = strings.TrimSpace(line[len("sec-websocket-key:"):])
			}
		}

		fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n%s\r\n", acceptHeader(key))

		if script != nil {
			script(t, conn, r)
		}
		time.Sleep(500 * time.Millisecond)
	}()

	return srv
}

func goodAccept(key string) string {
	return fmt.Sprintf("Sec-WebSocket-Accept: %s\r\n", wskit.ComputeAccept(key))
}

// readFrame reads one complete frame from the connection.
func readFrame(t *testing.T, r *bufio.Reader) wskit.Frame {
	t.Helper()
	var buf []byte
	tmp := make([]byte, 1024)
	for {
		if frame, consumed := wskit.ParseFrame(buf); consumed > 0 {
			return frame
		}
		n, err := r.Read(tmp)
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func connectClient(t *testing.T, runner *tasks.ThreadRunner, l *recordingListener, url string, protocols []string) *wsc.Client {
	t.Helper()
	client := wsc.NewClient(runner, l)
	client.SetPingInterval(0) // keep scripted exchanges deterministic
	runner.PostTask(func() { client.Connect(url, nil, protocols) })
	return client
}

func TestClientEchoAgainstServer(t *testing.T) {
	runner := startRunner(t)

	// Our own httpd server is the peer here; gorilla covers the
	// server-side tests, the raw scripted peer covers the rest below.
	router := httpd.NewRouter()
	router.Get("/ws", func(c *httpd.Ctx) { c.Request.Conn.UpgradeToWebsocket(c.Request) })
	router.Websocket(func(msg *httpd.WebsocketMessage) {
		if msg.IsText {
			msg.Conn.SendWebsocketMessageText(msg.Data)
		} else {
			msg.Conn.SendWebsocketMessage(msg.Data)
		}
	})
	srv := httpd.NewServer(runner, router)
	started := make(chan error, 1)
	runner.PostTask(func() { started <- srv.Start(0) })
	if err := <-started; err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(func() { runner.PostTask(srv.Stop) })

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/ws", srv.Port()), nil)

	l.waitFor(t, "connected", func() bool { return l.connected == 1 })

	runner.PostTask(func() { client.SendText("Hello") })
	l.waitFor(t, "echo", func() bool { return len(l.messages) == 1 })

	if !l.messages[0].IsText || string(l.messages[0].Data) != "Hello" {
		t.Fatalf("echo = %+v", l.messages[0])
	}

	runner.PostTask(func() { client.SendBinary([]byte{9, 8, 7}) })
	l.waitFor(t, "binary echo", func() bool { return len(l.messages) == 2 })
	if l.messages[1].IsText || len(l.messages[1].Data) != 3 {
		t.Fatalf("binary echo = %+v", l.messages[1])
	}
}

func TestClientReceivesServerMessage(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		// Unmasked server text frame: 0x81 0x05 Hello.
		conn.Write([]byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'})
	})

	l := &recordingListener{}
	connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "message", func() bool { return len(l.messages) == 1 })
	if !l.messages[0].IsText || string(l.messages[0].Data) != "Hello" {
		t.Fatalf("message = %+v", l.messages[0])
	}
}

func TestClientRejectsMaskedServerFrame(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		// A masked frame from the server is a protocol violation.
		conn.Write(wskit.BuildFrame(wskit.OpText, []byte("bad"), true, true, nil))
	})

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "error", func() bool { return len(l.errors) > 0 })
	if client.State() != wsc.StateError {
		t.Fatalf("state = %d, want error", client.State())
	}
}

func TestClientFragmentedMessage(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		// text FIN=0 "Hel", interleaved ping, continuation FIN=1 "lo".
		conn.Write(wskit.BuildFrame(wskit.OpText, []byte("Hel"), false, false, nil))
		conn.Write(wskit.BuildFrame(wskit.OpPing, []byte("mid"), true, false, nil))
		conn.Write(wskit.BuildFrame(wskit.OpContinuation, []byte("lo"), true, false, nil))

		// The ping must come back as a masked pong with the same payload.
		pong := readFrame(t, r)
		if pong.Opcode != wskit.OpPong || !pong.Masked || string(pong.Payload) != "mid" {
			t.Errorf("expected masked pong 'mid', got %s masked=%v payload=%q",
				pong.Opcode, pong.Masked, pong.Payload)
		}
	})

	l := &recordingListener{}
	connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "reassembled message", func() bool { return len(l.messages) == 1 })
	if string(l.messages[0].Data) != "Hello" || !l.messages[0].IsText {
		t.Fatalf("message = %+v", l.messages[0])
	}
	l.waitFor(t, "interleaved ping", func() bool { return len(l.pings) == 1 })
}

func TestClientRejectsInterleavedDataFrame(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		conn.Write(wskit.BuildFrame(wskit.OpText, []byte("He"), false, false, nil))
		// New data frame before the continuation sequence completes.
		conn.Write(wskit.BuildFrame(wskit.OpText, []byte("X"), true, false, nil))
	})

	l := &recordingListener{}
	connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "protocol error", func() bool { return len(l.errors) > 0 })
}

func TestClientRejectsOversizedDeclaredFrame(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		// Header declaring a 64MB payload, body never sent. The declared
		// length alone must trigger the rejection; waiting would stall the
		// client forever.
		header := []byte{0x82, 127, 0, 0, 0, 0, 0x04, 0, 0, 0}
		conn.Write(header)

		// The client answers with a masked 1009 close before dropping.
		closeFrame := readFrame(t, r)
		if closeFrame.Opcode != wskit.OpClose || !closeFrame.Masked {
			t.Errorf("expected masked close, got %s masked=%v", closeFrame.Opcode, closeFrame.Masked)
			return
		}
		if len(closeFrame.Payload) < 2 {
			t.Errorf("close payload too short: %x", closeFrame.Payload)
			return
		}
		code := uint16(closeFrame.Payload[0])<<8 | uint16(closeFrame.Payload[1])
		if code != wskit.CloseMessageTooBig {
			t.Errorf("close code = %d, want 1009", code)
		}
	})

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "oversized frame error", func() bool { return len(l.errors) > 0 })
	if client.State() != wsc.StateError {
		t.Fatalf("state = %d, want error", client.State())
	}
	if len(l.messages) != 0 {
		t.Fatal("no message must be delivered for an oversized frame")
	}
}

func TestClientRejectsFrameOverMaxMessageSize(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		// A frame well under the protocol cap but over the configured
		// per-client limit, delivered in full.
		conn.Write(wskit.BuildFrame(wskit.OpBinary, make([]byte, 4096), true, false, nil))
	})

	l := &recordingListener{}
	client := wsc.NewClient(runner, l)
	client.SetPingInterval(0)
	client.SetMaxMessageSize(1024)
	runner.PostTask(func() {
		client.Connect(fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil, nil)
	})

	l.waitFor(t, "message size error", func() bool { return len(l.errors) > 0 })
	if client.State() != wsc.StateError {
		t.Fatalf("state = %d, want error", client.State())
	}
	if len(l.messages) != 0 {
		t.Fatal("no message must be delivered over the size cap")
	}
}

func TestClientHandshakeRejectedOnBadAccept(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, func(key string) string {
		return "Sec-WebSocket-Accept: bogusvalue\r\n"
	}, nil)

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "handshake error", func() bool { return len(l.errors) > 0 })
	if client.State() != wsc.StateError {
		t.Fatalf("state = %d, want error", client.State())
	}
	if l.connected != 0 {
		t.Fatal("OnWebSocketConnected fired despite invalid accept")
	}
}

func TestClientCloseEcho(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		payload := append([]byte{0x03, 0xE8}, []byte("bye")...) // 1000 + reason
		conn.Write(wskit.BuildFrame(wskit.OpClose, payload, true, false, nil))

		echo := readFrame(t, r)
		if echo.Opcode != wskit.OpClose || !echo.Masked {
			t.Errorf("expected masked close echo, got %s masked=%v", echo.Opcode, echo.Masked)
			return
		}
		if len(echo.Payload) < 2 || echo.Payload[0] != 0x03 || echo.Payload[1] != 0xE8 {
			t.Errorf("close echo payload = %x", echo.Payload)
		}
	})

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil)

	l.waitFor(t, "close", func() bool { return len(l.closes) == 1 })
	if l.closes[0].code != 1000 || l.closes[0].reason != "bye" {
		t.Fatalf("close = %+v", l.closes[0])
	}
	if client.State() != wsc.StateClosed {
		t.Fatalf("state = %d, want closed", client.State())
	}
}

func TestClientSubprotocolNegotiation(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, func(key string) string {
		return goodAccept(key) + "Sec-WebSocket-Protocol: chat\r\n"
	}, nil)

	l := &recordingListener{}
	client := connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), []string{"chat", "superchat"})

	l.waitFor(t, "connected", func() bool { return l.connected == 1 })
	if client.SelectedProtocol() != "chat" {
		t.Fatalf("selected protocol = %q", client.SelectedProtocol())
	}
}

func TestClientRejectsUnrequestedSubprotocol(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, func(key string) string {
		return goodAccept(key) + "Sec-WebSocket-Protocol: surprise\r\n"
	}, nil)

	l := &recordingListener{}
	connectClient(t, runner, l, fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), []string{"chat"})

	l.waitFor(t, "handshake error", func() bool { return len(l.errors) > 0 })
}

func TestClientAutoPing(t *testing.T) {
	runner := startRunner(t)
	srv := startRawServer(t, goodAccept, func(t *testing.T, conn net.Conn, r *bufio.Reader) {
		ping := readFrame(t, r)
		if ping.Opcode != wskit.OpPing || !ping.Masked {
			t.Errorf("expected masked auto-ping, got %s masked=%v", ping.Opcode, ping.Masked)
		}
	})

	l := &recordingListener{}
	client := wsc.NewClient(runner, l)
	client.SetPingInterval(50)
	runner.PostTask(func() {
		client.Connect(fmt.Sprintf("ws://127.0.0.1:%d/", srv.port), nil, nil)
	})

	l.waitFor(t, "connected", func() bool { return l.connected == 1 })
	// The scripted peer asserts the ping arrives; give it time to fail.
	time.Sleep(300 * time.Millisecond)
}

func TestClientAutoReconnect(t *testing.T) {
	runner := startRunner(t)

	// A hand-rolled peer that drops the first connection right after the
	// handshake, then keeps the second one open.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			r := bufio.NewReader(conn)
			var key string
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					conn.Close()
					return
				}
				line = strings.TrimSpace(line)
				if line == "" {
					break
				}
				if strings.HasPrefix(strings.ToLower(line), "sec-websocket-key:") {
					key = strings.TrimSpace(line[len("sec-websocket-key:"):])
				}
			}
			fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n%s\r\n", goodAccept(key))
			if i == 0 {
				conn.Close() // abnormal drop triggers reconnect
			} else {
				defer conn.Close()
			}
		}
	}()

	l := &recordingListener{}
	client := wsc.NewClient(runner, l)
	client.SetPingInterval(0)
	client.SetAutoReconnect(true, 50)
	port := ln.Addr().(*net.TCPAddr).Port
	runner.PostTask(func() {
		client.Connect(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil, nil)
	})

	l.waitFor(t, "first connect", func() bool { return l.connected >= 1 })
	l.waitFor(t, "abnormal close", func() bool { return len(l.closes) >= 1 })
	l.waitFor(t, "reconnect", func() bool { return l.connected >= 2 })

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closes[0].code != wskit.CloseAbnormalClosure {
		t.Fatalf("first close code = %d, want 1006", l.closes[0].code)
	}
}

func TestClientHandshakeRequestShape(t *testing.T) {
	runner := startRunner(t)

	gotReq := make(chan string, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 4096)
		var req []byte
		for !strings.Contains(string(req), "\r\n\r\n") {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			req = append(req, buf[:n]...)
		}
		gotReq <- string(req)
	}()

	l := &recordingListener{}
	client := wsc.NewClient(runner, l)
	headers := httpkit.Headers{{Name: "X-Custom", Value: "v1"}}
	port := ln.Addr().(*net.TCPAddr).Port
	runner.PostTask(func() {
		client.Connect(fmt.Sprintf("ws://127.0.0.1:%d/path?q=1", port), headers, []string{"proto-a", "proto-b"})
	})

	select {
	case req := <-gotReq:
		for _, want := range []string{
			"GET /path?q=1 HTTP/1.1\r\n",
			"Upgrade: websocket\r\n",
			"Connection: Upgrade\r\n",
			"Sec-WebSocket-Version: 13\r\n",
			"Sec-WebSocket-Protocol: proto-a, proto-b\r\n",
			"X-Custom: v1\r\n",
			"Sec-WebSocket-Key: ",
		} {
			if !strings.Contains(req, want) {
				t.Errorf("handshake request missing %q:\n%s", want, req)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake request never arrived")
	}
}
