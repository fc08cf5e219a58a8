package httpc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/loom/httpkit"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/netio"
)

// State tracks one request/response exchange.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSendingRequest
	StateReceivingResponse
	StateCompleted
	StateError
)

// Listener receives client events on the task runner thread. Any method may
// be left to the zero BaseListener.
type Listener interface {
	OnHTTPResponse(c *Client, resp *Response)
	OnHTTPError(c *Client, msg string)
	OnRedirect(c *Client, location string)
}

// BaseListener provides no-op defaults.
type BaseListener struct{}

func (BaseListener) OnHTTPResponse(*Client, *Response) {}
func (BaseListener) OnHTTPError(*Client, string)       {}
func (BaseListener) OnRedirect(*Client, string)        {}

// Request describes one HTTP request.
type Request struct {
	Method  httpkit.Method
	URL     httpkit.URL
	Headers httpkit.Headers
	Body    []byte
}

// AddHeader appends a request header.
func (r *Request) AddHeader(name, value string) { r.Headers.Add(name, value) }

// SetBody sets the body with an optional content type.
func (r *Request) SetBody(body []byte, contentType string) {
	r.Body = body
	if contentType != "" {
		r.Headers.Set("Content-Type", contentType)
	}
}

// SetJSONBody sets an application/json body.
func (r *Request) SetJSONBody(body []byte) { r.SetBody(body, "application/json") }

// SetFormBody sets a form-encoded body from the map.
func (r *Request) SetFormBody(form map[string]string) {
	r.SetBody([]byte(httpkit.FormEncode(form)), "application/x-www-form-urlencoded")
}

// Response is a parsed HTTP response.
type Response struct {
	StatusCode      int
	StatusMessage   string
	Headers         httpkit.Headers
	Body            []byte
	ContentLength   int
	ChunkedEncoding bool
}

// GetHeader returns the first matching header value.
func (r *Response) GetHeader(name string) string { return r.Headers.Get(name) }

// HasHeader reports header presence.
func (r *Response) HasHeader(name string) bool { return r.Headers.Has(name) }

// IsSuccess reports 2xx.
func (r *Response) IsSuccess() bool { return httpkit.IsSuccessStatus(r.StatusCode) }

// IsRedirect reports 3xx.
func (r *Response) IsRedirect() bool { return httpkit.IsRedirectStatus(r.StatusCode) }

// Client issues HTTP/1.1 requests over a TCPClient. At most one request is
// outstanding at a time. All mutation happens on the task runner thread;
// the sync helpers (Do, Get, Post) may be called from any other goroutine.
type Client struct {
	runner   netio.TaskRunner
	listener Listener
	tcp      *TCPClient
	log      *zap.SugaredLogger

	state           State
	headersReceived bool
	contentLength   int
	chunked         bool
	chunkDec        *chunkedDecoder
	receiveBuffer   []byte
	bodyStart       int

	currentRequest  Request
	currentResponse Response
	lastResponse    Response

	defaultHeaders  httpkit.Headers
	followRedirects bool
	maxRedirects    int
	redirectCount   int
	keepAlive       bool

	connectionReusable bool
	connectedHost      string
	connectedPort      uint16

	jar *cookieJar

	// Optional per-host politeness limiter.
	rpm      int
	limiters map[string]*rate.Limiter

	// pending completes the in-flight Do call, nil for pure async usage.
	pending chan doResult
}

type doResult struct {
	resp *Response
	err  error
}

// NewClient creates an idle client dispatching events to listener (which
// may be nil).
func NewClient(runner netio.TaskRunner, listener Listener) *Client {
	c := &Client{
		runner:          runner,
		listener:        listener,
		log:             logger.Named("httpc"),
		state:           StateIdle,
		contentLength:   -1,
		followRedirects: true,
		maxRedirects:    5,
		jar:             newCookieJar(),
		limiters:        make(map[string]*rate.Limiter),
	}
	c.tcp = NewTCPClient(runner, c)
	c.SetUserAgent("loom-http-client/1.0")
	return c
}

// SetDefaultHeaders replaces the headers merged into every request.
func (c *Client) SetDefaultHeaders(h httpkit.Headers) { c.defaultHeaders = h }

// AddDefaultHeader appends a header merged into every request.
func (c *Client) AddDefaultHeader(name, value string) { c.defaultHeaders.Add(name, value) }

// SetUserAgent sets the User-Agent default header.
func (c *Client) SetUserAgent(ua string) { c.defaultHeaders.Set("User-Agent", ua) }

// SetFollowRedirects configures redirect chasing.
func (c *Client) SetFollowRedirects(follow bool, maxRedirects int) {
	c.followRedirects = follow
	c.maxRedirects = maxRedirects
}

// SetKeepAlive asks servers to keep the connection open for reuse.
func (c *Client) SetKeepAlive(keepAlive bool) { c.keepAlive = keepAlive }

// SetRateLimit bounds request issue rate per host. 0 disables.
func (c *Client) SetRateLimit(requestsPerMinute int) { c.rpm = requestsPerMinute }

// SetCookie stores a cookie for a host ("" = last connected host).
func (c *Client) SetCookie(name, value, host string) {
	if host == "" {
		host = c.connectedHost
	}
	c.jar.set(host, name, value)
}

// Cookies returns the Cookie header the client would send to host.
func (c *Client) Cookies(host string) string {
	if host == "" {
		host = c.connectedHost
	}
	return c.jar.buildCookieHeader(host)
}

// ClearCookies empties the jar.
func (c *Client) ClearCookies() { c.jar.clear() }

// IsBusy reports an in-flight request.
func (c *Client) IsBusy() bool {
	switch c.state {
	case StateConnecting, StateSendingRequest, StateReceivingResponse:
		return true
	}
	return false
}

// LastResponse returns the most recently completed response.
func (c *Client) LastResponse() *Response { return &c.lastResponse }

// Cancel aborts an in-flight request and drops the connection.
func (c *Client) Cancel() {
	c.tcp.Disconnect()
	c.state = StateIdle
	c.receiveBuffer = nil
	c.headersReceived = false
	c.connectionReusable = false
}

// RequestAsync issues a request. Returns false without side effect when a
// request is already in flight; an invalid URL also returns false, after
// reporting the error through OnHTTPError. Must be called on the
// runner thread (or before the loop starts consuming the client).
func (c *Client) RequestAsync(req Request) bool {
	if c.IsBusy() {
		return false
	}
	if !req.URL.IsValid() {
		c.handleError("invalid URL: " + req.URL.String())
		return false
	}

	c.currentRequest = req
	c.redirectCount = 0

	if delay := c.limiterDelayMS(req.URL.Host); delay > 0 {
		c.state = StateConnecting
		c.runner.PostDelayedTask(func() {
			c.state = StateIdle
			c.sendHTTPRequest(c.currentRequest.URL)
		}, delay)
		return true
	}

	return c.sendHTTPRequest(req.URL)
}

// GetAsync issues an asynchronous GET.
func (c *Client) GetAsync(url string) bool {
	return c.RequestAsync(Request{Method: httpkit.MethodGet, URL: httpkit.ParseURL(url)})
}

// PostAsync issues an asynchronous POST.
func (c *Client) PostAsync(url string, body []byte, contentType string) bool {
	req := Request{Method: httpkit.MethodPost, URL: httpkit.ParseURL(url)}
	req.SetBody(body, contentType)
	return c.RequestAsync(req)
}

// Do issues a request and blocks until completion. Must not be called from
// the runner thread. Exactly one Do may be outstanding.
func (c *Client) Do(req Request) (*Response, error) {
	ch := make(chan doResult, 1)
	accepted := make(chan bool, 1)
	c.runner.PostTask(func() {
		c.pending = ch
		ok := c.RequestAsync(req)
		if !ok {
			c.pending = nil
		}
		accepted <- ok
	})
	if !<-accepted {
		return nil, fmt.Errorf("request rejected (busy or invalid URL)")
	}
	res := <-ch
	return res.resp, res.err
}

// Get issues a blocking GET.
func (c *Client) Get(url string) (*Response, error) {
	return c.Do(Request{Method: httpkit.MethodGet, URL: httpkit.ParseURL(url)})
}

// Post issues a blocking POST.
func (c *Client) Post(url string, body []byte, contentType string) (*Response, error) {
	req := Request{Method: httpkit.MethodPost, URL: httpkit.ParseURL(url)}
	req.SetBody(body, contentType)
	return c.Do(req)
}

// PostJSON issues a blocking POST with an application/json body.
func (c *Client) PostJSON(url string, body []byte) (*Response, error) {
	return c.Post(url, body, "application/json")
}

func (c *Client) limiterDelayMS(host string) uint32 {
	if c.rpm <= 0 {
		return 0
	}
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(c.rpm)/60.0), 1)
		c.limiters[host] = lim
	}
	r := lim.Reserve()
	d := r.Delay()
	return uint32(d.Milliseconds())
}

// sendHTTPRequest connects (or reuses the live connection) and transmits.
func (c *Client) sendHTTPRequest(url httpkit.URL) bool {
	canReuse := c.connectionReusable &&
		c.connectedHost == url.Host &&
		c.connectedPort == url.Port &&
		c.tcp.IsConnected()

	if canReuse {
		c.OnConnected(c.tcp, true)
		return true
	}

	if c.tcp.IsConnected() {
		c.tcp.Disconnect()
	}
	c.state = StateConnecting
	c.connectedHost = url.Host
	c.connectedPort = url.Port
	if !c.tcp.ConnectToHost(url.Host, url.Port) {
		c.handleError("failed to initiate connection to " + url.HostPort())
		return false
	}
	return true
}

func (c *Client) buildHTTPRequest(req Request) string {
	url := req.URL

	var sb strings.Builder
	sb.WriteString(req.Method.String())
	sb.WriteByte(' ')
	sb.WriteString(url.RequestTarget())
	sb.WriteString(" HTTP/1.1\r\n")

	sb.WriteString("Host: ")
	sb.WriteString(url.Host)
	if url.Port != url.DefaultPort() {
		fmt.Fprintf(&sb, ":%d", url.Port)
	}
	sb.WriteString("\r\n")

	merged := append(httpkit.Headers{}, c.defaultHeaders...)
	merged = append(merged, req.Headers...)
	merged.WriteTo(&sb)

	if cookies := c.jar.buildCookieHeader(url.Host); cookies != "" {
		sb.WriteString("Cookie: ")
		sb.WriteString(cookies)
		sb.WriteString("\r\n")
	}

	if len(req.Body) > 0 {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(req.Body))
	}

	if c.keepAlive {
		sb.WriteString("Connection: keep-alive\r\n")
	} else {
		sb.WriteString("Connection: close\r\n")
	}
	sb.WriteString("\r\n")
	sb.Write(req.Body)

	return sb.String()
}

// OnConnected implements TCPListener.
func (c *Client) OnConnected(t *TCPClient, ok bool) {
	if !ok {
		c.handleError("failed to connect to " + c.connectedHost)
		return
	}

	c.state = StateSendingRequest
	if !c.tcp.SendString(c.buildHTTPRequest(c.currentRequest)) {
		c.handleError("failed to send HTTP request")
		return
	}

	c.state = StateReceivingResponse
	c.headersReceived = false
	c.contentLength = -1
	c.chunked = false
	c.chunkDec = nil
	c.receiveBuffer = c.receiveBuffer[:0]
	c.bodyStart = 0
}

// OnDataReceived implements TCPListener.
func (c *Client) OnDataReceived(t *TCPClient, data []byte) {
	if c.state != StateReceivingResponse {
		return
	}
	c.receiveBuffer = append(c.receiveBuffer, data...)

	if !c.headersReceived {
		headerEnd := bytes.Index(c.receiveBuffer, []byte("\r\n\r\n"))
		if headerEnd < 0 {
			return
		}
		if !c.parseResponseHead(headerEnd) {
			c.handleError("failed to parse HTTP response")
			return
		}
		c.headersReceived = true
		c.bodyStart = headerEnd + 4

		if c.chunked {
			c.chunkDec = &chunkedDecoder{}
			if done := c.feedChunk(c.receiveBuffer[c.bodyStart:]); done {
				return
			}
			// Chunk bytes live in the decoder now; drop them from the
			// receive buffer so subsequent feeds see only new data.
			c.receiveBuffer = c.receiveBuffer[:c.bodyStart]
		}
	} else if c.chunked {
		if c.feedChunk(data) {
			return
		}
	}

	c.checkCompletion()
}

func (c *Client) feedChunk(data []byte) bool {
	done, err := c.chunkDec.feed(data)
	if err != nil {
		c.handleError("malformed chunked body: " + err.Error())
		return true
	}
	if done {
		c.completeRequest()
		return true
	}
	return false
}

func (c *Client) checkCompletion() {
	if !c.headersReceived || c.chunked {
		return
	}
	if c.contentLength >= 0 {
		if len(c.receiveBuffer)-c.bodyStart >= c.contentLength {
			c.completeRequest()
		}
		return
	}
	// Neither chunked nor content-length: completion arrives with
	// OnDisconnected (HTTP/1.0 style).
}

// OnDisconnected implements TCPListener.
func (c *Client) OnDisconnected(t *TCPClient) {
	c.connectionReusable = false
	if c.state != StateReceivingResponse {
		return
	}
	if !c.headersReceived {
		c.handleError("connection closed before response headers")
		return
	}
	if c.chunked {
		c.handleError("connection closed mid chunked body")
		return
	}
	if c.contentLength >= 0 && len(c.receiveBuffer)-c.bodyStart < c.contentLength {
		c.handleError("connection closed mid body")
		return
	}
	c.completeRequest()
}

// OnError implements TCPListener.
func (c *Client) OnError(t *TCPClient, msg string) {
	c.handleError("TCP error: " + msg)
}

func (c *Client) parseResponseHead(headerEnd int) bool {
	head := c.receiveBuffer[:headerEnd]
	lines := bytes.Split(head, []byte("\r\n"))

	statusParts := bytes.SplitN(lines[0], []byte(" "), 3)
	if len(statusParts) < 2 || !bytes.HasPrefix(statusParts[0], []byte("HTTP/")) {
		return false
	}
	code, err := strconv.Atoi(string(statusParts[1]))
	if err != nil {
		return false
	}

	c.currentResponse = Response{StatusCode: code, ContentLength: -1}
	if len(statusParts) == 3 {
		c.currentResponse.StatusMessage = string(statusParts[2])
	}

	for _, line := range lines[1:] {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		c.currentResponse.Headers.Add(name, value)
	}

	if cl := c.currentResponse.GetHeader("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return false
		}
		c.contentLength = n
		c.currentResponse.ContentLength = n
	}

	te := c.currentResponse.GetHeader("Transfer-Encoding")
	c.chunked = strings.Contains(strings.ToLower(te), "chunked")
	c.currentResponse.ChunkedEncoding = c.chunked

	return true
}

func (c *Client) completeRequest() {
	// Assemble the body.
	switch {
	case c.chunked:
		c.currentResponse.Body = c.chunkDec.body
	case c.contentLength >= 0:
		c.currentResponse.Body = append([]byte(nil), c.receiveBuffer[c.bodyStart:c.bodyStart+c.contentLength]...)
	default:
		c.currentResponse.Body = append([]byte(nil), c.receiveBuffer[c.bodyStart:]...)
		c.currentResponse.ContentLength = len(c.currentResponse.Body)
	}

	c.lastResponse = c.currentResponse

	// Set-Cookie is processed before a redirect is followed, so the
	// intermediate hops' cookies are honoured, as a browser does.
	for _, h := range c.currentResponse.Headers {
		if strings.EqualFold(h.Name, "Set-Cookie") {
			c.jar.processSetCookie(h.Value, c.connectedHost)
		}
	}

	connection := c.currentResponse.GetHeader("Connection")
	c.connectionReusable = c.keepAlive &&
		!strings.EqualFold(connection, "close") &&
		c.tcp.IsConnected()

	if c.currentResponse.IsRedirect() && c.followRedirects {
		c.handleRedirect()
		return
	}

	c.state = StateCompleted
	c.deliverResponse()
}

func (c *Client) handleRedirect() {
	c.redirectCount++
	if c.redirectCount > c.maxRedirects {
		c.handleError("redirect count exceeded limit")
		return
	}

	location := c.currentResponse.GetHeader("Location")
	if location == "" {
		c.state = StateCompleted
		c.deliverResponse()
		return
	}

	newURL := c.currentRequest.URL
	if strings.HasPrefix(location, "/") {
		newURL.Path = location
		newURL.Query = ""
		newURL.Fragment = ""
	} else {
		newURL = httpkit.ParseURL(location)
	}
	if !newURL.IsValid() {
		c.handleError("invalid redirect URL: " + location)
		return
	}

	c.log.Debugw("following redirect", "location", location, "count", c.redirectCount)
	c.currentRequest.URL = newURL
	if c.listener != nil {
		c.listener.OnRedirect(c, location)
	}

	c.state = StateIdle
	if !c.sendHTTPRequest(newURL) {
		c.handleError("failed to send redirected request")
	}
}

func (c *Client) deliverResponse() {
	resp := c.lastResponse
	if c.listener != nil {
		c.listener.OnHTTPResponse(c, &resp)
	}
	if c.pending != nil {
		ch := c.pending
		c.pending = nil
		ch <- doResult{resp: &resp}
	}
}

func (c *Client) handleError(msg string) {
	c.log.Debugw("http client error", "error", msg)
	c.state = StateError
	c.connectionReusable = false

	if c.listener != nil {
		c.listener.OnHTTPError(c, msg)
	}
	if c.pending != nil {
		ch := c.pending
		c.pending = nil
		ch <- doResult{err: fmt.Errorf("%s", msg)}
	}

	c.state = StateIdle
}
