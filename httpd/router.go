package httpd

import (
	"encoding/json"
	"strings"

	"github.com/teranos/loom/httpkit"
)

// RouteParams holds values captured by :param and *wildcard segments.
type RouteParams map[string]string

// Get returns the captured value for name, or "".
func (p RouteParams) Get(name string) string { return p[name] }

// Has reports whether name was captured.
func (p RouteParams) Has(name string) bool { _, ok := p[name]; return ok }

// Ctx wraps a request with routing context and response helpers.
type Ctx struct {
	Request *Request
	Params  RouteParams
	Query   map[string]string

	status int
}

// Status sets the response status code for the next Text/JSON call.
func (c *Ctx) Status(code int) *Ctx {
	c.status = code
	return c
}

// Text responds with text/plain content.
func (c *Ctx) Text(body string) {
	headers := httpkit.Headers{{Name: "Content-Type", Value: "text/plain"}}
	c.Request.Conn.SendResponse(c.code(), headers, []byte(body), false)
}

// JSON marshals v and responds with application/json content.
func (c *Ctx) JSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.Request.Conn.SendResponse(500, nil, []byte("marshal error"), false)
		return
	}
	headers := httpkit.Headers{{Name: "Content-Type", Value: "application/json"}}
	c.Request.Conn.SendResponse(c.code(), headers, data, false)
}

// Redirect responds with a 302 (or the status set via Status) and a
// Location header.
func (c *Ctx) Redirect(location string) {
	code := c.status
	if code == 0 {
		code = 302
	}
	headers := httpkit.Headers{{Name: "Location", Value: location}}
	c.Request.Conn.SendResponse(code, headers, nil, false)
}

// TextWithHeaders responds with extra headers plus a text body.
func (c *Ctx) TextWithHeaders(headers httpkit.Headers, body string) {
	headers.Set("Content-Type", "text/plain")
	c.Request.Conn.SendResponse(c.code(), headers, []byte(body), false)
}

// Bytes responds with the given content type and raw body.
func (c *Ctx) Bytes(contentType string, body []byte) {
	headers := httpkit.Headers{{Name: "Content-Type", Value: contentType}}
	c.Request.Conn.SendResponse(c.code(), headers, body, false)
}

func (c *Ctx) code() int {
	if c.status == 0 {
		return 200
	}
	return c.status
}

// RouteHandler handles one matched request.
type RouteHandler func(*Ctx)

// WebsocketHandler handles inbound websocket frames on upgraded
// connections.
type WebsocketHandler func(*WebsocketMessage)

type route struct {
	method   httpkit.Method
	segments []string
	handler  RouteHandler
}

// Router dispatches requests by method and path pattern. Patterns support
// ':name' parameter segments and a trailing '*name' wildcard. It implements
// Handler, so it plugs directly into a Server.
type Router struct {
	BaseHandler

	routes      []route
	notFound    RouteHandler
	onWebsocket WebsocketHandler
	onClosed    func(*Conn)
}

// NewRouter creates an empty router with a default 404 handler.
func NewRouter() *Router {
	return &Router{
		notFound: func(c *Ctx) {
			c.Status(404).Text("not found")
		},
	}
}

// Handle registers a handler for the method and pattern. MethodAny matches
// every method.
func (r *Router) Handle(method httpkit.Method, pattern string, h RouteHandler) {
	r.routes = append(r.routes, route{
		method:   method,
		segments: splitPath(pattern),
		handler:  h,
	})
}

// Get registers a GET route.
func (r *Router) Get(pattern string, h RouteHandler) { r.Handle(httpkit.MethodGet, pattern, h) }

// Post registers a POST route.
func (r *Router) Post(pattern string, h RouteHandler) { r.Handle(httpkit.MethodPost, pattern, h) }

// Put registers a PUT route.
func (r *Router) Put(pattern string, h RouteHandler) { r.Handle(httpkit.MethodPut, pattern, h) }

// Delete registers a DELETE route.
func (r *Router) Delete(pattern string, h RouteHandler) { r.Handle(httpkit.MethodDelete, pattern, h) }

// Options registers an OPTIONS route.
func (r *Router) Options(pattern string, h RouteHandler) {
	r.Handle(httpkit.MethodOptions, pattern, h)
}

// Any registers a route matching every method.
func (r *Router) Any(pattern string, h RouteHandler) { r.Handle(httpkit.MethodAny, pattern, h) }

// NotFound replaces the fallback handler.
func (r *Router) NotFound(h RouteHandler) { r.notFound = h }

// Websocket sets the handler for inbound websocket messages.
func (r *Router) Websocket(h WebsocketHandler) { r.onWebsocket = h }

// ConnectionClosed sets a callback for closed connections.
func (r *Router) ConnectionClosed(f func(*Conn)) { r.onClosed = f }

// OnHTTPRequest implements Handler.
func (r *Router) OnHTTPRequest(req *Request) {
	method := httpkit.ParseMethod(string(req.Method))

	path := string(req.URI)
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}
	segments := splitPath(path)

	for _, rt := range r.routes {
		if rt.method != httpkit.MethodAny && rt.method != method {
			continue
		}
		params, ok := matchSegments(rt.segments, segments)
		if !ok {
			continue
		}
		ctx := &Ctx{Request: req, Params: params, Query: parseQuery(query)}
		rt.handler(ctx)
		return
	}

	r.notFound(&Ctx{Request: req, Params: RouteParams{}, Query: parseQuery(query)})
}

// OnWebsocketMessage implements Handler.
func (r *Router) OnWebsocketMessage(msg *WebsocketMessage) {
	if r.onWebsocket != nil {
		r.onWebsocket(msg)
	}
}

// OnHTTPConnectionClosed implements Handler.
func (r *Router) OnHTTPConnectionClosed(c *Conn) {
	if r.onClosed != nil {
		r.onClosed(c)
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) (RouteParams, bool) {
	params := RouteParams{}
	for i, seg := range pattern {
		if strings.HasPrefix(seg, "*") {
			params[seg[1:]] = strings.Join(path[i:], "/")
			return params, true
		}
		if i >= len(path) {
			return nil, false
		}
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = httpkit.URLDecode(path[i])
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if len(path) != len(pattern) {
		return nil, false
	}
	return params, true
}

func parseQuery(q string) map[string]string {
	if q == "" {
		return map[string]string{}
	}
	return httpkit.ParseFormData(q)
}
