package httpkit

import "testing"

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw      string
		scheme   string
		host     string
		port     uint16
		path     string
		query    string
		fragment string
	}{
		{"http://example.com/", "http", "example.com", 80, "/", "", ""},
		{"http://example.com", "http", "example.com", 80, "/", "", ""},
		{"https://example.com:8443/a/b?x=1&y=2#frag", "https", "example.com", 8443, "/a/b", "x=1&y=2", "frag"},
		{"http://10.0.0.1:8080/path", "http", "10.0.0.1", 8080, "/path", "", ""},
		{"ws://example.com/socket", "ws", "example.com", 80, "/socket", "", ""},
		{"wss://example.com/socket", "wss", "example.com", 443, "/socket", "", ""},
		{"http://example.com?q=1", "http", "example.com", 80, "/", "q=1", ""},
	}

	for _, tc := range cases {
		u := ParseURL(tc.raw)
		if !u.IsValid() {
			t.Errorf("ParseURL(%q) invalid", tc.raw)
			continue
		}
		if u.Scheme != tc.scheme || u.Host != tc.host || u.Port != tc.port {
			t.Errorf("ParseURL(%q) = %s://%s:%d", tc.raw, u.Scheme, u.Host, u.Port)
		}
		if u.Path != tc.path || u.Query != tc.query || u.Fragment != tc.fragment {
			t.Errorf("ParseURL(%q) path=%q query=%q fragment=%q", tc.raw, u.Path, u.Query, u.Fragment)
		}
	}
}

func TestParseURLInvalid(t *testing.T) {
	if ParseURL("not a url").IsValid() {
		t.Error("schemeless input must be invalid")
	}
	if ParseURL("").IsValid() {
		t.Error("empty input must be invalid")
	}
}

func TestURLStringOmitsDefaultPort(t *testing.T) {
	u := ParseURL("http://example.com:80/x")
	if got := u.String(); got != "http://example.com/x" {
		t.Errorf("String() = %q", got)
	}
	u = ParseURL("http://example.com:8080/x")
	if got := u.String(); got != "http://example.com:8080/x" {
		t.Errorf("String() = %q", got)
	}
}

func TestRequestTarget(t *testing.T) {
	u := ParseURL("http://h/path?a=b")
	if got := u.RequestTarget(); got != "/path?a=b" {
		t.Errorf("RequestTarget() = %q", got)
	}
	u = ParseURL("http://h/path")
	if got := u.RequestTarget(); got != "/path" {
		t.Errorf("RequestTarget() = %q", got)
	}
}

func TestHeaders(t *testing.T) {
	var h Headers
	h.Add("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	if got := h.Get("content-type"); got != "text/plain" {
		t.Errorf("case-insensitive Get: %q", got)
	}
	if !h.Has("CONTENT-TYPE") {
		t.Error("case-insensitive Has failed")
	}
	if vals := h.Values("set-cookie"); len(vals) != 2 || vals[0] != "a=1" || vals[1] != "b=2" {
		t.Errorf("Values: %v", vals)
	}

	h.Set("Content-Type", "application/json")
	if len(h) != 3 {
		t.Errorf("Set must replace, not append: %d headers", len(h))
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("after Set: %q", got)
	}

	// Emission preserves original casing.
	if h[0].Name != "Content-Type" {
		t.Errorf("name casing lost: %q", h[0].Name)
	}
}

func TestMethods(t *testing.T) {
	if ParseMethod("post") != MethodPost {
		t.Error("ParseMethod must be case-insensitive")
	}
	if ParseMethod("BOGUS") != MethodGet {
		t.Error("unknown method must map to GET")
	}
	if MethodDelete.String() != "DELETE" {
		t.Errorf("String: %q", MethodDelete.String())
	}
	if !MethodPost.HasBody() || MethodGet.HasBody() {
		t.Error("HasBody wrong")
	}
	if IsValidMethod("ANY") {
		t.Error("ANY is not a wire method")
	}
	if !IsValidMethod("get") {
		t.Error("get is a wire method")
	}
}

func TestURLEncodeDecode(t *testing.T) {
	in := "a b&c=d/é"
	enc := URLEncode(in)
	if dec := URLDecode(enc); dec != in {
		t.Errorf("round-trip: %q -> %q -> %q", in, enc, dec)
	}
	if URLDecode("a+b") != "a b" {
		t.Error("+ must decode to space")
	}
	if URLEncode("safe-chars_.~") != "safe-chars_.~" {
		t.Error("unreserved characters must pass through")
	}
}

func TestFormEncodeParse(t *testing.T) {
	data := map[string]string{"name": "value with space", "x": "1&2"}
	enc := FormEncode(data)
	back := ParseFormData(enc)
	if len(back) != 2 || back["name"] != "value with space" || back["x"] != "1&2" {
		t.Errorf("round-trip: %v", back)
	}
}

func TestStatusText(t *testing.T) {
	if StatusText(200) != "OK" || StatusText(404) != "Not Found" {
		t.Error("status text table broken")
	}
	if StatusText(799) != "Unknown" {
		t.Error("unknown code must say Unknown")
	}
	if !IsRedirectStatus(302) || IsRedirectStatus(200) {
		t.Error("IsRedirectStatus wrong")
	}
}
