package httpkit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// URLEncode percent-encodes everything outside the unreserved set.
func URLEncode(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// URLDecode reverses percent-encoding; '+' decodes to space. Malformed
// escapes pass through untouched.
func URLDecode(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '%' && i+2 < len(s):
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
			sb.WriteByte(s[i])
		case s[i] == '+':
			sb.WriteByte(' ')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// FormEncode renders a map as application/x-www-form-urlencoded with
// deterministic key order.
func FormEncode(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(URLEncode(k))
		sb.WriteByte('=')
		sb.WriteString(URLEncode(data[k]))
	}
	return sb.String()
}

// ParseFormData parses application/x-www-form-urlencoded content.
func ParseFormData(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		if eq := strings.IndexByte(pair, '='); eq >= 0 {
			out[URLDecode(pair[:eq])] = URLDecode(pair[eq+1:])
		} else {
			out[URLDecode(pair)] = ""
		}
	}
	return out
}

// EscapeHTML escapes the five significant HTML characters.
func EscapeHTML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return r.Replace(s)
}

// MimeTypeByExtension maps a file extension (with dot) to a MIME type,
// defaulting to application/octet-stream.
func MimeTypeByExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	case ".xml":
		return "application/xml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".svg":
		return "image/svg+xml"
	case ".ico":
		return "image/x-icon"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".wasm":
		return "application/wasm"
	}
	return "application/octet-stream"
}
