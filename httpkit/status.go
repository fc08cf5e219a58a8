package httpkit

// StatusText returns the reason phrase for a status code, "Unknown" for
// unrecognised codes.
func StatusText(code int) string {
	switch code {
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	}
	return "Unknown"
}

// IsSuccessStatus reports 2xx.
func IsSuccessStatus(code int) bool { return code >= 200 && code < 300 }

// IsRedirectStatus reports 3xx.
func IsRedirectStatus(code int) bool { return code >= 300 && code < 400 }

// IsErrorStatus reports 4xx and above.
func IsErrorStatus(code int) bool { return code >= 400 }
