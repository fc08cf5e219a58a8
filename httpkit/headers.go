package httpkit

import "strings"

// Header is a single name/value pair. Names match case-insensitively but
// are emitted with the casing they were added with.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Order is preserved on emission.
type Headers []Header

// Get returns the first value whose name matches case-insensitively, or "".
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for the given name, in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Set replaces the first matching header's value, or appends.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header, allowing duplicates (Set-Cookie et al).
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// WriteTo renders the list as wire lines into sb.
func (h Headers) WriteTo(sb *strings.Builder) {
	for _, hdr := range h {
		sb.WriteString(hdr.Name)
		sb.WriteString(": ")
		sb.WriteString(hdr.Value)
		sb.WriteString("\r\n")
	}
}
