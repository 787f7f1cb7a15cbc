// Package framer converts between raw bytes and HTTP/1.x message heads.
//
// Parsing is incremental: feed a growing prefix of the stream until the
// outcome is Complete or Malformed. Bodies, chunked framing and folded
// header lines are not handled.
package framer

import "strings"

// Header is one header line. Order within a message is significant.
type Header struct {
	Name  string
	Value string
}

// Headers keeps header lines in wire order.
type Headers []Header

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Request is a parsed or hand-built request head. HTTP/1 carries no minor
// version; HTTP/1.1 sets HasMinor.
type Request struct {
	Method   string
	Path     string
	Version  uint8
	Minor    uint8
	HasMinor bool
	Headers  Headers
}

// Response is a parsed or hand-built status line plus headers.
type Response struct {
	Version  uint8
	Minor    uint8
	HasMinor bool
	Code     uint16
	Reason   string
	Headers  Headers
}
