package framer

import (
	"fmt"
	"unicode/utf8"
)

// Parser holds head limits. The zero value has none; a head breaking a
// limit is Malformed since more bytes cannot repair it.
type Parser struct {
	MaxHeaders   int
	MaxHeadBytes int
}

// DefaultParser is used by the package-level parse functions.
var DefaultParser = Parser{MaxHeaders: 100, MaxHeadBytes: 64 << 10}

// ParseRequest parses buf with DefaultParser.
func ParseRequest(buf []byte) Outcome[Request] { return DefaultParser.ParseRequest(buf) }

// ParseResponse parses buf with DefaultParser.
func ParseResponse(buf []byte) Outcome[Response] { return DefaultParser.ParseResponse(buf) }

// ParseRequest scans a request line and headers. It is restartable: calling
// it again on a longer prefix of the same stream is always valid.
func (p Parser) ParseRequest(buf []byte) Outcome[Request] {
	s := p.scanner(buf)
	var req Request
	if s.skipEmptyLines() && s.requestLine(&req) && s.headers(&req.Headers) {
		return Outcome[Request]{State: Complete, Message: req, Consumed: s.pos}
	}
	return outcomeOf[Request](s)
}

// ParseResponse scans a status line and headers.
func (p Parser) ParseResponse(buf []byte) Outcome[Response] {
	s := p.scanner(buf)
	var resp Response
	if s.skipEmptyLines() && s.statusLine(&resp) && s.headers(&resp.Headers) {
		return Outcome[Response]{State: Complete, Message: resp, Consumed: s.pos}
	}
	return outcomeOf[Response](s)
}

func (p Parser) scanner(buf []byte) *scanner {
	s := &scanner{buf: buf, maxHeaders: p.MaxHeaders, section: "start line"}
	if p.MaxHeadBytes > 0 && len(buf) > p.MaxHeadBytes {
		s.buf = buf[:p.MaxHeadBytes]
		s.limited = true
	}
	return s
}

func outcomeOf[M any](s *scanner) Outcome[M] {
	switch {
	case s.reason != "":
		return Outcome[M]{State: Malformed, Reason: s.reason, Offset: s.at}
	case s.limited:
		return Outcome[M]{State: Malformed, Reason: fmt.Sprintf("head exceeds %d bytes", len(s.buf)), Offset: len(s.buf)}
	default:
		return Outcome[M]{State: Incomplete, Reason: "unterminated " + s.section, Offset: s.pos}
	}
}

// scanner walks buf one byte at a time. Every step returns false either
// because the buffer ran out (reason empty) or because of a violation.
type scanner struct {
	buf        []byte
	pos        int
	maxHeaders int
	limited    bool
	section    string

	reason string
	at     int
}

func (s *scanner) peek() (byte, bool) {
	if s.pos >= len(s.buf) {
		return 0, false
	}
	return s.buf[s.pos], true
}

func (s *scanner) fail(reason string) bool {
	s.reason, s.at = reason, s.pos
	return false
}

// eol consumes CRLF.
func (s *scanner) eol() bool {
	b, ok := s.peek()
	if !ok {
		return false
	}
	if b != '\r' {
		return s.fail("expected CRLF")
	}
	s.pos++
	if b, ok = s.peek(); !ok {
		return false
	}
	if b != '\n' {
		return s.fail("CR not followed by LF")
	}
	s.pos++
	return true
}

// skipEmptyLines drops CRLFs left over before a start line.
func (s *scanner) skipEmptyLines() bool {
	for {
		b, ok := s.peek()
		if !ok {
			return false
		}
		if b != '\r' {
			return true
		}
		if !s.eol() {
			return false
		}
	}
}

func (s *scanner) space(after string) bool {
	b, ok := s.peek()
	if !ok {
		return false
	}
	if b != ' ' {
		return s.fail("expected space after " + after)
	}
	s.pos++
	return true
}

// token reads 1*tchar.
func (s *scanner) token(what string) (string, bool) {
	start := s.pos
	for {
		b, ok := s.peek()
		if !ok {
			return "", false
		}
		if !tchar[b] {
			break
		}
		s.pos++
	}
	if s.pos == start {
		return "", s.fail("missing " + what)
	}
	return string(s.buf[start:s.pos]), true
}

// digits reads between 1 and max decimal digits.
func (s *scanner) digits(max int, what string) (n, count int, ok bool) {
	for {
		b, ok := s.peek()
		if !ok {
			return 0, 0, false
		}
		if b < '0' || b > '9' {
			break
		}
		if count == max {
			return 0, 0, s.fail(what + " has too many digits")
		}
		n = n*10 + int(b-'0')
		count++
		s.pos++
	}
	if count == 0 {
		return 0, 0, s.fail("missing " + what)
	}
	return n, count, true
}

// version reads HTTP/<major>[.<minor>].
func (s *scanner) version() (major, minor uint8, hasMinor, ok bool) {
	const name = "HTTP/"
	for i := 0; i < len(name); i++ {
		b, ok := s.peek()
		if !ok {
			return 0, 0, false, false
		}
		if b != name[i] {
			return 0, 0, false, s.fail("bad protocol name")
		}
		s.pos++
	}
	n, _, ok := s.digits(3, "version")
	if !ok {
		return 0, 0, false, false
	}
	if n > 255 {
		return 0, 0, false, s.fail("version out of range")
	}
	major = uint8(n)
	b, ok := s.peek()
	if !ok {
		return 0, 0, false, false
	}
	if b != '.' {
		return major, 0, false, true
	}
	s.pos++
	if n, _, ok = s.digits(3, "minor version"); !ok {
		return 0, 0, false, false
	}
	if n > 255 {
		return 0, 0, false, s.fail("minor version out of range")
	}
	return major, uint8(n), true, true
}

// requestLine: method SP request-target SP HTTP-version CRLF
func (s *scanner) requestLine(req *Request) bool {
	method, ok := s.token("method")
	if !ok || !s.space("method") {
		return false
	}
	start := s.pos
	for {
		b, ok := s.peek()
		if !ok {
			return false
		}
		if b < 0x21 || b > 0x7e {
			break
		}
		s.pos++
	}
	if s.pos == start {
		return s.fail("missing path")
	}
	path := string(s.buf[start:s.pos])
	if !s.space("path") {
		return false
	}
	major, minor, hasMinor, ok := s.version()
	if !ok || !s.eol() {
		return false
	}
	*req = Request{Method: method, Path: path, Version: major, Minor: minor, HasMinor: hasMinor}
	return true
}

// statusLine: HTTP-version SP 3DIGIT SP reason-phrase CRLF. The space
// before an empty reason may be left out.
func (s *scanner) statusLine(resp *Response) bool {
	major, minor, hasMinor, ok := s.version()
	if !ok || !s.space("version") {
		return false
	}
	code, count, ok := s.digits(3, "status code")
	if !ok {
		return false
	}
	if count != 3 {
		return s.fail("status code must have three digits")
	}
	b, ok := s.peek()
	if !ok {
		return false
	}
	var reason string
	switch b {
	case '\r':
	case ' ':
		s.pos++
		start := s.pos
		for {
			b, ok := s.peek()
			if !ok {
				return false
			}
			if b == '\r' {
				break
			}
			if b != '\t' && (b < 0x20 || b == 0x7f) {
				return s.fail("reason contains bad character")
			}
			s.pos++
		}
		if !utf8.Valid(s.buf[start:s.pos]) {
			s.pos = start
			return s.fail("reason is not valid UTF-8")
		}
		reason = string(s.buf[start:s.pos])
	default:
		return s.fail("expected space after status code")
	}
	if !s.eol() {
		return false
	}
	*resp = Response{Version: major, Minor: minor, HasMinor: hasMinor, Code: uint16(code), Reason: reason}
	return true
}

// headers: *( field-name ":" OWS field-value OWS CRLF ) CRLF
func (s *scanner) headers(dst *Headers) bool {
	s.section = "header section"
	for {
		b, ok := s.peek()
		if !ok {
			return false
		}
		if b == '\r' {
			return s.eol()
		}
		if b == ' ' || b == '\t' {
			return s.fail("folded header line")
		}
		name, ok := s.token("header name")
		if !ok {
			return false
		}
		if b, ok = s.peek(); !ok {
			return false
		}
		if b != ':' {
			return s.fail("header name contains bad character")
		}
		s.pos++
		for {
			b, ok := s.peek()
			if !ok {
				return false
			}
			if b != ' ' && b != '\t' {
				break
			}
			s.pos++
		}
		start := s.pos
		for {
			b, ok := s.peek()
			if !ok {
				return false
			}
			if b == '\r' {
				break
			}
			if b != '\t' && (b < 0x20 || b == 0x7f) {
				return s.fail("header value contains bad character")
			}
			s.pos++
		}
		end := s.pos
		for end > start && (s.buf[end-1] == ' ' || s.buf[end-1] == '\t') {
			end--
		}
		if !utf8.Valid(s.buf[start:end]) {
			s.pos = start
			return s.fail(fmt.Sprintf("value of header %q is not valid UTF-8", name))
		}
		value := string(s.buf[start:end])
		if !s.eol() {
			return false
		}
		if s.maxHeaders > 0 && len(*dst) == s.maxHeaders {
			return s.fail(fmt.Sprintf("more than %d headers", s.maxHeaders))
		}
		*dst = append(*dst, Header{Name: name, Value: value})
	}
}

// tchar per RFC 9110 token.
var tchar = func() (t [256]bool) {
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-'a'+'A'] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	return
}()
