package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"taps/internal/endpoint"
	"taps/internal/framer"
	"taps/internal/netutil"
	"taps/internal/transport"
	"taps/internal/transport/quicstream"
	"taps/internal/transport/tlsconn"
	"taps/internal/transport/underlay"
)

type Config struct {
	Role      string    `yaml:"role"` // client | server
	Endpoint  Endpoint  `yaml:"endpoint"`
	Transport Transport `yaml:"transport"`
	Resolver  Resolver  `yaml:"resolver"`
	Framer    Framer    `yaml:"framer"`
	Request   Request   `yaml:"request"`
	Server    Server    `yaml:"server"`
	Metrics   Metrics   `yaml:"metrics"`
	Logging   Logging   `yaml:"logging"`
}

// Endpoint is the connection target of the client role.
type Endpoint struct {
	Hostname string `yaml:"hostname"`
	Service  string `yaml:"service"` // SRV / services-table name used when port is 0
	IPv4     string `yaml:"ipv4"`
	IPv6     string `yaml:"ipv6"`
	Port     uint16 `yaml:"port"`
}

type Transport struct {
	Kind           string             `yaml:"kind"`       // tcp | tls | quic
	LocalBind      string             `yaml:"local_bind"` // quic client UDP bind
	ServerName     string             `yaml:"server_name"`
	ReadBufferSize int                `yaml:"read_buffer_size"`
	ConnectTimeout string             `yaml:"connect_timeout"`
	ConnectRetries int                `yaml:"connect_retries"` // client: extra attempts after a failed connect
	RetryBackoff   string             `yaml:"retry_backoff"`
	Dialer         underlay.Config    `yaml:"dialer"` // tcp and tls only
	TCP            netutil.TCPOptions `yaml:"tcp"`
	TLS            TLSConfig          `yaml:"tls"`
	QUIC           QUICConfig         `yaml:"quic"`
}

type TLSConfig struct {
	CertFile           string   `yaml:"cert_file"` // server role
	KeyFile            string   `yaml:"key_file"`  // server role
	CAFile             string   `yaml:"ca_file"`   // trust anchors; empty uses system roots
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	Fingerprint        string   `yaml:"fingerprint"` // uTLS ClientHello, tls kind only
	ALPN               []string `yaml:"alpn"`
}

type QUICConfig struct {
	ALPN             []string `yaml:"alpn"`
	HandshakeTimeout string   `yaml:"handshake_timeout"`
	MaxIdleTimeout   string   `yaml:"max_idle_timeout"`
	KeepAlivePeriod  string   `yaml:"keep_alive_period"`
	Linger           string   `yaml:"linger"`
	ErrorCode        uint64   `yaml:"error_code"`
	CloseReason      string   `yaml:"close_reason"`
}

type Resolver struct {
	Servers    []string `yaml:"servers"`
	Timeout    string   `yaml:"timeout"`
	PreferIPv6 bool     `yaml:"prefer_ipv6"`
}

type Framer struct {
	MaxHeaders   int `yaml:"max_headers"`
	MaxHeadBytes int `yaml:"max_head_bytes"`
}

type HeaderField struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Request is what the client sends.
type Request struct {
	Method  string        `yaml:"method"`
	Path    string        `yaml:"path"`
	Version string        `yaml:"version"` // "1" or "1.1"
	Headers []HeaderField `yaml:"headers"`
	Body    string        `yaml:"body"`
}

type Server struct {
	Listen           string   `yaml:"listen"`
	HandshakeTimeout string   `yaml:"handshake_timeout"`
	ReadTimeout      string   `yaml:"read_timeout"`
	MaxBodyBytes     int      `yaml:"max_body_bytes"`
	Response         Response `yaml:"response"`

	// Peers that send max_violations malformed heads within
	// violation_window are refused until the window passes. 0 disables.
	MaxViolations   int    `yaml:"max_violations"`
	ViolationWindow string `yaml:"violation_window"`
}

// Response is what the server answers every request with.
type Response struct {
	Version string        `yaml:"version"`
	Code    int           `yaml:"code"`
	Reason  string        `yaml:"reason"`
	Headers []HeaderField `yaml:"headers"`
	Body    string        `yaml:"body"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"` // expose /debug/pprof/* endpoints on metrics listener
}

type Logging struct {
	Level string `yaml:"level"` // debug | info
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = "client"
	}
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = "tcp"
	}
	if c.Transport.ReadBufferSize <= 0 {
		c.Transport.ReadBufferSize = transport.DefaultReadBufferSize
	}
	if c.Transport.ConnectTimeout == "" {
		c.Transport.ConnectTimeout = "10s"
	}
	if c.Transport.RetryBackoff == "" {
		c.Transport.RetryBackoff = "1s"
	}
	c.Transport.Dialer.ApplyDefaults()
	if c.Resolver.Timeout == "" {
		c.Resolver.Timeout = "5s"
	}
	if c.Framer.MaxHeaders == 0 {
		c.Framer.MaxHeaders = framer.DefaultParser.MaxHeaders
	}
	if c.Framer.MaxHeadBytes == 0 {
		c.Framer.MaxHeadBytes = framer.DefaultParser.MaxHeadBytes
	}
	if c.Request.Method == "" {
		c.Request.Method = "GET"
	}
	if c.Request.Path == "" {
		c.Request.Path = "/"
	}
	if c.Request.Version == "" {
		c.Request.Version = "1.1"
	}
	if c.Server.HandshakeTimeout == "" {
		c.Server.HandshakeTimeout = "10s"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.Response.Version == "" {
		c.Server.Response.Version = "1.1"
	}
	if c.Server.Response.Code == 0 {
		c.Server.Response.Code = 200
		if c.Server.Response.Reason == "" {
			c.Server.Response.Reason = "OK"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	var allErrors []error

	if c.Role != "client" && c.Role != "server" {
		return fmt.Errorf("role must be 'client' or 'server'")
	}

	kind, ok := transport.ParseKind(c.Transport.Kind)
	if !ok {
		allErrors = append(allErrors, fmt.Errorf("transport.kind must be tcp, tls or quic, got %q", c.Transport.Kind))
	}

	switch c.Role {
	case "client":
		allErrors = append(allErrors, c.Endpoint.validate()...)
		if _, _, err := c.Request.Message(); err != nil {
			allErrors = append(allErrors, fmt.Errorf("request: %w", err))
		}
		if kind == transport.KindQUIC && c.Transport.Dialer.Type != "direct" {
			allErrors = append(allErrors, fmt.Errorf("transport.dialer.type=%s cannot carry quic", c.Transport.Dialer.Type))
		}
	case "server":
		if c.Server.Listen == "" {
			allErrors = append(allErrors, fmt.Errorf("server.listen is required"))
		}
		if kind == transport.KindTLS || kind == transport.KindQUIC {
			if c.Transport.TLS.CertFile == "" || c.Transport.TLS.KeyFile == "" {
				allErrors = append(allErrors, fmt.Errorf("transport.tls.cert_file and key_file are required for a %s server", kind))
			}
		}
		if _, _, err := c.Server.Response.Message(); err != nil {
			allErrors = append(allErrors, fmt.Errorf("server.response: %w", err))
		}
	}

	if fp := c.Transport.TLS.Fingerprint; fp != "" {
		if kind != transport.KindTLS {
			allErrors = append(allErrors, fmt.Errorf("transport.tls.fingerprint only applies to kind tls"))
		} else if !tlsconn.KnownFingerprint(fp) {
			allErrors = append(allErrors, fmt.Errorf("unknown transport.tls.fingerprint %q", fp))
		}
	}
	if err := validateDialer(c.Transport.Dialer); err != nil {
		allErrors = append(allErrors, err)
	}

	for _, d := range []struct{ name, value string }{
		{"transport.connect_timeout", c.Transport.ConnectTimeout},
		{"transport.retry_backoff", c.Transport.RetryBackoff},
		{"transport.quic.handshake_timeout", c.Transport.QUIC.HandshakeTimeout},
		{"transport.quic.max_idle_timeout", c.Transport.QUIC.MaxIdleTimeout},
		{"transport.quic.keep_alive_period", c.Transport.QUIC.KeepAlivePeriod},
		{"transport.quic.linger", c.Transport.QUIC.Linger},
		{"resolver.timeout", c.Resolver.Timeout},
		{"server.handshake_timeout", c.Server.HandshakeTimeout},
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.violation_window", c.Server.ViolationWindow},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			allErrors = append(allErrors, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.Server.MaxBodyBytes < 0 {
		allErrors = append(allErrors, fmt.Errorf("server.max_body_bytes must not be negative"))
	}
	if c.Server.MaxViolations < 0 {
		allErrors = append(allErrors, fmt.Errorf("server.max_violations must not be negative"))
	}
	if c.Transport.ConnectRetries < 0 {
		allErrors = append(allErrors, fmt.Errorf("transport.connect_retries must not be negative"))
	}
	if c.Framer.MaxHeaders < 0 || c.Framer.MaxHeadBytes < 0 {
		allErrors = append(allErrors, fmt.Errorf("framer limits must not be negative"))
	}
	switch c.Logging.Level {
	case "debug", "info":
	default:
		allErrors = append(allErrors, fmt.Errorf("logging.level must be debug or info"))
	}

	return writeErr(allErrors)
}

func validateDialer(d underlay.Config) error {
	switch d.Type {
	case "direct":
	case "socks":
		if d.SOCKS.Address == "" {
			return fmt.Errorf("transport.dialer.socks.address is required")
		}
	case "proxy_url":
		if d.ProxyURL == "" {
			return fmt.Errorf("transport.dialer.proxy_url is required")
		}
	default:
		return fmt.Errorf("unknown transport.dialer.type %q", d.Type)
	}
	return nil
}

func (e Endpoint) validate() []error {
	var errs []error
	if e.Hostname == "" && e.IPv4 == "" && e.IPv6 == "" {
		errs = append(errs, fmt.Errorf("endpoint needs a hostname, ipv4 or ipv6"))
	}
	if e.Port == 0 && e.Service == "" {
		errs = append(errs, fmt.Errorf("endpoint needs a port or a service"))
	}
	if _, err := e.Descriptor(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// Descriptor builds the endpoint value the resolver works on.
func (e Endpoint) Descriptor() (endpoint.Endpoint, error) {
	d := endpoint.New()
	if e.Hostname != "" {
		d = d.WithHostname(e.Hostname)
	}
	if e.Service != "" {
		d = d.WithService(e.Service)
	}
	if e.IPv4 != "" {
		a, err := netip.ParseAddr(e.IPv4)
		if err != nil || !a.Unmap().Is4() {
			return endpoint.Endpoint{}, fmt.Errorf("endpoint.ipv4 %q is not an IPv4 address", e.IPv4)
		}
		d = d.WithIPv4(a)
	}
	if e.IPv6 != "" {
		a, err := netip.ParseAddr(e.IPv6)
		if err != nil || !a.Is6() || a.Is4In6() {
			return endpoint.Endpoint{}, fmt.Errorf("endpoint.ipv6 %q is not an IPv6 address", e.IPv6)
		}
		d = d.WithIPv6(a)
	}
	if e.Port != 0 {
		d = d.WithPort(e.Port)
	}
	return d, nil
}

// Message builds the request head and body.
func (r Request) Message() (framer.Request, []byte, error) {
	major, minor, hasMinor, err := parseVersion(r.Version)
	if err != nil {
		return framer.Request{}, nil, err
	}
	req := framer.Request{
		Method:   r.Method,
		Path:     r.Path,
		Version:  major,
		Minor:    minor,
		HasMinor: hasMinor,
		Headers:  headers(r.Headers),
	}
	body := []byte(r.Body)
	if len(body) > 0 {
		if _, ok := req.Headers.Get("Content-Length"); !ok {
			req.Headers = append(req.Headers, framer.Header{Name: "Content-Length", Value: strconv.Itoa(len(body))})
		}
	}
	// The head must parse back to itself before it is sent anywhere.
	if out := framer.ParseRequest(framer.SerializeRequest(req)); out.State != framer.Complete {
		return framer.Request{}, nil, out.Err()
	}
	return req, body, nil
}

// Message builds the response head and body; Content-Length is always set.
func (r Response) Message() (framer.Response, []byte, error) {
	major, minor, hasMinor, err := parseVersion(r.Version)
	if err != nil {
		return framer.Response{}, nil, err
	}
	if r.Code < 100 || r.Code > 999 {
		return framer.Response{}, nil, fmt.Errorf("code %d out of range", r.Code)
	}
	resp := framer.Response{
		Version:  major,
		Minor:    minor,
		HasMinor: hasMinor,
		Code:     uint16(r.Code),
		Reason:   r.Reason,
		Headers:  headers(r.Headers),
	}
	if _, ok := resp.Headers.Get("Content-Length"); !ok {
		resp.Headers = append(resp.Headers, framer.Header{Name: "Content-Length", Value: strconv.Itoa(len(r.Body))})
	}
	if out := framer.ParseResponse(framer.SerializeResponse(resp)); out.State != framer.Complete {
		return framer.Response{}, nil, out.Err()
	}
	return resp, []byte(r.Body), nil
}

func headers(fields []HeaderField) framer.Headers {
	if len(fields) == 0 {
		return nil
	}
	out := make(framer.Headers, 0, len(fields))
	for _, f := range fields {
		out = append(out, framer.Header{Name: f.Name, Value: f.Value})
	}
	return out
}

// parseVersion accepts "1", "1.1" and the same with an "HTTP/" prefix.
func parseVersion(s string) (major, minor uint8, hasMinor bool, err error) {
	s = strings.TrimPrefix(s, "HTTP/")
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	m, err := strconv.ParseUint(majorStr, 10, 8)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid version %q", s)
	}
	if !hasMinor {
		return uint8(m), 0, false, nil
	}
	n, err := strconv.ParseUint(minorStr, 10, 8)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid version %q", s)
	}
	return uint8(m), uint8(n), true, nil
}

// KindValue returns the parsed transport kind. Load has validated it.
func (t Transport) KindValue() transport.Kind {
	k, _ := transport.ParseKind(t.Kind)
	return k
}

func (c *Config) ConnectTimeout() time.Duration {
	return parseDurationOr(c.Transport.ConnectTimeout, 10*time.Second)
}

func (c *Config) RetryBackoff() time.Duration {
	return parseDurationOr(c.Transport.RetryBackoff, time.Second)
}

// HandshakeTimeout bounds the TLS handshake, or the wait for the QUIC
// stream, of each accepted peer.
func (c *Config) HandshakeTimeout() time.Duration {
	return parseDurationOr(c.Server.HandshakeTimeout, 10*time.Second)
}

func (c *Config) ReadTimeout() time.Duration {
	return parseDurationOr(c.Server.ReadTimeout, 30*time.Second)
}

func (c *Config) ViolationWindow() time.Duration {
	return parseDurationOr(c.Server.ViolationWindow, 2*time.Minute)
}

// Parser returns the framer limits.
func (c *Config) Parser() framer.Parser {
	return framer.Parser{MaxHeaders: c.Framer.MaxHeaders, MaxHeadBytes: c.Framer.MaxHeadBytes}
}

func (c *Config) ResolverConfig() endpoint.ResolverConfig {
	return endpoint.ResolverConfig{
		Servers:    c.Resolver.Servers,
		Timeout:    parseDurationOr(c.Resolver.Timeout, 5*time.Second),
		PreferIPv6: c.Resolver.PreferIPv6,
	}
}

// Trust is the explicit trust-anchor source for tls and quic.
func (c *Config) Trust() tlsconn.Trust {
	return tlsconn.Trust{CAFile: c.Transport.TLS.CAFile}
}

// TLSOptions builds client options for the tls kind over dialer.
func (c *Config) TLSOptions(dialer underlay.Dialer) tlsconn.Options {
	return tlsconn.Options{
		Trust:              c.Trust(),
		ALPN:               c.Transport.TLS.ALPN,
		Fingerprint:        c.Transport.TLS.Fingerprint,
		InsecureSkipVerify: c.Transport.TLS.InsecureSkipVerify,
		Dialer:             dialer,
		TCP:                c.Transport.TCP,
		ReadBufferSize:     c.Transport.ReadBufferSize,
	}
}

// QUICOptions builds options for either quic role.
func (c *Config) QUICOptions() quicstream.Options {
	q := c.Transport.QUIC
	opts := quicstream.Options{
		Trust:              c.Trust(),
		ALPN:               q.ALPN,
		InsecureSkipVerify: c.Transport.TLS.InsecureSkipVerify,
		HandshakeTimeout:   parseDurationOr(q.HandshakeTimeout, 0),
		MaxIdleTimeout:     parseDurationOr(q.MaxIdleTimeout, 0),
		KeepAlivePeriod:    parseDurationOr(q.KeepAlivePeriod, 0),
		Linger:             parseDurationOr(q.Linger, 0),
		ErrorCode:          q.ErrorCode,
		CloseReason:        q.CloseReason,
		ReadBufferSize:     c.Transport.ReadBufferSize,
	}
	opts.ApplyDefaults()
	return opts
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
