// Package util provides shared HTTP plumbing for the gateway: proxy-aware
// outbound clients, TLS fingerprint impersonation, and response body
// decompression.
package util

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/byokey/byokey/internal/config"
)

const (
	// ConnectTimeout bounds TCP+TLS establishment to any upstream.
	ConnectTimeout = 10 * time.Second
	// RequestTimeout bounds a complete non-streaming upstream exchange.
	RequestTimeout = 120 * time.Second
)

var (
	clientCacheMu sync.Mutex
	clientCache   = map[string]*http.Client{}
)

// NewHTTPClient returns a proxy-aware client for upstream calls. Clients are
// cached per (proxy, fingerprint, timeout) so connection pools are shared
// process-wide. providerProxy overrides the global proxy when non-empty.
// timeout of zero means no overall deadline (streaming requests manage their
// own idle timeout).
func NewHTTPClient(cfg *config.Config, providerProxy string, timeout time.Duration) *http.Client {
	proxyURL := strings.TrimSpace(providerProxy)
	var impersonate string
	if cfg != nil {
		if proxyURL == "" {
			proxyURL = strings.TrimSpace(cfg.ProxyURL)
		}
		impersonate = strings.TrimSpace(cfg.TLS.Impersonate)
	}
	key := fmt.Sprintf("%s|%s|%d", proxyURL, impersonate, timeout)

	clientCacheMu.Lock()
	defer clientCacheMu.Unlock()
	if c, ok := clientCache[key]; ok {
		return c
	}

	transport := newTransport(proxyURL, impersonate)
	client := &http.Client{Transport: transport, Timeout: timeout}
	clientCache[key] = client
	return client
}

func newTransport(proxyURL, impersonate string) http.RoundTripper {
	proxyFunc := http.ProxyFromEnvironment
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Warnf("invalid proxy url %q, falling back to environment: %v", maskProxyURL(proxyURL), err)
		} else {
			proxyFunc = http.ProxyURL(parsed)
		}
	}
	if helloID, ok := fingerprintHello(impersonate); ok {
		return &fingerprintTransport{helloID: helloID, dialer: &net.Dialer{Timeout: ConnectTimeout}}
	}
	if impersonate != "" {
		log.Warnf("unknown tls fingerprint %q, using default client hello", impersonate)
	}
	return &http.Transport{
		Proxy:                 proxyFunc,
		DialContext:           (&net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

func fingerprintHello(name string) (utls.ClientHelloID, bool) {
	switch strings.ToLower(name) {
	case "chrome":
		return utls.HelloChrome_Auto, true
	case "firefox":
		return utls.HelloFirefox_Auto, true
	case "safari":
		return utls.HelloSafari_Auto, true
	case "edge":
		return utls.HelloEdge_Auto, true
	case "ios":
		return utls.HelloIOS_Auto, true
	case "random":
		return utls.HelloRandomized, true
	default:
		return utls.ClientHelloID{}, false
	}
}

// fingerprintTransport performs the TLS handshake with a uTLS client hello so
// upstreams that reject Go's default fingerprint (Copilot, Claude web tokens)
// accept the connection. The negotiated ALPN protocol decides whether the
// request rides HTTP/2 or HTTP/1.1.
type fingerprintTransport struct {
	helloID utls.ClientHelloID
	dialer  *net.Dialer
}

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		plain := &http.Transport{DialContext: t.dialer.DialContext}
		return plain.RoundTrip(req)
	}
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	rawConn, err := t.dialer.DialContext(req.Context(), "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	conn := utls.UClient(rawConn, &utls.Config{ServerName: host}, t.helloID)
	if err = conn.HandshakeContext(req.Context()); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("utls handshake with %s: %w", host, err)
	}

	if conn.ConnectionState().NegotiatedProtocol == "h2" {
		h2 := &http2.Transport{}
		cc, errConn := h2.NewClientConn(conn)
		if errConn != nil {
			_ = conn.Close()
			return nil, errConn
		}
		return cc.RoundTrip(req)
	}

	h1 := &http.Transport{
		DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		TLSClientConfig: &tls.Config{ServerName: host},
	}
	return h1.RoundTrip(req)
}

func maskProxyURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u == nil {
		return "<invalid-proxy-url>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}
