package xferio

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ClientConfig mirrors the teacher's HTTPClientConfig (internal/utils
// /http-client.go): timeouts, proxy, user agent, and the high-thread-mode
// socket tuning knob, generalized for the ranged-fetch transport this
// package drives instead of a single whole-file download.
type ClientConfig struct {
	Timeout        time.Duration
	KeepAlive      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool
}

// NewHTTPClient builds an *http.Client tuned the way the teacher's
// NewDanzoHTTPClient does: bounded idle connections, disabled compression
// (so Content-Range/Content-Length reflect the wire size), and optional
// large socket buffers under HighThreadMode for many simultaneous RAID
// connections.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KeepAlive,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
	}
	if cfg.HighThreadMode {
		transport.DialContext = (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
			DualStack: true,
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					setSocketOptions(fd)
				})
			},
		}).DialContext
	} else {
		transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{Timeout: 0, Transport: transport} // cfg.Timeout bounds connection setup only; there is no client-wide timeout
}
