// Package httpclient builds the HTTP client used for upstream programme
// lookups and checks the stream URLs those lookups hand back before they
// reach the capturer.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/onair/errors"
)

// Options tune New. Zero values take the defaults.
type Options struct {
	Timeout        time.Duration // Default: 30s
	MaxRedirects   int           // Default: 10
	AllowedSchemes []string      // Default: http, https
	// BlockPrivate refuses loopback, link-local and RFC 1918 targets, for
	// deployments where the resolver is a public service.
	BlockPrivate bool
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 10
	}
	if len(o.AllowedSchemes) == 0 {
		o.AllowedSchemes = []string{"http", "https"}
	}
	return o
}

// New returns a client whose redirects are checked against opts.
func New(opts Options) *http.Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
	}
	if opts.BlockPrivate {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, a := range addrs {
				if IsPrivate(a) {
					return nil, errors.Newf("private address blocked: %s", a)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			if err := checkURL(req.URL, opts); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
}

// ValidateURL parses raw and applies the scheme and address rules of opts.
func ValidateURL(raw string, opts Options) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := checkURL(u, opts.withDefaults()); err != nil {
		return nil, err
	}
	return u, nil
}

func checkURL(u *url.URL, opts Options) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range opts.AllowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, opts.AllowedSchemes)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !opts.BlockPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && IsPrivate(a) {
		return errors.Newf("private address blocked: %s", host)
	}
	return nil
}

// documentation is 2001:db8::/32, reserved for examples.
var documentation = netip.MustParsePrefix("2001:db8::/32")

// IsPrivate reports whether a is loopback, private, link-local, multicast,
// unspecified or otherwise not a public unicast address.
func IsPrivate(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsMulticast() || a.IsUnspecified() || a.IsInterfaceLocalMulticast() {
		return true
	}
	if a.Is4() {
		b := a.As4()
		// 0.0.0.0/8 and 240.0.0.0/4
		return b[0] == 0 || b[0] >= 240
	}
	// fec0::/10 site-local
	b := a.As16()
	if b[0] == 0xfe && b[1]&0xc0 == 0xc0 {
		return true
	}
	return documentation.Contains(a)
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
