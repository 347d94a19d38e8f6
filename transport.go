package swcache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
)

// originTransport sends requests for the serving origin to the upstream
// server instead. Requests to any other origin go out unchanged.
type originTransport struct {
	origin   url.URL
	upstream url.URL
	host     string
	base     http.RoundTripper
}

func (t originTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.upstream.Host == "" || !sameOrigin(r.URL, &t.origin) {
		return t.base.RoundTrip(r)
	}
	req := r.Clone(r.Context())
	req.URL.Scheme = t.upstream.Scheme
	req.URL.Host = t.upstream.Host
	if t.host != "" {
		req.Host = t.host
	}
	return t.base.RoundTrip(req)
}

// NewNetwork creates the client used for all outgoing requests.
// If upstream is set, requests for the origin are sent there, using
// upstreamHost (if any) for the Host header and TLS negotiation.
// Redirects are not followed, they are passed on to the client as is.
func NewNetwork(origin url.URL, upstream url.URL, upstreamHost string) *http.Client {
	base := http.DefaultTransport
	if upstreamHost != "" {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			ServerName: upstreamHost,
		}
		base = transport
	}
	return &http.Client{
		Transport: originTransport{
			origin:   origin,
			upstream: upstream,
			host:     upstreamHost,
			base:     base,
		},
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
