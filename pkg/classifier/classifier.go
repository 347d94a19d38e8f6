// Package classifier decides how an intercepted request is handled.
package classifier

import (
	"net/http"
	"net/url"
	"strings"
)

type Class int

const (
	// Ignored requests are not intercepted at all.
	Ignored Class = iota
	// FirstParty requests are served cache first.
	FirstParty
	// ThirdParty requests are served stale while revalidating.
	ThirdParty
)

func (c Class) String() string {
	switch c {
	case Ignored:
		return "ignored"
	case FirstParty:
		return "first-party"
	case ThirdParty:
		return "third-party"
	}
	return "unknown"
}

type Classifier struct {
	origin  string
	seed    map[string]bool
	hosts   []string
	schemes map[string]bool
}

// New creates a classifier for requests seen from the serving origin.
// A request whose hostname contains any of ignoreHosts is ignored, as is any
// request using one of ignoreSchemes or a scheme that cannot be fetched.
func New(origin *url.URL, seed []string, ignoreHosts []string, ignoreSchemes []string) Classifier {
	c := Classifier{
		seed:    make(map[string]bool, len(seed)),
		hosts:   make([]string, 0, len(ignoreHosts)),
		schemes: make(map[string]bool, len(ignoreSchemes)),
	}
	if origin != nil {
		c.origin = originOf(origin)
	}
	for _, path := range seed {
		c.seed[path] = true
	}
	for _, host := range ignoreHosts {
		if host != "" {
			c.hosts = append(c.hosts, strings.ToLower(host))
		}
	}
	for _, scheme := range ignoreSchemes {
		c.schemes[strings.TrimSuffix(strings.ToLower(scheme), ":")] = true
	}
	return c
}

// Classify maps the request to a class.
// The rules are applied in order and the first one matching wins.
func (c Classifier) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return Ignored
	}
	if r.URL == nil {
		return Ignored
	}
	scheme := strings.ToLower(r.URL.Scheme)
	if c.schemes[scheme] || (scheme != "http" && scheme != "https") {
		return Ignored
	}
	hostname := strings.ToLower(r.URL.Hostname())
	for _, host := range c.hosts {
		if strings.Contains(hostname, host) {
			return Ignored
		}
	}
	if c.seed[r.URL.Path] || originOf(r.URL) == c.origin {
		return FirstParty
	}
	return ThirdParty
}

// originOf returns the scheme://host[:port] serialization of u.
// Default ports are dropped so equal origins compare equal.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}
