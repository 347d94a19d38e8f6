package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var ErrMethodNotSupported = errors.New("method not supported")

const (
	methodSeparator = ":"
	headerSeparator = "\t"
)

// Identity is the part of a request that selects a stored response:
// the method, the absolute URL (without fragment) and the headers the
// keyer was configured to consider relevant.
type Identity struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
}

// Key renders the identity into the string used by the store.
// Header names are lower-cased and sorted so equal identities always
// produce equal keys.
func (id Identity) Key() string {
	key := id.Method + methodSeparator + id.URL + headerSeparator
	names := make([]string, 0, len(id.Header))
	for name := range id.Header {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	for _, name := range names {
		key += "\n" + name + ": " + id.Header.Get(name)
	}
	return key
}

type CacheKeyer struct {
	// Request headers that take part in the identity.
	// Empty means the identity depends on method and URL only.
	Headers []string
}

func NewCacheKeyer(headers ...string) CacheKeyer {
	return CacheKeyer{Headers: headers}
}

// Identify returns the identity of a request.
// Only GET requests can be identified; anything else returns ErrMethodNotSupported.
func (c CacheKeyer) Identify(r *http.Request) (Identity, error) {
	if r.Method != http.MethodGet {
		return Identity{}, ErrMethodNotSupported
	}
	if r.URL == nil || !r.URL.IsAbs() {
		return Identity{}, fmt.Errorf("request url is not absolute: %v", r.URL)
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	id := Identity{
		Method: r.Method,
		URL:    u.String(),
		Header: make(http.Header),
	}
	for _, name := range c.Headers {
		if v := r.Header.Get(name); v != "" {
			id.Header.Set(name, v)
		}
	}
	return id, nil
}

// GetKey is shorthand for Identify followed by Key.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	id, err := c.Identify(r)
	if err != nil {
		return "", err
	}
	return id.Key(), nil
}

// ParseKey recovers the identity a key was rendered from.
// Header names come back in canonical form.
func ParseKey(key string) (Identity, error) {
	head, lines, found := strings.Cut(key, headerSeparator)
	if !found {
		return Identity{}, fmt.Errorf("malformed key: %q", key)
	}
	method, uri, found := strings.Cut(head, methodSeparator)
	if !found {
		return Identity{}, fmt.Errorf("malformed key: %q", key)
	}
	if method != http.MethodGet {
		return Identity{}, ErrMethodNotSupported
	}
	if u, err := url.Parse(uri); err != nil || !u.IsAbs() {
		return Identity{}, fmt.Errorf("malformed key url: %q", uri)
	}
	id := Identity{Method: method, URL: uri, Header: make(http.Header)}
	for _, line := range strings.Split(lines, "\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ": ")
		if !found {
			return Identity{}, fmt.Errorf("malformed key header: %q", line)
		}
		id.Header.Add(name, value)
	}
	return id, nil
}
