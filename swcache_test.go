package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/ericselin/swcache/cache"
	"github.com/ericselin/swcache/core"
	cachekey "github.com/ericselin/swcache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.WarnLevel)
}

type upstream struct {
	*httptest.Server
	mutex sync.Mutex
	calls map[string]int
	hosts []string
}

func (u *upstream) count(method, path string) int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.calls[method+" "+path]
}

func startUpstream(t *testing.T) *upstream {
	u := &upstream{calls: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mutex.Lock()
		u.calls[r.Method+" "+r.URL.Path]++
		u.hosts = append(u.hosts, r.Host)
		u.mutex.Unlock()
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html>%s</html>", r.URL.Path)
		case "/api/roteiros":
			fmt.Fprintf(w, "%s roteiros", r.Method)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// startHost serves the upstream as https://roteiros.example with an old
// cache generation already present.
func startHost(t *testing.T, up *upstream) (*Host, *core.Worker, cache.MemProvider) {
	t.Helper()
	ctx := context.Background()
	provider := cache.NewMemProvider()
	_, err := provider.Open(ctx, "roteiros-app-cache-v1")
	require.NoError(t, err)

	origin, _ := url.Parse("https://roteiros.example")
	upstreamURL, _ := url.Parse(up.URL)
	network := NewNetwork(*origin, *upstreamURL, "")
	worker := core.NewWorker(core.Config{
		Cache:        provider,
		Network:      network,
		CacheVersion: "roteiros-app-cache-v2",
		Origin:       *origin,
		Seed:         []string{"/", "/index.html"},
		IgnoreHosts:  []string{"firestore.googleapis.com"},
	})
	host := New(Config{
		Lifecycle:    worker,
		Cache:        provider,
		CacheVersion: "roteiros-app-cache-v2",
		Origin:       *origin,
		Network:      network,
	})
	require.NoError(t, host.Start(ctx))
	t.Cleanup(worker.Wait)
	return host, worker, provider
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestHostServesSeededContentFromCache(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)
	assert.Equal(t, 1, up.count("GET", "/index.html"))

	rr := serve(host, "GET", "/index.html")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<html>/index.html</html>", rr.Body.String())
	assert.Equal(t, "swcache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 1, up.count("GET", "/index.html"), "served without contacting upstream")
}

func TestHostPassesIgnoredRequestsThrough(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)

	for i := 0; i < 2; i++ {
		rr := serve(host, "POST", "/api/roteiros")
		assert.Equal(t, "POST roteiros", rr.Body.String())
		assert.Empty(t, rr.Header().Get("Cache-Status"), "declined requests are left untouched")
	}
	assert.Equal(t, 2, up.count("POST", "/api/roteiros"), "every ignored request reaches the network")
}

func TestHostRewritesOriginToUpstream(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)

	rr := serve(host, "GET", "/missing.js")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "swcache; fwd=uri-miss", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 1, up.count("GET", "/missing.js"))

	up.mutex.Lock()
	defer up.mutex.Unlock()
	for _, h := range up.hosts {
		assert.Equal(t, "roteiros.example", h, "upstream sees the origin host")
	}
}

func TestHostProxiesThirdPartyRequests(t *testing.T) {
	up := startUpstream(t)
	host, worker, _ := startHost(t, up)
	var cdnCalls int
	var mutex sync.Mutex
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		cdnCalls++
		n := cdnCalls
		mutex.Unlock()
		fmt.Fprintf(w, "font %d", n)
	}))
	defer cdn.Close()

	rr := serve(host, "GET", cdn.URL+"/inter.css")
	assert.Equal(t, "font 1", rr.Body.String())
	worker.Wait()

	rr = serve(host, "GET", cdn.URL+"/inter.css")
	assert.Equal(t, "font 1", rr.Body.String())
	assert.Equal(t, "swcache; hit", rr.Header().Get("Cache-Status"))
	worker.Wait()

	rr = serve(host, "GET", cdn.URL+"/inter.css")
	assert.Equal(t, "font 2", rr.Body.String())
}

func TestHostReportsMissingResponse(t *testing.T) {
	up := startUpstream(t)
	host, worker, _ := startHost(t, up)

	cdn := httptest.NewServer(http.NotFoundHandler())
	cdnURL := cdn.URL
	cdn.Close()

	rr := serve(host, "GET", cdnURL+"/tailwind.js")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	worker.Wait()
}

func TestAdminTags(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)

	rr := serve(host, "GET", "/.swcache/tags")
	require.Equal(t, http.StatusOK, rr.Code)
	var tags tagsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tags))
	assert.Equal(t, "roteiros-app-cache-v2", tags.Current)
	assert.Equal(t, []string{"roteiros-app-cache-v2"}, tags.Tags, "old generation removed on activation")
}

func TestAdminKeys(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)

	rr := serve(host, "GET", "/.swcache/stores/roteiros-app-cache-v2/keys")
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []cachekey.Identity
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "GET", entries[0].Method)
	assert.Equal(t, "https://roteiros.example/", entries[0].URL)
	assert.Equal(t, "https://roteiros.example/index.html", entries[1].URL)

	rr = serve(host, "GET", "/.swcache/stores/roteiros-app-cache-v1/keys")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminRerunsPhases(t *testing.T) {
	up := startUpstream(t)
	host, worker, provider := startHost(t, up)
	_, err := provider.Open(context.Background(), "stray")
	require.NoError(t, err)

	rr := serve(host, "POST", "/.swcache/activate")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	tags, err := provider.Tags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"roteiros-app-cache-v2"}, tags)
	assert.Equal(t, core.StateActivated, worker.State())

	rr = serve(host, "POST", "/.swcache/install")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 2, up.count("GET", "/index.html"))
}

func TestAdminMetrics(t *testing.T) {
	up := startUpstream(t)
	host, _, _ := startHost(t, up)
	serve(host, "GET", "/index.html")

	rr := serve(host, "GET", "/.swcache/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "swcache_requests_total"))
}

type panickingLifecycle struct{}

func (panickingLifecycle) Install(context.Context) error  { return nil }
func (panickingLifecycle) Activate(context.Context) error { return nil }
func (panickingLifecycle) Fetch(context.Context, *http.Request) (*http.Response, bool, error) {
	panic("boom")
}

func TestPanicEscapesToNetwork(t *testing.T) {
	up := startUpstream(t)
	origin, _ := url.Parse("https://roteiros.example")
	upstreamURL, _ := url.Parse(up.URL)
	host := New(Config{
		Lifecycle: panickingLifecycle{},
		Cache:     cache.NewMemProvider(),
		Origin:    *origin,
		Network:   NewNetwork(*origin, *upstreamURL, ""),
	})

	rr := serve(host, "GET", "/index.html")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<html>/index.html</html>", rr.Body.String())
	assert.Equal(t, "swcache; fwd=bypass", rr.Header().Get("Cache-Status"))
}

func TestHostPassesDenyListedHostsThrough(t *testing.T) {
	up := startUpstream(t)
	firestore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "firestore")
		fmt.Fprint(w, "documents")
	}))
	defer firestore.Close()
	// the deny-list matches on the hostname of the listen address
	u, _ := url.Parse(firestore.URL)
	origin, _ := url.Parse("https://roteiros.example")
	upstreamURL, _ := url.Parse(up.URL)
	worker := core.NewWorker(core.Config{
		Cache:        cache.NewMemProvider(),
		Network:      NewNetwork(*origin, *upstreamURL, ""),
		CacheVersion: "roteiros-app-cache-v2",
		Origin:       *origin,
		IgnoreHosts:  []string{u.Hostname()},
	})
	host := New(Config{Lifecycle: worker, Origin: *origin, Network: NewNetwork(*origin, *upstreamURL, "")})
	require.NoError(t, host.Start(context.Background()))

	direct, err := http.Get(firestore.URL + "/v1/projects/roteiros")
	require.NoError(t, err)
	direct.Body.Close()

	rr := serve(host, "GET", firestore.URL+"/v1/projects/roteiros")
	assert.Equal(t, "documents", rr.Body.String())
	assert.Equal(t, direct.Header.Get("X-Backend"), rr.Header().Get("X-Backend"))
	assert.Empty(t, rr.Header().Get("Cache-Status"))
	worker.Wait()
}
