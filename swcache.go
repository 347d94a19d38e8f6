package swcache

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/ericselin/swcache/cache"
	"github.com/ericselin/swcache/core"
	"github.com/ericselin/swcache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Receives the lifecycle events and intercepted requests.
	Lifecycle core.Lifecycle
	// Storage behind the lifecycle, used by the admin routes.
	Cache cache.Provider
	// Current cache version, reported by the admin routes.
	CacheVersion string
	// Origin the application is served from.
	// Requests in origin form (a path only) are resolved against it.
	Origin url.URL
	// Network used for requests the lifecycle does not handle.
	Network core.Network
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Host is the environment the lifecycle runs in.
// It drives install and activation, hands every request to the lifecycle
// and performs plain network handling for whatever the lifecycle declines.
type Host struct {
	lifecycle core.Lifecycle
	cache     cache.Provider
	tag       string
	origin    url.URL
	network   core.Network
	log       zerolog.Logger
	router    chi.Router
	handler   http.Handler
}

// New creates the host. Nothing is intercepted until Start has run.
func New(config Config) *Host {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	network := config.Network
	if network == nil {
		network = http.DefaultClient
	}

	h := &Host{
		lifecycle: config.Lifecycle,
		cache:     config.Cache,
		tag:       config.CacheVersion,
		origin:    config.Origin,
		network:   network,
		log:       logger,
	}
	h.router = h.routes()
	h.handler = hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "Request-Id")(
			http.HandlerFunc(h.route)))
	return h
}

// Start runs install and then activation.
// A failed install is logged and does not prevent activation.
func (h *Host) Start(ctx context.Context) error {
	if err := h.lifecycle.Install(ctx); err != nil {
		h.log.Error().Err(err).Msg("Installation failed")
	}
	return h.lifecycle.Activate(ctx)
}

// Close releases the cache provider.
func (h *Host) Close() error {
	if h.cache == nil {
		return nil
	}
	return h.cache.Close()
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// route sends proxy-form requests straight to interception,
// everything else goes through the router.
func (h *Host) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() {
		h.intercept(w, r)
		return
	}
	h.router.ServeHTTP(w, r)
}

func (h *Host) intercept(w http.ResponseWriter, r *http.Request) {
	defer h.recover(w, r)
	logger := hlog.FromRequest(r)

	req := h.absolute(r)
	logger.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Incoming request")
	res, handled, err := h.lifecycle.Fetch(r.Context(), req)
	if !handled {
		h.passthrough(w, req, false)
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL.String()).Msg("No response for intercepted request")
		http.Error(w, "No response available", http.StatusBadGateway)
		return
	}
	if err := send(w, res); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// passthrough is the default network handling: the request goes out as is
// and nothing is read from or written to the cache.
// The response is only marked with a Cache-Status if bypassed is set, so
// declined requests look exactly as they would without interception.
func (h *Host) passthrough(w http.ResponseWriter, r *http.Request, bypassed bool) {
	req := r.Clone(r.Context())
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if req.ContentLength == 0 {
		req.Body = nil
	}
	req.Header.Del("Connection")
	res, err := h.network.Do(req)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("url", r.URL.String()).Msg("Error contacting network")
		http.Error(w, "Error contacting network", http.StatusBadGateway)
		return
	}
	if bypassed {
		cs := rfc9211.CacheStatus{}
		cs.Forward(rfc9211.FwdReasonBypass)
		res.Header.Set(rfc9211.HeaderName, cs.String())
	}
	if err := send(w, res); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

// absolute returns a client request for r with its URL resolved against the origin.
func (h *Host) absolute(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !r.URL.IsAbs() {
		req.URL = h.origin.ResolveReference(r.URL)
		req.Host = ""
	}
	return req
}

// recover recovers from panics and sends the request to the escape hatch.
func (h *Host) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		h.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in interception")
		h.passthrough(w, h.absolute(r), true)
	}
}

func send(w http.ResponseWriter, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
