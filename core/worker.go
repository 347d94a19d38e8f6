package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ericselin/swcache/cache"
	cachekey "github.com/ericselin/swcache/pkg/cache-key"
	"github.com/ericselin/swcache/pkg/classifier"
	serializer "github.com/ericselin/swcache/pkg/response-serializer"
	"github.com/ericselin/swcache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultSeedConcurrency = 4

// Lifecycle is what the host environment drives.
// Install and Activate are called once per phase, in that order.
// Fetch is called for every request the host sees; when the returned
// boolean is false the host must handle the request itself, untouched.
type Lifecycle interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error)
}

// Network performs requests. *http.Client satisfies it.
type Network interface {
	Do(*http.Request) (*http.Response, error)
}

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

type Config struct {
	// Storage for the versioned stores.
	Cache cache.Provider
	// Network used for all fetches. http.DefaultClient if nil.
	Network Network
	// Tag of the current cache generation.
	CacheVersion string
	// Origin the intercepted application is served from.
	Origin url.URL
	// Paths stored at install time, resolved against Origin.
	Seed []string
	// Hostnames whose requests are never intercepted.
	IgnoreHosts []string
	// URL schemes whose requests are never intercepted.
	IgnoreSchemes []string
	// Request headers that are part of the cache key.
	KeyHeaders []string
	// Number of seed entries fetched at once.
	SeedConcurrency int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is the lifecycle manager.
// It seeds the current store on install, removes stale stores on activation
// and serves intercepted requests with the strategy matching their class.
type Worker struct {
	cache           cache.Provider
	network         Network
	tag             string
	origin          url.URL
	seed            []string
	seedConcurrency int
	classifier      classifier.Classifier
	keyer           cachekey.CacheKeyer
	log             zerolog.Logger

	state      atomic.Int32
	storeMutex sync.Mutex
	store      cache.Store
	background sync.WaitGroup
}

var _ Lifecycle = (*Worker)(nil)

// NewWorker creates a worker. Nothing is stored or fetched until Install.
func NewWorker(config Config) *Worker {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	network := config.Network
	if network == nil {
		network = http.DefaultClient
	}
	concurrency := config.SeedConcurrency
	if concurrency <= 0 {
		concurrency = defaultSeedConcurrency
	}
	return &Worker{
		cache:           config.Cache,
		network:         network,
		tag:             config.CacheVersion,
		origin:          config.Origin,
		seed:            config.Seed,
		seedConcurrency: concurrency,
		classifier:      classifier.New(&config.Origin, config.Seed, config.IgnoreHosts, config.IgnoreSchemes),
		keyer:           cachekey.NewCacheKeyer(config.KeyHeaders...),
		log: logger.With().
			Str("cache", config.CacheVersion).
			Logger(),
	}
}

// Tag returns the current cache version.
func (w *Worker) Tag() string {
	return w.tag
}

// State returns the lifecycle phase the worker is in.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Wait blocks until all background refreshes have finished.
func (w *Worker) Wait() {
	w.background.Wait()
}

// Install opens the current store and fills it with the seed list.
// Seed entries that cannot be fetched or stored are logged and skipped;
// they will be stored lazily on first request.
// An error is only returned if the store itself cannot be opened.
func (w *Worker) Install(ctx context.Context) error {
	w.log.Info().Msg("Install")
	w.state.CompareAndSwap(int32(StateParsed), int32(StateInstalling))
	defer w.state.CompareAndSwap(int32(StateInstalling), int32(StateInstalled))

	store, err := w.cache.Open(ctx, w.tag)
	if err != nil {
		StoreErrors.WithLabelValues("open").Inc()
		w.log.Error().Err(err).Msg("Installation failed")
		return fmt.Errorf("%w: opening %s: %w", ErrStore, w.tag, err)
	}
	w.storeMutex.Lock()
	w.store = store
	w.storeMutex.Unlock()

	w.log.Info().Int("entries", len(w.seed)).Msg("Caching seed entries")
	if err := w.seedStore(ctx, store); err != nil {
		w.log.Warn().Err(err).Msg("Seeding incomplete")
	}
	return nil
}

func (w *Worker) seedStore(ctx context.Context, store cache.Store) error {
	var mutex sync.Mutex
	failed := make(map[string]error)
	fail := func(path string, err error) {
		SeedEntries.WithLabelValues("failed").Inc()
		mutex.Lock()
		defer mutex.Unlock()
		failed[path] = err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.seedConcurrency)
	for _, path := range w.seed {
		path := path
		if strings.HasPrefix(path, "http") {
			w.log.Warn().Str("path", path).Msg("Skipping seed entry that is not local")
			continue
		}
		g.Go(func() error {
			if err := w.seedEntry(gctx, store, path); err != nil {
				w.log.Warn().Err(err).Str("path", path).Msg("Could not cache seed entry")
				fail(path, err)
				return nil
			}
			SeedEntries.WithLabelValues("stored").Inc()
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		return &SeedError{Failed: failed}
	}
	return nil
}

func (w *Worker) seedEntry(ctx context.Context, store cache.Store, path string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return err
	}
	key, err := w.keyer.GetKey(req)
	if err != nil {
		return err
	}
	res, err := w.network.Do(req)
	if err != nil {
		return err
	}
	snap, err := serializer.Capture(res)
	if err != nil {
		return err
	}
	if !snap.Ok() {
		return fmt.Errorf("bad response status %d", snap.StatusCode)
	}
	return w.put(ctx, store, key, snap)
}

// Activate removes every store whose tag is not the current one and then
// takes control of interception. Failed deletions are logged, not retried.
func (w *Worker) Activate(ctx context.Context) error {
	w.log.Info().Msg("Activate")
	w.state.Store(int32(StateActivating))
	// claim only after the deletion pass is done
	defer w.state.Store(int32(StateActivated))

	tags, err := w.cache.Tags(ctx)
	if err != nil {
		StoreErrors.WithLabelValues("tags").Inc()
		w.log.Error().Err(err).Msg("Could not list stores")
		return fmt.Errorf("%w: listing stores: %w", ErrStore, err)
	}

	var g errgroup.Group
	for _, tag := range tags {
		tag := tag
		if tag == w.tag {
			continue
		}
		g.Go(func() error {
			w.log.Info().Str("old", tag).Msg("Removing old cache")
			if err := w.cache.Delete(ctx, tag); err != nil {
				StoresDeleted.WithLabelValues("failed").Inc()
				w.log.Error().Err(err).Str("old", tag).Msg("Could not remove old cache")
				return nil
			}
			StoresDeleted.WithLabelValues("deleted").Inc()
			return nil
		})
	}
	g.Wait()
	return nil
}

// Fetch serves an intercepted request.
// Requests are only handled once the worker is activated and only if they
// are not classified as ignored.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	if w.State() != StateActivated {
		return nil, false, nil
	}
	class := w.classifier.Classify(r)
	var res *http.Response
	var cs rfc9211.CacheStatus
	var err error
	switch class {
	case classifier.FirstParty:
		res, cs, err = w.cacheFirst(ctx, r)
	case classifier.ThirdParty:
		res, cs, err = w.staleWhileRevalidate(ctx, r)
	default:
		return nil, false, nil
	}

	outcome := "miss"
	switch {
	case err != nil:
		outcome = "no-response"
	case cs.Status == rfc9211.StatusHit:
		outcome = "hit"
	}
	Requests.WithLabelValues(class.String(), outcome).Inc()

	if res != nil {
		res.Header.Set(rfc9211.HeaderName, cs.String())
	}
	return res, true, err
}

// currentStore returns the store for the current tag, opening it if install
// did not. It returns nil if the store cannot be opened.
func (w *Worker) currentStore(ctx context.Context) cache.Store {
	w.storeMutex.Lock()
	defer w.storeMutex.Unlock()
	if w.store != nil {
		return w.store
	}
	store, err := w.cache.Open(ctx, w.tag)
	if err != nil {
		StoreErrors.WithLabelValues("open").Inc()
		w.log.Error().Err(err).Msg("Could not open cache")
		return nil
	}
	w.store = store
	return store
}

// lookup returns the snapshot stored under key.
// Store failures and undecodable entries count as a miss.
func (w *Worker) lookup(ctx context.Context, store cache.Store, key string) (serializer.Snapshot, bool) {
	if store == nil {
		return serializer.Snapshot{}, false
	}
	value, ok, err := store.Get(ctx, key)
	if err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return serializer.Snapshot{}, false
	}
	if !ok {
		return serializer.Snapshot{}, false
	}
	snap, err := serializer.Unmarshal(value)
	if err != nil {
		StoreErrors.WithLabelValues("decode").Inc()
		w.log.Warn().Err(err).Str("key", key).Msg("Could not decode cached response")
		return serializer.Snapshot{}, false
	}
	return snap, true
}

// put writes the snapshot to the store. A failed write is reported and
// otherwise ignored by the callers.
func (w *Worker) put(ctx context.Context, store cache.Store, key string, snap serializer.Snapshot) error {
	if store == nil {
		return fmt.Errorf("%w: no store for %s", ErrStore, w.tag)
	}
	value, err := serializer.Marshal(snap)
	if err == nil {
		err = store.Put(ctx, key, value)
	}
	if err != nil {
		StoreErrors.WithLabelValues("put").Inc()
		w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	w.log.Trace().Str("key", key).Msg("Cache write")
	return nil
}

// outgoing duplicates an intercepted request so it can be sent on the network.
func outgoing(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	req.RequestURI = ""
	return req
}
