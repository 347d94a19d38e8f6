package core

import (
	"context"
	"fmt"
	"net/http"

	serializer "github.com/ericselin/swcache/pkg/response-serializer"
	"github.com/ericselin/swcache/rfc9211"
)

// cacheFirst serves first-party resources.
// A stored response is returned without touching the network. On a miss the
// network response is returned and, if ok, a duplicate of it is stored.
// Entries are trusted until activation of another version removes the store.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cs rfc9211.CacheStatus
	log := w.log.With().Str("url", r.URL.String()).Str("strategy", "cache-first").Logger()

	key, err := w.keyer.GetKey(r)
	if err != nil {
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	store := w.currentStore(ctx)
	if snap, ok := w.lookup(ctx, store, key); ok {
		log.Trace().Msg("Returning from cache")
		cs.Hit()
		return snap.Response(r), cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	log.Trace().Msg("Not in cache, fetching from network")
	res, err := w.network.Do(outgoing(ctx, r))
	if err != nil {
		log.Warn().Err(err).Msg("Fetch failed for app resource")
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	if !isOk(res) {
		return res, cs, nil
	}
	snap, err := serializer.Capture(res)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read app resource")
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	// the write belongs to the cache, not to the caller
	if err := w.put(context.WithoutCancel(ctx), store, key, snap); err == nil {
		cs.Stored = true
	}
	return res, cs, nil
}

type fetchResult struct {
	response *http.Response
	stored   bool
	err      error
}

// staleWhileRevalidate serves third-party resources.
// The store lookup and the network fetch start together. A stored response is
// returned at once while the fetch keeps running in the background to refresh
// the store; without one the caller waits for the network.
func (w *Worker) staleWhileRevalidate(ctx context.Context, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	var cs rfc9211.CacheStatus
	log := w.log.With().Str("url", r.URL.String()).Str("strategy", "stale-while-revalidate").Logger()

	key, err := w.keyer.GetKey(r)
	if err != nil {
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	store := w.currentStore(ctx)

	// the refresh outlives the caller, so it must not share its cancellation
	bgCtx := context.WithoutCancel(ctx)
	req := outgoing(bgCtx, r)
	fetched := make(chan fetchResult, 1)
	// the refresh may not write before the lookup has read the stale entry
	looked := make(chan struct{})
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		fetched <- w.revalidate(bgCtx, req, key, looked)
	}()

	snap, ok := func() (serializer.Snapshot, bool) {
		defer close(looked)
		return w.lookup(ctx, store, key)
	}()
	if ok {
		log.Trace().Msg("Returning from cache, refreshing in background")
		cs.Hit()
		return snap.Response(r), cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	select {
	case result := <-fetched:
		if result.err != nil {
			return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, result.err)
		}
		cs.Stored = result.stored
		result.response.Request = r
		return result.response, cs, nil
	case <-ctx.Done():
		return nil, cs, fmt.Errorf("%w: %w", ErrNoResponse, ctx.Err())
	}
}

// revalidate fetches the resource and stores it if the response is ok.
// The write waits for looked to be closed.
// Its failures are logged here and only reach a caller that is waiting.
func (w *Worker) revalidate(ctx context.Context, req *http.Request, key string, looked <-chan struct{}) fetchResult {
	log := w.log.With().Str("url", req.URL.String()).Logger()

	res, err := w.network.Do(req)
	if err != nil {
		BackgroundRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("Network fetch failed for third-party resource")
		return fetchResult{err: err}
	}
	// always read the body so the connection is released even if nobody waits
	snap, err := serializer.Capture(res)
	if err != nil {
		BackgroundRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("Could not read third-party resource")
		return fetchResult{err: err}
	}
	if !snap.Ok() {
		BackgroundRefreshes.WithLabelValues("not-ok").Inc()
		return fetchResult{response: res}
	}
	<-looked
	if err := w.put(ctx, w.currentStore(ctx), key, snap); err != nil {
		BackgroundRefreshes.WithLabelValues("failed").Inc()
		return fetchResult{response: res}
	}
	BackgroundRefreshes.WithLabelValues("stored").Inc()
	return fetchResult{response: res, stored: true}
}

func isOk(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
