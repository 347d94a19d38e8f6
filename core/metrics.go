package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests tracks intercepted requests by class and outcome
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_requests_total",
			Help: "Total number of intercepted requests",
		},
		[]string{"class", "outcome"}, // "hit", "miss", "no-response"
	)

	// StoreErrors tracks failed cache provider operations
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "open", "get", "put", "decode"
	)

	// BackgroundRefreshes tracks revalidation fetches of third-party resources
	BackgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_background_refreshes_total",
			Help: "Total number of background refreshes by result",
		},
		[]string{"result"}, // "stored", "not-ok", "failed"
	)

	// SeedEntries tracks seed list entries handled during install
	SeedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_seed_entries_total",
			Help: "Total number of seed entries by result",
		},
		[]string{"result"}, // "stored", "failed"
	)

	// StoresDeleted tracks stale stores removed on activation
	StoresDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_stores_deleted_total",
			Help: "Total number of stale stores deleted on activation",
		},
		[]string{"result"}, // "deleted", "failed"
	)
)
