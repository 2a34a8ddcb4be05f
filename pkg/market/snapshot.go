package market

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Snapshot is the shared market block attached to every cycle callback.
type Snapshot struct {
	PriceUsd  float64 `json:"priceUsd"`
	DAG       DAGInfo `json:"dag"`
	WalletKas float64 `json:"walletKas"`
}

// Prober is the upstream surface the snapshot service depends on.
type Prober interface {
	Price(ctx context.Context) (float64, error)
	DAG(ctx context.Context) (DAGInfo, error)
	Balance(ctx context.Context, address string) (float64, error)
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// SnapshotService produces market snapshots through three independently
// cached probes. Each cache key is single-flight: concurrent callers share
// one in-flight upstream request. Probe failures bubble to the caller and
// never poison the cache.
type SnapshotService struct {
	client     Prober
	marketTTL  time.Duration
	balanceTTL time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewSnapshotService creates a snapshot service over the given client.
func NewSnapshotService(client Prober, marketTTL, balanceTTL time.Duration) *SnapshotService {
	return &SnapshotService{
		client:     client,
		marketTTL:  marketTTL,
		balanceTTL: balanceTTL,
		cache:      map[string]cacheEntry{},
		now:        time.Now,
	}
}

// Compose builds the full snapshot for the given wallet address.
func (s *SnapshotService) Compose(ctx context.Context, address string) (Snapshot, error) {
	price, err := s.cached(ctx, "price", s.marketTTL, func() (any, error) {
		return s.client.Price(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}

	dag, err := s.cached(ctx, "dag", s.marketTTL, func() (any, error) {
		return s.client.DAG(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}

	balance, err := s.cached(ctx, "balance:"+address, s.balanceTTL, func() (any, error) {
		return s.client.Balance(ctx, address)
	})
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		PriceUsd:  price.(float64),
		DAG:       dag.(DAGInfo),
		WalletKas: balance.(float64),
	}, nil
}

// cached returns the cached value for key when fresh, otherwise fetches it
// under single-flight and stores the result on success only.
func (s *SnapshotService) cached(ctx context.Context, key string, ttl time.Duration, fetch func() (any, error)) (any, error) {
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && s.now().Before(e.expires) {
		s.mu.Unlock()
		return e.value, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Another caller may have filled the cache while we queued.
		s.mu.Lock()
		if e, ok := s.cache[key]; ok && s.now().Before(e.expires) {
			s.mu.Unlock()
			return e.value, nil
		}
		s.mu.Unlock()

		value, err := fetch()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.cache[key] = cacheEntry{value: value, expires: s.now().Add(ttl)}
		s.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return v, nil
}
