// Package servers caches the relay list and tracks recently used relays.
package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mullproxy/internal/core/types"
	"mullproxy/internal/storage"
	"mullproxy/internal/storage/models"
	pkgerrors "mullproxy/pkg/errors"
)

// CacheTTL is how long a fetched server list is served from storage.
const CacheTTL = 5 * time.Minute

// Fetcher downloads the relay list.
type Fetcher interface {
	Servers(ctx context.Context) ([]models.Server, error)
}

// Catalog serves the relay list from storage, refetching it when stale.
type Catalog struct {
	storage storage.Storage
	fetcher Fetcher
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	// serializes refreshes
	mu sync.Mutex
}

// NewCatalog creates a Catalog.
func NewCatalog(store storage.Storage, fetcher Fetcher, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		storage: store,
		fetcher: fetcher,
		logger:  logger,
		ttl:     CacheTTL,
		now:     time.Now,
	}
}

// List returns the relay list. The cached copy is used while it is younger
// than the TTL unless force is set. When a refetch fails the stale copy is
// returned if there is one.
func (c *Catalog) List(ctx context.Context, force bool) ([]models.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, from, err := c.cached(ctx)
	if err != nil {
		return nil, err
	}
	if !force && cached != nil && c.now().Sub(from) <= c.ttl {
		return cached, nil
	}

	fresh, err := c.fetcher.Servers(ctx)
	if err != nil {
		if cached != nil {
			c.logger.Warn("server list refresh failed, using cached copy", "age", c.now().Sub(from).Round(time.Second), "err", err)
			return cached, nil
		}
		return nil, err
	}

	if err := storage.SetJSON(ctx, c.storage, storage.KeyServerList, fresh); err != nil {
		return nil, fmt.Errorf("failed to cache server list: %w", err)
	}
	if err := storage.SetJSON(ctx, c.storage, storage.KeyServerListFrom, c.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to cache server list: %w", err)
	}
	c.logger.Debug("server list refreshed", "servers", len(fresh))
	return fresh, nil
}

// Cached returns the stored relay list without fetching. It is nil when
// nothing was cached yet.
func (c *Catalog) Cached(ctx context.Context) ([]models.Server, error) {
	servers, _, err := c.cached(ctx)
	return servers, err
}

func (c *Catalog) cached(ctx context.Context) ([]models.Server, time.Time, error) {
	var servers []models.Server
	err := storage.GetJSON(ctx, c.storage, storage.KeyServerList, &servers)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var fromMS int64
	err = storage.GetJSON(ctx, c.storage, storage.KeyServerListFrom, &fromMS)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, time.Time{}, err
	}
	return servers, time.UnixMilli(fromMS), nil
}

// Lookup finds the relay whose SOCKS host or hostname is host.
func (c *Catalog) Lookup(ctx context.Context, host string) (*models.Server, error) {
	servers, err := c.Cached(ctx)
	if err != nil {
		return nil, err
	}
	if s := Find(servers, host); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%s: %w", host, pkgerrors.ErrServerNotFound)
}

// Find returns the server matching host by SOCKS name or hostname.
func Find(servers []models.Server, host string) *models.Server {
	full := types.FullSocksHost(host)
	for i := range servers {
		s := &servers[i]
		if s.SocksName != "" && types.FullSocksHost(s.SocksName) == full {
			return s
		}
		if s.Hostname == host {
			return s
		}
	}
	return nil
}

// ByCountry groups the active servers by country code, each group ordered
// by numeric server id.
func ByCountry(servers []models.Server) map[string][]models.Server {
	groups := make(map[string][]models.Server)
	for _, s := range servers {
		if !s.Active {
			continue
		}
		groups[s.CountryCode] = append(groups[s.CountryCode], s)
	}
	for _, group := range groups {
		SortByID(group)
	}
	return groups
}

// SortByID orders servers by their numeric id, so se2 sorts before se10.
func SortByID(servers []models.Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		a, _ := servers[i].ServerID()
		b, _ := servers[j].ServerID()
		if a != b {
			return a < b
		}
		return servers[i].Hostname < servers[j].Hostname
	})
}
