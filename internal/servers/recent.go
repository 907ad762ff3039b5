package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mullproxy/internal/storage"
	"mullproxy/internal/storage/models"
)

// MaxRecent bounds the recent server list.
const MaxRecent = 3

// RememberPolicy tells whether the last connected server is remembered.
type RememberPolicy interface {
	Bool(ctx context.Context, name string) (bool, error)
}

// Recent maintains the recent server list and the last connected server.
type Recent struct {
	storage storage.Storage
	catalog *Catalog
	policy  RememberPolicy
	option  string
	logger  *slog.Logger

	mu sync.Mutex
}

// NewRecent creates a Recent. When policy is set, the host of every verified
// connection is stored as the last connected server while the named option
// is on.
func NewRecent(store storage.Storage, catalog *Catalog, policy RememberPolicy, option string, logger *slog.Logger) *Recent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recent{
		storage: store,
		catalog: catalog,
		policy:  policy,
		option:  option,
		logger:  logger,
	}
}

// List returns the recent servers, most recent first.
func (r *Recent) List(ctx context.Context) ([]models.Server, error) {
	var list []models.Server
	err := storage.GetJSON(ctx, r.storage, storage.KeyRecentServers, &list)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return list, err
}

// Add moves server to the front of the recent list.
func (r *Recent) Add(ctx context.Context, server models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.List(ctx)
	if err != nil {
		return err
	}
	return storage.SetJSON(ctx, r.storage, storage.KeyRecentServers, PushRecent(list, server, MaxRecent))
}

// Prune drops recent servers missing from servers and refreshes the rest.
func (r *Recent) Prune(ctx context.Context, servers []models.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.List(ctx)
	if err != nil || len(list) == 0 {
		return err
	}

	kept := make([]models.Server, 0, len(list))
	for _, s := range list {
		if match := Find(servers, s.SocksName); match != nil && match.Active {
			kept = append(kept, *match)
		}
	}
	return storage.SetJSON(ctx, r.storage, storage.KeyRecentServers, kept)
}

// RecordConnected is called after a verified connection to host. Hosts that
// are not relays, such as the default relay-local address, are not added
// to the recent list.
func (r *Recent) RecordConnected(ctx context.Context, host string) error {
	if r.policy != nil {
		remember, err := r.policy.Bool(ctx, r.option)
		if err != nil {
			return err
		}
		if remember {
			if err := storage.SetJSON(ctx, r.storage, storage.KeyLastConnectedServer, host); err != nil {
				return fmt.Errorf("failed to remember server: %w", err)
			}
		}
	}

	if r.catalog == nil {
		return nil
	}
	servers, err := r.catalog.Cached(ctx)
	if err != nil {
		return err
	}
	server := Find(servers, host)
	if server == nil {
		r.logger.Debug("connected host is not a listed relay", "host", host)
		return nil
	}
	return r.Add(ctx, *server)
}

// LastConnected returns the remembered server host, or "".
func (r *Recent) LastConnected(ctx context.Context) (string, error) {
	var host string
	err := storage.GetJSON(ctx, r.storage, storage.KeyLastConnectedServer, &host)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return host, err
}

// PushRecent puts s at the front of list, removing an earlier entry with the
// same SOCKS name, and trims the list to max entries.
func PushRecent(list []models.Server, s models.Server, max int) []models.Server {
	out := make([]models.Server, 0, len(list)+1)
	out = append(out, s)
	for _, existing := range list {
		if existing.SocksName == s.SocksName {
			continue
		}
		out = append(out, existing)
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}
