package app

import (
	"context"
	"fmt"
	"log/slog"

	"mullproxy/internal/mullvadapi"
	"mullproxy/internal/options"
	"mullproxy/internal/paths"
	"mullproxy/internal/servers"
	"mullproxy/internal/storage"
	"mullproxy/internal/storage/sqlite"
)

// App represents the application context
type App struct {
	Storage storage.Storage
	Options *options.Store
	API     *mullvadapi.Client
	Catalog *servers.Catalog
	Recent  *servers.Recent
	Config  *Config
	Logger  *slog.Logger
}

// Config represents application configuration
type Config struct {
	DBPath string
	API    mullvadapi.ClientConfig
}

// New creates a new application instance. An empty dbPath uses the default
// location in the data directory.
func New(cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DBPath == "" {
		dbPath, err := paths.DBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		cfg.DBPath = dbPath
	}
	if cfg.API.CheckURL == "" {
		cfg.API = mullvadapi.DefaultClientConfig()
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	paths.ChownToRealUser(cfg.DBPath)

	opts := options.NewStore(store)

	// Seed defaults added since the database was created.
	if err := opts.Update(context.Background(), options.Defaults()); err != nil {
		opts.Close()
		store.Close()
		return nil, fmt.Errorf("failed to seed options: %w", err)
	}

	api := mullvadapi.NewClient(cfg.API)
	catalog := servers.NewCatalog(store, api, logger)

	return &App{
		Storage: store,
		Options: opts,
		API:     api,
		Catalog: catalog,
		Recent:  servers.NewRecent(store, catalog, opts, options.RememberConnectedServer, logger),
		Config:  &cfg,
		Logger:  logger,
	}, nil
}

// Close closes the application and releases resources
func (a *App) Close() error {
	if a.Options != nil {
		a.Options.Close()
	}
	if a.Storage != nil {
		return a.Storage.Close()
	}
	return nil
}
