package commands

import (
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/stash"
	"github.com/dyluth/drey/pkg/stash/couch"
	"github.com/dyluth/drey/pkg/stash/redstore"
)

// openStore loads the configuration and connects the configured backend.
// The returned cleanup releases backend resources and must always be called.
func openStore() (stash.Store, *config.DreyConfig, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{
				"Run from a directory containing drey.yml",
				"Point at a config explicitly with --config path/to/drey.yml",
			},
		)
	}

	switch cfg.Store.Backend {
	case config.BackendCouch:
		username, password := cfg.Store.Credentials()
		client, err := couch.New(couch.Config{
			URL:         cfg.Store.URL,
			Database:    cfg.Store.Database,
			Username:    username,
			Password:    password,
			FeedTimeout: cfg.Sync.FeedTimeout(),
		})
		if err != nil {
			return nil, nil, nil, printer.ErrorWithContext(
				"failed to connect to CouchDB",
				err.Error(),
				map[string]string{"URL": cfg.Store.URL, "Database": cfg.Store.Database},
				nil,
			)
		}
		return client, cfg, func() {}, nil

	case config.BackendRedis:
		store, err := redstore.New(&redis.Options{Addr: cfg.Store.RedisAddr}, cfg.Store.Database)
		if err != nil {
			return nil, nil, nil, printer.ErrorWithContext(
				"failed to connect to Redis",
				err.Error(),
				map[string]string{"Addr": cfg.Store.RedisAddr, "Database": cfg.Store.Database},
				nil,
			)
		}
		return store, cfg, func() { _ = store.Close() }, nil
	}

	// Validate() already rejects unknown backends; this is unreachable.
	return nil, nil, nil, printer.Error("unknown store backend", cfg.Store.Backend, nil)
}

// sessionOptions maps the sync section of the config onto session options.
func sessionOptions(cfg *config.DreyConfig) []stash.SessionOption {
	var opts []stash.SessionOption
	if cfg.Sync != nil && cfg.Sync.MaxConflictRounds > 0 {
		opts = append(opts, stash.WithMaxConflictRounds(cfg.Sync.MaxConflictRounds))
	}
	return opts
}
