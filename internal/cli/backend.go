package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/complyflow/internal/config"
	"github.com/roach88/complyflow/internal/pgstore"
	"github.com/roach88/complyflow/internal/store"
	"github.com/roach88/complyflow/internal/watcher"
)

// snapshotStore is watcher persistence that can also serve the latest
// records of a source for verification.
type snapshotStore interface {
	watcher.Persistence
	LatestRecords(ctx context.Context, tenantID, sourceKey string) ([]watcher.Record, error)
}

// backends are the stores a command works against: the SQLite artifact
// catalog and the snapshot store selected by store.driver.
type backends struct {
	catalog   *store.Store
	snapshots snapshotStore
	closers   []func()
}

func openCatalog(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", cfg.CatalogPath(), err)
	}
	return st, nil
}

// openBackends opens the catalog and the snapshot store. With the SQLite
// driver both share one database when store.catalog is unset.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	catalog, err := openCatalog(cfg)
	if err != nil {
		return nil, err
	}
	b := &backends{catalog: catalog}
	b.closers = append(b.closers, func() {
		if err := catalog.Close(); err != nil {
			slog.Warn("close catalog", "error", err)
		}
	})

	switch {
	case cfg.Store.Driver == config.DriverPostgres:
		pg, err := pgstore.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			b.Close()
			return nil, err
		}
		b.snapshots = pg
		b.closers = append(b.closers, pg.Close)
	case cfg.Store.DSN == cfg.CatalogPath():
		b.snapshots = catalog
	default:
		st, err := store.Open(cfg.Store.DSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open store %s: %w", cfg.Store.DSN, err)
		}
		b.snapshots = st
		b.closers = append(b.closers, func() {
			if err := st.Close(); err != nil {
				slog.Warn("close store", "error", err)
			}
		})
	}
	return b, nil
}

// Close closes everything opened, last opened first.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
