package main

import (
	"context"
	"fmt"

	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/loader"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/store"
)

var log = logging.Component("dselogd")

// backends are the storage handles shared by every command.
type backends struct {
	store   *store.Store
	evolver *schema.Evolver
	buffer  buffer.Store
	options schema.Options
}

// openBackends opens the database, the evolver over it and the configured
// buffer.
func openBackends(ctx context.Context, cfg *loader.Config) (*backends, error) {
	opts, err := loader.ToTableOptions(&cfg.Tables)
	if err != nil {
		return nil, err
	}
	loc, err := loader.Location(cfg)
	if err != nil {
		return nil, err
	}

	db, err := store.New(loader.ToStoreConfig(&cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	dialect, err := schema.DialectFor(db.Driver())
	if err != nil {
		db.Close()
		return nil, err
	}

	ev := schema.NewEvolver(db, dialect,
		schema.WithDefaultOptions(opts),
		schema.WithLocation(loc))

	buf, err := buffer.New(ctx, loader.ToBufferConfig(&cfg.Buffer), buffer.Deps{DB: db, Dialect: dialect})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open buffer: %w", err)
	}

	log.Debug("backends opened",
		"driver", db.Driver(),
		"buffer", cfg.Buffer.Backend)

	return &backends{store: db, evolver: ev, buffer: buf, options: opts}, nil
}

// Close releases the buffer, then the database.
func (b *backends) Close() {
	if err := b.buffer.Close(); err != nil {
		log.Warn("close buffer", "error", err)
	}
	if err := b.store.Close(); err != nil {
		log.Warn("close database", "error", err)
	}
}
