package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/cache"
	"campaign-dispatch/internal/engine"
)

type CustomerSource interface {
	ListCustomers(ctx context.Context) ([]engine.Customer, error)
	GetCustomersByIDs(ctx context.Context, ids []string) ([]engine.Customer, error)
}

// Directory serves the full customer collection from a lock-free snapshot so
// rule resolution does not rescan the backing store on every dispatch. The
// snapshot is rebuilt by Refresh, which the change listener calls.
type Directory struct {
	src  CustomerSource
	snap cache.Snapshot[[]engine.Customer]
}

func NewDirectory(src CustomerSource) *Directory {
	return &Directory{src: src}
}

func (d *Directory) Refresh(ctx context.Context) error {
	cs, err := d.src.ListCustomers(ctx)
	if err != nil {
		return fmt.Errorf("refresh customer directory: %w", err)
	}
	d.snap.Store(cs)
	log.Debug().Int("customers", len(cs)).Msg("customer directory refreshed")
	return nil
}

func (d *Directory) ListCustomers(ctx context.Context) ([]engine.Customer, error) {
	s, ok := d.snap.Load()
	if !ok {
		if err := d.Refresh(ctx); err != nil {
			return nil, err
		}
		s, _ = d.snap.Load()
	}
	return append([]engine.Customer(nil), s...), nil
}

// GetCustomersByIDs always reads through; explicit audiences are small and
// must see the latest rows.
func (d *Directory) GetCustomersByIDs(ctx context.Context, ids []string) ([]engine.Customer, error) {
	return d.src.GetCustomersByIDs(ctx, ids)
}
