package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coupon-orchestrator/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// ReplaceProxies makes the proxies table mirror the given snapshot: everything is
// deactivated, the snapshot is upserted as active, and what is still inactive is pruned.
// It runs in one transaction and returns the number of active proxies afterwards.
func (db *DB) ReplaceProxies(ctx context.Context, proxies []models.Proxy) (int, error) {
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().
			Model((*models.Proxy)(nil)).
			Set("active = ?", false).
			Where("1 = 1").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error deactivating proxies: %w", err)
		}

		for _, proxy := range proxies {
			proxy.ID = 0
			proxy.Active = true
			proxy.LastUsed = nil

			_, err := tx.NewInsert().
				Model(&proxy).
				On("CONFLICT (host, port, username, password) DO UPDATE").
				Set("protocol = EXCLUDED.protocol").
				Set("active = EXCLUDED.active").
				Returning("NULL").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error upserting proxy %s: %w", proxy, err)
			}
		}

		_, err = tx.NewDelete().
			Model((*models.Proxy)(nil)).
			Where("active = ?", false).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error pruning proxies: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("replace proxies", err)
	}

	count, err := db.NewSelect().
		Model((*models.Proxy)(nil)).
		Where("active = ?", true).
		Count(ctx)
	if err != nil {
		return 0, unavailable("count proxies", err)
	}

	return count, nil
}

// LeaseProxy stamps and returns the active proxy used least recently; never-used
// proxies come first. It returns nil without error when no proxy is active.
func (db *DB) LeaseProxy(ctx context.Context, now time.Time) (*models.Proxy, error) {
	var leased *models.Proxy

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var proxy models.Proxy
		q := tx.NewSelect().
			Model(&proxy).
			Where("active = ?", true).
			OrderExpr("last_used ASC NULLS FIRST").
			OrderExpr("id ASC").
			Limit(1)
		if db.Dialect().Name() == dialect.PG {
			q = q.For("UPDATE SKIP LOCKED")
		}

		err := q.Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error selecting proxy: %w", err)
		}

		proxy.LastUsed = &now
		_, err = tx.NewUpdate().
			Model(&proxy).
			Column("last_used").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error stamping proxy: %w", err)
		}

		leased = &proxy
		return nil
	})
	if err != nil {
		return nil, unavailable("lease proxy", err)
	}

	return leased, nil
}

// GetActiveProxies returns the leasable proxies, least recently used first.
func (db *DB) GetActiveProxies(ctx context.Context) ([]models.Proxy, error) {
	var proxies []models.Proxy
	err := db.NewSelect().
		Model(&proxies).
		Where("active = ?", true).
		OrderExpr("last_used ASC NULLS FIRST").
		OrderExpr("id ASC").
		Scan(ctx)

	if err != nil {
		return nil, unavailable("get active proxies", err)
	}

	return proxies, nil
}
