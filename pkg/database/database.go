package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coupon-orchestrator/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnavailable marks failures of the backing store, as opposed to empty results.
var ErrUnavailable = errors.New("store unavailable")

// Config selects and addresses the backing database.
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// Path is the sqlite file, or ":memory:".
	Path string
}

type DB struct {
	*bun.DB
}

func NewDB(cfg Config) (*DB, error) {
	var db *bun.DB

	switch cfg.Driver {
	case "", DriverPostgres:
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.DBName,
			cfg.SSLMode,
		)
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db = bun.NewDB(sqldb, pgdialect.New())
	case DriverSQLite:
		var err error
		db, err = openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, unavailable("ping database", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the necessary tables and indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Proxy)(nil),
		(*models.Coupon)(nil),
		(*models.TestPoolCoupon)(nil),
		(*models.MasterCode)(nil),
		(*models.CookieSnapshot)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*models.Proxy)(nil), "proxies_active_last_used_idx", []string{"active", "last_used"}},
		{(*models.Coupon)(nil), "coupons_type_used_idx", []string{"type", "used"}},
		{(*models.TestPoolCoupon)(nil), "coupon_test_pool_type_tested_idx", []string{"type", "tested"}},
		{(*models.MasterCode)(nil), "master_codes_type_idx", []string{"type"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

// regexpOp is the dialect's regular-expression match operator.
func (db *DB) regexpOp() string {
	if db.Dialect().Name() == dialect.PG {
		return "~"
	}
	return "REGEXP"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
