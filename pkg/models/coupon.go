package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/uptrace/bun"
)

// Coupon is a validated (or spent) code of a given type.
type Coupon struct {
	bun.BaseModel `bun:"table:coupons,alias:c"`

	ID            int64      `bun:",pk,autoincrement"`
	Type          string     `bun:",notnull,unique:coupons_type_code_key"`
	Code          string     `bun:",notnull,unique:coupons_type_code_key"`
	Used          bool       `bun:",notnull"`
	Tested        bool       `bun:",notnull"`
	LastValidDate *time.Time `bun:",nullzero"`
	CreatedAt     time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
}

// TestPoolCoupon is a candidate code that has not been confirmed valid or invalid yet.
// Testing is nullable: rows imported without the column count as not testing.
type TestPoolCoupon struct {
	bun.BaseModel `bun:"table:coupon_test_pool,alias:tp"`

	ID        int64     `bun:",pk,autoincrement"`
	Type      string    `bun:",notnull,unique:coupon_test_pool_type_code_key"`
	Code      string    `bun:",notnull,unique:coupon_test_pool_type_code_key"`
	Tested    bool      `bun:",notnull"`
	Testing   *bool     `bun:"testing"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// IsTesting treats a missing flag as false.
func (c TestPoolCoupon) IsTesting() bool {
	return c.Testing != nil && *c.Testing
}

// MasterCode is the shared fragment embedded in every reusable code of a type.
type MasterCode struct {
	bun.BaseModel `bun:"table:master_codes,alias:mc"`

	ID         int64     `bun:",pk,autoincrement"`
	Type       string    `bun:",notnull"`
	MasterCode string    `bun:",notnull"`
	Loaded     bool      `bun:",notnull"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Pattern matches codes built as ten digits, the master code, and one check digit.
func (m MasterCode) Pattern() string {
	return fmt.Sprintf(`\d{10}%s\d`, regexp.QuoteMeta(m.MasterCode))
}

// CookieSnapshot is one opaque cookie jar posted by a worker session.
type CookieSnapshot struct {
	bun.BaseModel `bun:"table:cookies,alias:ck"`

	ID        int64           `bun:",pk,autoincrement"`
	Value     json.RawMessage `bun:",type:jsonb,notnull"`
	CreatedAt time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}
