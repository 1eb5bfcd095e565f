package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"coupon-orchestrator/pkg/models"

	"github.com/uptrace/bun"
)

// GetLatestMasterCode returns the most recently inserted loaded master code for a type,
// or nil when there is none.
func (db *DB) GetLatestMasterCode(ctx context.Context, couponType string) (*models.MasterCode, error) {
	var master models.MasterCode
	err := db.NewSelect().
		Model(&master).
		Where("type = ?", couponType).
		Where("loaded = ?", true).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get master code", err)
	}

	return &master, nil
}

// InsertMasterCode appends a master code for a type.
func (db *DB) InsertMasterCode(ctx context.Context, master *models.MasterCode) error {
	_, err := db.NewInsert().
		Model(master).
		Exec(ctx)

	if err != nil {
		return unavailable("insert master code", err)
	}

	return nil
}

// GetAgedCoupon returns the unused coupon of a type whose code matches pattern and
// whose last validation is older than before, stalest first. Nil when none matches.
func (db *DB) GetAgedCoupon(ctx context.Context, couponType, pattern string, before time.Time) (*models.Coupon, error) {
	var coupon models.Coupon
	err := db.NewSelect().
		Model(&coupon).
		Where("type = ?", couponType).
		Where("used = ?", false).
		Where("code "+db.regexpOp()+" ?", pattern).
		Where("last_valid_date < ?", before).
		OrderExpr("last_valid_date ASC").
		Limit(1).
		Scan(ctx)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get aged coupon", err)
	}

	return &coupon, nil
}

// GetCandidates returns up to limit untested test-pool records of a type. With
// testing=false it returns records nobody is evaluating (a NULL flag counts as false);
// with testing=true it returns records already handed out. Codes spent in the
// coupons table are never returned.
func (db *DB) GetCandidates(ctx context.Context, couponType string, testing bool, limit int) ([]models.TestPoolCoupon, error) {
	var candidates []models.TestPoolCoupon
	q := db.NewSelect().
		Model(&candidates).
		Where("type = ?", couponType).
		Where("tested = ?", false).
		Where("NOT EXISTS (SELECT 1 FROM coupons AS c WHERE c.type = tp.type AND c.code = tp.code AND c.used = ?)", true)

	if testing {
		q = q.Where("testing = ?", true)
	} else {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("testing = ?", false).WhereOr("testing IS NULL")
		})
	}

	err := q.OrderExpr("id ASC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, unavailable("get candidates", err)
	}

	return candidates, nil
}

// MarkTesting flags a test-pool record as being evaluated.
func (db *DB) MarkTesting(ctx context.Context, couponType, code string) error {
	_, err := db.NewUpdate().
		Model((*models.TestPoolCoupon)(nil)).
		Set("testing = ?", true).
		Where("type = ?", couponType).
		Where("code = ?", code).
		Exec(ctx)

	if err != nil {
		return unavailable("mark testing", err)
	}

	return nil
}

// MarkTested closes the evaluation of a test-pool record.
func (db *DB) MarkTested(ctx context.Context, couponType, code string) error {
	_, err := db.NewUpdate().
		Model((*models.TestPoolCoupon)(nil)).
		Set("tested = ?", true).
		Set("testing = ?", false).
		Where("type = ?", couponType).
		Where("code = ?", code).
		Exec(ctx)

	if err != nil {
		return unavailable("mark tested", err)
	}

	return nil
}

// UpsertValidCoupon records a positive verdict. A spent coupon stays spent.
func (db *DB) UpsertValidCoupon(ctx context.Context, couponType, code string, now time.Time) error {
	coupon := &models.Coupon{
		Type:          couponType,
		Code:          code,
		Tested:        true,
		LastValidDate: &now,
		CreatedAt:     now,
	}

	_, err := db.NewInsert().
		Model(coupon).
		On("CONFLICT (type, code) DO UPDATE").
		Set("tested = EXCLUDED.tested").
		Set("last_valid_date = EXCLUDED.last_valid_date").
		Returning("NULL").
		Exec(ctx)

	if err != nil {
		return unavailable("upsert valid coupon", err)
	}

	return nil
}

// MarkCouponUsed retires a coupon for good.
func (db *DB) MarkCouponUsed(ctx context.Context, couponType, code string) error {
	_, err := db.NewUpdate().
		Model((*models.Coupon)(nil)).
		Set("used = ?", true).
		Where("type = ?", couponType).
		Where("code = ?", code).
		Exec(ctx)

	if err != nil {
		return unavailable("mark coupon used", err)
	}

	return nil
}

// CountStock counts validated, unused coupons of a type.
func (db *DB) CountStock(ctx context.Context, couponType string) (int, error) {
	count, err := db.NewSelect().
		Model((*models.Coupon)(nil)).
		Where("type = ?", couponType).
		Where("used = ?", false).
		Count(ctx)

	if err != nil {
		return 0, unavailable("count stock", err)
	}

	return count, nil
}

// InsertCandidates adds untested codes to a type's test pool, skipping codes already
// present. It returns the number of new records.
func (db *DB) InsertCandidates(ctx context.Context, couponType string, codes []string) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	candidates := make([]models.TestPoolCoupon, 0, len(codes))
	for _, code := range codes {
		candidates = append(candidates, models.TestPoolCoupon{
			Type:      couponType,
			Code:      code,
			CreatedAt: now,
		})
	}

	res, err := db.NewInsert().
		Model(&candidates).
		On("CONFLICT (type, code) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return 0, unavailable("insert candidates", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("insert candidates", err)
	}

	return int(inserted), nil
}

// InsertCookies appends one cookie snapshot.
func (db *DB) InsertCookies(ctx context.Context, value json.RawMessage, now time.Time) error {
	_, err := db.NewInsert().
		Model(&models.CookieSnapshot{Value: value, CreatedAt: now}).
		Exec(ctx)

	if err != nil {
		return unavailable("insert cookies", err)
	}

	return nil
}
