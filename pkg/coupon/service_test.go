package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"coupon-orchestrator/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var errStoreDown = errors.New("store down")

// memStore keeps coupon state in slices, in insertion order.
type memStore struct {
	mu      sync.Mutex
	masters []models.MasterCode
	coupons []models.Coupon
	pool    []models.TestPoolCoupon
	cookies []json.RawMessage
	err     error
}

func (s *memStore) GetLatestMasterCode(_ context.Context, couponType string) (*models.MasterCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for i := len(s.masters) - 1; i >= 0; i-- {
		if m := s.masters[i]; m.Type == couponType && m.Loaded {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertMasterCode(_ context.Context, master *models.MasterCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.masters = append(s.masters, *master)
	return nil
}

func (s *memStore) GetAgedCoupon(_ context.Context, couponType, pattern string, before time.Time) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	re := regexp.MustCompile(pattern)
	var matches []models.Coupon
	for _, c := range s.coupons {
		if c.Type == couponType && !c.Used && c.LastValidDate != nil &&
			c.LastValidDate.Before(before) && re.MatchString(c.Code) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastValidDate.Before(*matches[j].LastValidDate)
	})
	return &matches[0], nil
}

func (s *memStore) GetCandidates(_ context.Context, couponType string, testing bool, limit int) ([]models.TestPoolCoupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.TestPoolCoupon
	for _, c := range s.pool {
		if c.Type == couponType && !c.Tested && c.IsTesting() == testing && !s.spent(c.Type, c.Code) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) spent(couponType, code string) bool {
	for _, c := range s.coupons {
		if c.Type == couponType && c.Code == code && c.Used {
			return true
		}
	}
	return false
}

func (s *memStore) MarkTesting(_ context.Context, couponType, code string) error {
	return s.updatePool(couponType, code, func(c *models.TestPoolCoupon) {
		testing := true
		c.Testing = &testing
	})
}

func (s *memStore) MarkTested(_ context.Context, couponType, code string) error {
	return s.updatePool(couponType, code, func(c *models.TestPoolCoupon) {
		testing := false
		c.Tested = true
		c.Testing = &testing
	})
}

func (s *memStore) updatePool(couponType, code string, fn func(*models.TestPoolCoupon)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for i := range s.pool {
		if s.pool[i].Type == couponType && s.pool[i].Code == code {
			fn(&s.pool[i])
		}
	}
	return nil
}

func (s *memStore) UpsertValidCoupon(_ context.Context, couponType, code string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for i := range s.coupons {
		if s.coupons[i].Type == couponType && s.coupons[i].Code == code {
			s.coupons[i].Tested = true
			s.coupons[i].LastValidDate = &now
			return nil
		}
	}
	s.coupons = append(s.coupons, models.Coupon{Type: couponType, Code: code, Tested: true, LastValidDate: &now})
	return nil
}

func (s *memStore) MarkCouponUsed(_ context.Context, couponType, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for i := range s.coupons {
		if s.coupons[i].Type == couponType && s.coupons[i].Code == code {
			s.coupons[i].Used = true
		}
	}
	return nil
}

func (s *memStore) CountStock(_ context.Context, couponType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	count := 0
	for _, c := range s.coupons {
		if c.Type == couponType && !c.Used {
			count++
		}
	}
	return count, nil
}

func (s *memStore) InsertCandidates(_ context.Context, couponType string, codes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	inserted := 0
outer:
	for _, code := range codes {
		for _, c := range s.pool {
			if c.Type == couponType && c.Code == code {
				continue outer
			}
		}
		s.pool = append(s.pool, models.TestPoolCoupon{Type: couponType, Code: code})
		inserted++
	}
	return inserted, nil
}

func (s *memStore) InsertCookies(_ context.Context, value json.RawMessage, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cookies = append(s.cookies, value)
	return nil
}

func (s *memStore) candidate(couponType, code string) models.TestPoolCoupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.pool {
		if c.Type == couponType && c.Code == code {
			return c
		}
	}
	return models.TestPoolCoupon{}
}

func (s *memStore) coupon(couponType, code string) *models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.coupons {
		if c.Type == couponType && c.Code == code {
			return &c
		}
	}
	return nil
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store Store, chance float64) *Service {
	return NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		RevalidateChance: chance,
		Clock:            clocktesting.NewFakePassiveClock(testNow),
		Rand:             rand.New(rand.NewSource(1)),
	})
}

func daysAgo(n int) *time.Time {
	t := testNow.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func TestAcquireCodeFromFreshPool(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1", "A2", "A3"})
	require.NoError(t, err)

	svc := newTestService(store, 0)

	code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, []string{"A1", "A2", "A3"}, code)
	assert.True(t, store.candidate("TEN_OFF", code).IsTesting())

	fresh, err := store.GetCandidates(ctx, "TEN_OFF", false, 10)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestAcquireCodeNeverRepeatsWithinFreshWindow(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1", "A2", "A3", "A4", "A5"})
	require.NoError(t, err)

	svc := newTestService(store, 0)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
		require.NoError(t, err)
		require.True(t, found)
		assert.False(t, seen[code], "code %s handed out twice", code)
		seen[code] = true
	}
	assert.Len(t, seen, 5)
}

func TestAcquireCodeFallsBackToInFlight(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
	require.NoError(t, err)
	require.NoError(t, store.MarkTesting(ctx, "TEN_OFF", "A1"))

	svc := newTestService(store, 0)

	code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A1", code)
}

func TestAcquireCodeExhausted(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
	require.NoError(t, err)
	require.NoError(t, store.MarkTested(ctx, "TEN_OFF", "A1"))

	svc := newTestService(store, 0)

	code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, code)

	_, found, err = svc.AcquireCode(ctx, "OTHER")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAcquireCodeRevalidatesAgedCoupon(t *testing.T) {
	ctx := context.Background()
	store := &memStore{
		masters: []models.MasterCode{
			{Type: "TEN_OFF", MasterCode: "OLD", Loaded: true},
			{Type: "TEN_OFF", MasterCode: "MC7", Loaded: true},
		},
		coupons: []models.Coupon{
			{Type: "TEN_OFF", Code: "0123456789MC71", LastValidDate: daysAgo(6)},
			{Type: "TEN_OFF", Code: "0123456789MC72", LastValidDate: daysAgo(9)},
			{Type: "TEN_OFF", Code: "0123456789MC73", LastValidDate: daysAgo(20), Used: true},
			{Type: "TEN_OFF", Code: "0123456789MC74", LastValidDate: daysAgo(1)},
			{Type: "TEN_OFF", Code: "0123456789OLD5", LastValidDate: daysAgo(30)},
		},
	}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
	require.NoError(t, err)

	svc := newTestService(store, 1)

	code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0123456789MC72", code)
	assert.False(t, store.candidate("TEN_OFF", "A1").IsTesting())
}

func TestAcquireCodeRevalidationFallsThrough(t *testing.T) {
	tests := []struct {
		name    string
		masters []models.MasterCode
		coupons []models.Coupon
	}{
		{
			name: "no master code",
			coupons: []models.Coupon{
				{Type: "TEN_OFF", Code: "0123456789MC71", LastValidDate: daysAgo(9)},
			},
		},
		{
			name:    "nothing aged",
			masters: []models.MasterCode{{Type: "TEN_OFF", MasterCode: "MC7", Loaded: true}},
			coupons: []models.Coupon{
				{Type: "TEN_OFF", Code: "0123456789MC71", LastValidDate: daysAgo(4)},
			},
		},
		{
			name:    "master code not loaded",
			masters: []models.MasterCode{{Type: "TEN_OFF", MasterCode: "MC7"}},
			coupons: []models.Coupon{
				{Type: "TEN_OFF", Code: "0123456789MC71", LastValidDate: daysAgo(9)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &memStore{masters: tt.masters, coupons: tt.coupons}
			_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
			require.NoError(t, err)

			svc := newTestService(store, 1)

			code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "A1", code)
		})
	}
}

func TestAcquireCodeStoreFailure(t *testing.T) {
	store := &memStore{err: errStoreDown}
	svc := newTestService(store, 0)

	_, found, err := svc.AcquireCode(context.Background(), "TEN_OFF")
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, found)
}

func TestMarkValid(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
	require.NoError(t, err)
	svc := newTestService(store, 0)

	_, _, err = svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.NoError(t, svc.MarkValid(ctx, "TEN_OFF", "A1"))

	candidate := store.candidate("TEN_OFF", "A1")
	assert.True(t, candidate.Tested)
	assert.False(t, candidate.IsTesting())

	coupon := store.coupon("TEN_OFF", "A1")
	require.NotNil(t, coupon)
	assert.False(t, coupon.Used)
	assert.True(t, coupon.Tested)
	require.NotNil(t, coupon.LastValidDate)
	assert.Equal(t, testNow, *coupon.LastValidDate)

	stock, err := svc.StockCount(ctx, "TEN_OFF")
	require.NoError(t, err)
	assert.Equal(t, 1, stock)
}

func TestMarkInvalid(t *testing.T) {
	ctx := context.Background()
	store := &memStore{
		coupons: []models.Coupon{{Type: "TEN_OFF", Code: "S1", LastValidDate: daysAgo(8)}},
	}
	_, err := store.InsertCandidates(ctx, "TEN_OFF", []string{"A1"})
	require.NoError(t, err)
	svc := newTestService(store, 0)

	require.NoError(t, svc.MarkInvalid(ctx, "TEN_OFF", "A1"))
	assert.True(t, store.candidate("TEN_OFF", "A1").Tested)
	assert.Nil(t, store.coupon("TEN_OFF", "A1"))

	require.NoError(t, svc.MarkInvalid(ctx, "TEN_OFF", "S1"))
	assert.True(t, store.coupon("TEN_OFF", "S1").Used)

	stock, err := svc.StockCount(ctx, "TEN_OFF")
	require.NoError(t, err)
	assert.Zero(t, stock)
}

func TestAcquireCodeSkipsSpentReimport(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	svc := newTestService(store, 0)

	require.NoError(t, svc.MarkValid(ctx, "TEN_OFF", "X1"))
	require.NoError(t, svc.MarkInvalid(ctx, "TEN_OFF", "X1"))

	inserted, err := svc.ImportCandidates(ctx, "TEN_OFF", []string{"X1", "X2"})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	code, found, err := svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "X2", code)

	code, found, err = svc.AcquireCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "X2", code, "only the in-flight code is left")
}

func TestMarkRejectsEmptyInput(t *testing.T) {
	svc := newTestService(&memStore{}, 0)
	ctx := context.Background()

	assert.ErrorIs(t, svc.MarkValid(ctx, "", "A1"), ErrInvalidInput)
	assert.ErrorIs(t, svc.MarkInvalid(ctx, "TEN_OFF", " "), ErrInvalidInput)
	assert.ErrorIs(t, svc.AddMasterCode(ctx, "TEN_OFF", ""), ErrInvalidInput)
	_, _, err := svc.AcquireCode(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordCookies(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, 0)
	ctx := context.Background()

	require.NoError(t, svc.RecordCookies(ctx, json.RawMessage(`[{"name":"sid","value":"x"}]`)))
	require.NoError(t, svc.RecordCookies(ctx, json.RawMessage(`[{"name":"sid","value":"x"}]`)))
	assert.Len(t, store.cookies, 2)

	assert.ErrorIs(t, svc.RecordCookies(ctx, json.RawMessage(`{not json`)), ErrInvalidInput)
	assert.Len(t, store.cookies, 2)
}

func TestImportCandidates(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, 0)
	ctx := context.Background()

	inserted, err := svc.ImportCandidates(ctx, "TEN_OFF", []string{" A1 ", "A2", "", "A1"})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = svc.ImportCandidates(ctx, "TEN_OFF", []string{"A2", "A3"})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestAddMasterCode(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, 0)
	ctx := context.Background()

	require.NoError(t, svc.AddMasterCode(ctx, "TEN_OFF", "MC7"))
	require.NoError(t, svc.AddMasterCode(ctx, "TEN_OFF", "MC8"))

	master, err := store.GetLatestMasterCode(ctx, "TEN_OFF")
	require.NoError(t, err)
	require.NotNil(t, master)
	assert.Equal(t, "MC8", master.MasterCode)
	assert.True(t, master.Loaded)
}
