package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"coupon-orchestrator/pkg/models"

	"k8s.io/utils/clock"
)

const (
	// DefaultRevalidateChance is the probability that AcquireCode re-offers an aged code.
	DefaultRevalidateChance = 0.2
	// DefaultAgedAfter is how long a valid code rests before it is re-offered.
	DefaultAgedAfter = 5 * 24 * time.Hour

	candidateWindow = 10
)

// ErrInvalidInput is returned for empty coupon types or codes and non-JSON cookies.
var ErrInvalidInput = errors.New("invalid input")

// Store is the persistence the coupon service needs.
type Store interface {
	GetLatestMasterCode(ctx context.Context, couponType string) (*models.MasterCode, error)
	InsertMasterCode(ctx context.Context, master *models.MasterCode) error
	GetAgedCoupon(ctx context.Context, couponType, pattern string, before time.Time) (*models.Coupon, error)
	GetCandidates(ctx context.Context, couponType string, testing bool, limit int) ([]models.TestPoolCoupon, error)
	MarkTesting(ctx context.Context, couponType, code string) error
	MarkTested(ctx context.Context, couponType, code string) error
	UpsertValidCoupon(ctx context.Context, couponType, code string, now time.Time) error
	MarkCouponUsed(ctx context.Context, couponType, code string) error
	CountStock(ctx context.Context, couponType string) (int, error)
	InsertCandidates(ctx context.Context, couponType string, codes []string) (int, error)
	InsertCookies(ctx context.Context, value json.RawMessage, now time.Time) error
}

// Options tunes the acquisition policy.
type Options struct {
	// RevalidateChance is the probability of trying an aged code first. Zero disables it.
	RevalidateChance float64
	// AgedAfter defaults to DefaultAgedAfter.
	AgedAfter time.Duration
	Clock     clock.PassiveClock
	Rand      *rand.Rand
}

// Service drives coupon codes through the test pool: candidates are handed out to
// workers, and the verdicts they report move codes into stock or retire them.
type Service struct {
	store  Store
	logger *slog.Logger

	revalidateChance float64
	agedAfter        time.Duration
	clock            clock.PassiveClock

	// mu serializes AcquireCode, whose read-then-mark is not atomic in the store.
	mu  sync.Mutex
	rng *rand.Rand
}

func NewService(store Store, logger *slog.Logger, opts Options) *Service {
	if opts.AgedAfter <= 0 {
		opts.AgedAfter = DefaultAgedAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Service{
		store:            store,
		logger:           logger,
		revalidateChance: opts.RevalidateChance,
		agedAfter:        opts.AgedAfter,
		clock:            opts.Clock,
		rng:              opts.Rand,
	}
}

// AcquireCode picks a code for a worker to try. found is false when the pool is
// exhausted, which is not an error.
func (s *Service) AcquireCode(ctx context.Context, couponType string) (code string, found bool, err error) {
	if err := requireValue("coupon type", couponType); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revalidateChance > 0 && s.rng.Float64() < s.revalidateChance {
		code, found, err := s.agedCode(ctx, couponType)
		if err != nil {
			return "", false, err
		}
		if found {
			s.logger.Info("Re-offering aged coupon", "couponType", couponType, "code", code)
			return code, true, nil
		}
	}

	candidates, err := s.store.GetCandidates(ctx, couponType, false, candidateWindow)
	if err != nil {
		return "", false, fmt.Errorf("failed to get fresh candidates: %w", err)
	}
	if len(candidates) == 0 {
		candidates, err = s.store.GetCandidates(ctx, couponType, true, candidateWindow)
		if err != nil {
			return "", false, fmt.Errorf("failed to get in-flight candidates: %w", err)
		}
	}
	if len(candidates) == 0 {
		s.logger.Warn("No coupon candidates available", "couponType", couponType)
		return "", false, nil
	}

	candidate := candidates[s.rng.Intn(len(candidates))]
	if err := s.store.MarkTesting(ctx, couponType, candidate.Code); err != nil {
		return "", false, fmt.Errorf("failed to mark candidate as testing: %w", err)
	}

	s.logger.Debug("Handed out candidate",
		"couponType", couponType,
		"code", candidate.Code,
		"alreadyTesting", candidate.IsTesting(),
		"window", len(candidates))

	return candidate.Code, true, nil
}

// agedCode looks for a valid, unused code of the type's current master code that has
// not been validated for a while.
func (s *Service) agedCode(ctx context.Context, couponType string) (string, bool, error) {
	master, err := s.store.GetLatestMasterCode(ctx, couponType)
	if err != nil {
		return "", false, fmt.Errorf("failed to get master code: %w", err)
	}
	if master == nil {
		s.logger.Debug("No loaded master code", "couponType", couponType)
		return "", false, nil
	}

	before := s.clock.Now().UTC().Add(-s.agedAfter)
	aged, err := s.store.GetAgedCoupon(ctx, couponType, master.Pattern(), before)
	if err != nil {
		return "", false, fmt.Errorf("failed to get aged coupon: %w", err)
	}
	if aged == nil {
		return "", false, nil
	}

	return aged.Code, true, nil
}

// MarkValid records that a code applied successfully: the candidate is closed and the
// code is in stock with a fresh validation date.
func (s *Service) MarkValid(ctx context.Context, couponType, code string) error {
	if err := requireCoupon(couponType, code); err != nil {
		return err
	}

	if err := s.store.MarkTested(ctx, couponType, code); err != nil {
		return fmt.Errorf("failed to close candidate: %w", err)
	}
	if err := s.store.UpsertValidCoupon(ctx, couponType, code, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store valid coupon: %w", err)
	}

	s.logger.Info("Coupon marked valid", "couponType", couponType, "code", code)
	return nil
}

// MarkInvalid records that a code was rejected: the candidate is closed and, if the
// code was in stock, it is retired.
func (s *Service) MarkInvalid(ctx context.Context, couponType, code string) error {
	if err := requireCoupon(couponType, code); err != nil {
		return err
	}

	if err := s.store.MarkTested(ctx, couponType, code); err != nil {
		return fmt.Errorf("failed to close candidate: %w", err)
	}
	if err := s.store.MarkCouponUsed(ctx, couponType, code); err != nil {
		return fmt.Errorf("failed to retire coupon: %w", err)
	}

	s.logger.Info("Coupon marked invalid", "couponType", couponType, "code", code)
	return nil
}

// RecordCookies appends a cookie snapshot posted by a worker.
func (s *Service) RecordCookies(ctx context.Context, blob json.RawMessage) error {
	if !json.Valid(blob) {
		return fmt.Errorf("%w: cookies must be JSON", ErrInvalidInput)
	}

	if err := s.store.InsertCookies(ctx, blob, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert cookies: %w", err)
	}

	s.logger.Info("Cookies inserted", "bytes", len(blob))
	return nil
}

// StockCount returns the number of validated, unused codes of a type.
func (s *Service) StockCount(ctx context.Context, couponType string) (int, error) {
	return s.store.CountStock(ctx, couponType)
}

// ImportCandidates loads untested codes into a type's test pool and returns how many
// were new.
func (s *Service) ImportCandidates(ctx context.Context, couponType string, codes []string) (int, error) {
	if err := requireValue("coupon type", couponType); err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(codes))
	cleaned := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		cleaned = append(cleaned, code)
	}

	inserted, err := s.store.InsertCandidates(ctx, couponType, cleaned)
	if err != nil {
		return 0, fmt.Errorf("failed to import candidates: %w", err)
	}

	s.logger.Info("Imported candidates", "couponType", couponType, "read", len(cleaned), "inserted", inserted)
	return inserted, nil
}

// AddMasterCode makes masterCode the current master code of a type.
func (s *Service) AddMasterCode(ctx context.Context, couponType, masterCode string) error {
	if err := requireCoupon(couponType, masterCode); err != nil {
		return err
	}

	master := &models.MasterCode{
		Type:       couponType,
		MasterCode: masterCode,
		Loaded:     true,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.InsertMasterCode(ctx, master); err != nil {
		return fmt.Errorf("failed to add master code: %w", err)
	}

	s.logger.Info("Master code added", "couponType", couponType, "masterCode", masterCode)
	return nil
}

func requireCoupon(couponType, code string) error {
	if err := requireValue("coupon type", couponType); err != nil {
		return err
	}
	return requireValue("code", code)
}

func requireValue(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return nil
}
