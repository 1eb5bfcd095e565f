package supervisor

import (
	"errors"
	"time"

	"coupon-orchestrator/pkg/models"

	"github.com/google/uuid"
)

// ErrSessionNotRunning is returned by session operations that need a live worker.
var ErrSessionNotRunning = errors.New("session is not running")

// Process is a launched worker.
type Process interface {
	Kill() error
	Done() bool
	Runtime() time.Duration
}

// Session is one worker run: a coupon type tried through one proxy.
type Session struct {
	ID         uuid.UUID
	CouponType string
	Proxy      *models.Proxy
	StartedAt  time.Time
	State      models.SessionState

	process Process
}

func newSession(couponType string, proxy *models.Proxy) *Session {
	return &Session{
		ID:         uuid.New(),
		CouponType: couponType,
		Proxy:      proxy,
		State:      models.SessionReady,
	}
}

func (s *Session) start(process Process, now time.Time) {
	s.process = process
	s.StartedAt = now
	s.State = models.SessionRunning
}

// Elapsed is the time since the worker was launched.
func (s *Session) Elapsed(now time.Time) (time.Duration, error) {
	if s.State != models.SessionRunning {
		return 0, ErrSessionNotRunning
	}
	return now.Sub(s.StartedAt), nil
}

// Completed reports whether the worker exited on its own. A completed session is
// marked finished.
func (s *Session) Completed() (bool, error) {
	if s.State != models.SessionRunning {
		return false, ErrSessionNotRunning
	}
	if !s.process.Done() {
		return false, nil
	}
	s.State = models.SessionFinished
	return true, nil
}

// Kill terminates the worker. The session is killed even if the signal fails.
func (s *Session) Kill() error {
	if s.State != models.SessionRunning {
		return ErrSessionNotRunning
	}
	s.State = models.SessionKilled
	return s.process.Kill()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string              `json:"id"`
	CouponType string              `json:"couponType"`
	Proxy      string              `json:"proxy,omitempty"`
	State      models.SessionState `json:"state"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
}

func (s *Session) info() Info {
	info := Info{
		ID:         s.ID.String(),
		CouponType: s.CouponType,
		State:      s.State,
	}
	if s.Proxy != nil {
		info.Proxy = s.Proxy.String()
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		info.StartedAt = &started
	}
	return info
}
