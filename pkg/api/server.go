// Package api is the HTTP interface worker sessions call back into.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"coupon-orchestrator/pkg/coupon"
	"coupon-orchestrator/pkg/database"
	"coupon-orchestrator/pkg/models"
	"coupon-orchestrator/pkg/proxy"
	"coupon-orchestrator/pkg/supervisor"

	"github.com/gin-gonic/gin"
)

const maxSourceBytes = 10 << 20

// Coupons is the coupon state machine as seen by workers.
type Coupons interface {
	AcquireCode(ctx context.Context, couponType string) (string, bool, error)
	MarkValid(ctx context.Context, couponType, code string) error
	MarkInvalid(ctx context.Context, couponType, code string) error
	RecordCookies(ctx context.Context, blob json.RawMessage) error
	StockCount(ctx context.Context, couponType string) (int, error)
}

// Proxies is the proxy pool.
type Proxies interface {
	Resync(ctx context.Context, lines []string) (int, error)
	Lease(ctx context.Context) (*models.Proxy, error)
}

// Sessions reports worker sessions.
type Sessions interface {
	Snapshot() []supervisor.Info
}

type Server struct {
	coupons  Coupons
	proxies  Proxies
	sessions Sessions
	logger   *slog.Logger
}

// NewServer builds the API. sessions may be nil on instances that do not supervise
// workers.
func NewServer(coupons Coupons, proxies Proxies, sessions Sessions, logger *slog.Logger) *Server {
	return &Server{
		coupons:  coupons,
		proxies:  proxies,
		sessions: sessions,
		logger:   logger,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/healthz", s.health)

	coupons := router.Group("/coupons/:type")
	{
		coupons.GET("/code", s.acquireCode)
		coupons.GET("/stock", s.stock)
		coupons.POST("/codes/:code/valid", s.markValid)
		coupons.POST("/codes/:code/invalid", s.markInvalid)
	}

	router.POST("/cookies", s.recordCookies)

	proxies := router.Group("/proxies")
	{
		proxies.POST("/resync", s.resync)
		proxies.POST("/lease", s.lease)
	}

	router.GET("/sessions", s.listSessions)

	return router
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	Success(c, "ok", nil)
}

func (s *Server) acquireCode(c *gin.Context) {
	couponType := c.Param("type")

	code, found, err := s.coupons.AcquireCode(c.Request.Context(), couponType)
	if err != nil {
		s.fail(c, "Failed to acquire code", err)
		return
	}
	if !found {
		NotFound(c, "No code available")
		return
	}

	Success(c, "Code acquired", gin.H{"code": code})
}

func (s *Server) stock(c *gin.Context) {
	couponType := c.Param("type")

	count, err := s.coupons.StockCount(c.Request.Context(), couponType)
	if err != nil {
		s.fail(c, "Failed to count stock", err)
		return
	}

	Success(c, "Stock counted", gin.H{"couponType": couponType, "stock": count})
}

func (s *Server) markValid(c *gin.Context) {
	if err := s.coupons.MarkValid(c.Request.Context(), c.Param("type"), c.Param("code")); err != nil {
		s.fail(c, "Failed to mark code valid", err)
		return
	}
	Success(c, "Code marked valid", nil)
}

func (s *Server) markInvalid(c *gin.Context) {
	if err := s.coupons.MarkInvalid(c.Request.Context(), c.Param("type"), c.Param("code")); err != nil {
		s.fail(c, "Failed to mark code invalid", err)
		return
	}
	Success(c, "Code marked invalid", nil)
}

type cookiesRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

func (s *Server) recordCookies(c *gin.Context) {
	var req cookiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request", err)
		return
	}

	if err := s.coupons.RecordCookies(c.Request.Context(), req.Value); err != nil {
		s.fail(c, "Failed to record cookies", err)
		return
	}
	Success(c, "Cookies recorded", nil)
}

func (s *Server) resync(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSourceBytes))
	if err != nil {
		BadRequest(c, "Failed to read proxy source", err)
		return
	}

	active, err := s.proxies.Resync(c.Request.Context(), strings.Split(string(body), "\n"))
	if err != nil {
		s.fail(c, "Failed to resync proxies", err)
		return
	}
	Success(c, "Proxies resynced", gin.H{"active": active})
}

func (s *Server) lease(c *gin.Context) {
	p, err := s.proxies.Lease(c.Request.Context())
	if err != nil {
		s.fail(c, "Failed to lease proxy", err)
		return
	}
	Success(c, "Proxy leased", p)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := []supervisor.Info{}
	if s.sessions != nil {
		sessions = s.sessions.Snapshot()
	}
	Success(c, "Sessions listed", sessions)
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, coupon.ErrInvalidInput), errors.Is(err, proxy.ErrMalformedSource):
		BadRequest(c, message, err)
	case errors.Is(err, proxy.ErrNotPrimary):
		Forbidden(c, err.Error())
	case errors.Is(err, database.ErrUnavailable):
		ServiceUnavailable(c, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ServiceUnavailable(c, message, err)
	default:
		s.logger.Error(message, "error", err)
		InternalServerError(c, message, err)
	}
}
