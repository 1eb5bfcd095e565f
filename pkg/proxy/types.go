package proxy

import (
	"errors"

	"coupon-orchestrator/pkg/models"
)

// System represents the provider a source line belongs to
type System string

const (
	SystemOxylabs    System = "oxylabs"
	SystemSmartproxy System = "smartproxy"
	SystemPlain      System = "plain"
)

// DefaultProtocol is the scheme of every endpoint a resync produces.
const DefaultProtocol = "http"

var (
	// ErrMalformedSource is returned when a source line fits no expansion rule.
	ErrMalformedSource = errors.New("malformed proxy source")
	// ErrNotPrimary is returned by Resync on an instance not allowed to rewrite the pool.
	ErrNotPrimary = errors.New("proxy resync is only allowed on the primary instance")
)

// Provider expands one colon-separated source line into concrete endpoints.
type Provider interface {
	System() System
	Expand(fields []string) ([]models.Proxy, error)
}
