package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// NewDialer returns the stream dialer for an outline-sdk transport config. An empty
// config dials TCP directly.
func NewDialer(transportConfig string) (transport.StreamDialer, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	return dialer, nil
}

// dialTrace records how long the first connection of a request took to establish.
type dialTrace struct {
	mu      sync.Mutex
	dialed  bool
	connect time.Duration
}

func (t *dialTrace) wrap(dialer transport.StreamDialer) transport.StreamDialer {
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		start := time.Now()
		conn, err := dialer.DialStream(ctx, addr)
		if err == nil {
			t.mu.Lock()
			if !t.dialed {
				t.dialed = true
				t.connect = time.Since(start)
			}
			t.mu.Unlock()
		}
		return conn, err
	})
}

func (t *dialTrace) connectTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connect
}

// RootCause unwraps an error chain to find the most basic underlying error
func RootCause(err error) error {
	for err != nil {
		// Joined errors: the last one is usually the most specific
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			errs := joined.Unwrap()
			if len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

func isTCP(network string) bool {
	return strings.HasPrefix(network, "tcp")
}
