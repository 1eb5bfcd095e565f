package proxy

import (
	"fmt"

	"coupon-orchestrator/pkg/models"
)

// plainProvider handles host:port and host:port:username:password lines.
type plainProvider struct{}

func (plainProvider) System() System {
	return SystemPlain
}

func (plainProvider) Expand(fields []string) ([]models.Proxy, error) {
	if len(fields) != 2 && len(fields) < 4 {
		return nil, fmt.Errorf("expected 2 or at least 4 fields, got %d", len(fields))
	}
	if _, err := parsePort(fields[1]); err != nil {
		return nil, err
	}

	proxy := models.Proxy{
		Protocol: DefaultProtocol,
		Host:     fields[0],
		Port:     fields[1],
	}
	if len(fields) >= 4 {
		proxy.Username = fields[2]
		proxy.Password = fields[3]
	}

	return []models.Proxy{proxy}, nil
}
