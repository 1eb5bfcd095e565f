package proxy

import (
	"fmt"
	"math/rand"

	"coupon-orchestrator/pkg/models"
)

const (
	oxylabsSessions     = 20
	oxylabsSessionIDMin = 1000000
	oxylabsSessionIDMax = 10000000
)

// OxylabsProvider turns one gateway line into sticky sessions by appending a random
// session id to the username.
type OxylabsProvider struct {
	rng *rand.Rand
}

func newOxylabsProvider(rng *rand.Rand) *OxylabsProvider {
	return &OxylabsProvider{rng: rng}
}

func (p *OxylabsProvider) System() System {
	return SystemOxylabs
}

func (p *OxylabsProvider) Expand(fields []string) ([]models.Proxy, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("oxylabs line needs host:port:username:password, got %d fields", len(fields))
	}
	if _, err := parsePort(fields[1]); err != nil {
		return nil, err
	}

	proxies := make([]models.Proxy, 0, oxylabsSessions)
	for i := 0; i < oxylabsSessions; i++ {
		sessionID := oxylabsSessionIDMin + p.rng.Intn(oxylabsSessionIDMax-oxylabsSessionIDMin+1)
		proxies = append(proxies, models.Proxy{
			Protocol: DefaultProtocol,
			Host:     fields[0],
			Port:     fields[1],
			Username: fmt.Sprintf("%s-sessid-%d", fields[2], sessionID),
			Password: fields[3],
		})
	}

	return proxies, nil
}
