package proxy

import (
	"fmt"
	"math/rand"
	"strconv"

	"coupon-orchestrator/pkg/models"
)

// smartproxySentinelPort selects the small port range.
const smartproxySentinelPort = 10000

type portRange struct {
	first  int
	last   int
	sample int
}

var (
	smartproxySmallRange = portRange{first: 10001, last: 10200, sample: 10}
	smartproxyLargeRange = portRange{first: 20001, last: 20200, sample: 20}
)

// SmartproxyProvider spreads one gateway line over a random sample of its sticky ports.
type SmartproxyProvider struct {
	rng *rand.Rand
}

func newSmartproxyProvider(rng *rand.Rand) *SmartproxyProvider {
	return &SmartproxyProvider{rng: rng}
}

func (p *SmartproxyProvider) System() System {
	return SystemSmartproxy
}

func (p *SmartproxyProvider) Expand(fields []string) ([]models.Proxy, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("smartproxy line needs host:port:username:password, got %d fields", len(fields))
	}
	port, err := parsePort(fields[1])
	if err != nil {
		return nil, err
	}

	ports := smartproxyLargeRange
	if port == smartproxySentinelPort {
		ports = smartproxySmallRange
	}

	size := ports.last - ports.first + 1
	proxies := make([]models.Proxy, 0, ports.sample)
	for _, offset := range p.rng.Perm(size)[:ports.sample] {
		proxies = append(proxies, models.Proxy{
			Protocol: DefaultProtocol,
			Host:     fields[0],
			Port:     strconv.Itoa(ports.first + offset),
			Username: fields[2],
			Password: fields[3],
		})
	}

	return proxies, nil
}
