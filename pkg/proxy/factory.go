package proxy

import (
	"math/rand"
	"strings"
)

// detectSystem picks the provider from the first field of a source line.
func detectSystem(host string) System {
	switch {
	case strings.Contains(host, string(SystemOxylabs)):
		return SystemOxylabs
	case strings.Contains(host, string(SystemSmartproxy)):
		return SystemSmartproxy
	default:
		return SystemPlain
	}
}

// NewProvider creates the expansion rule for a system
func NewProvider(system System, rng *rand.Rand) Provider {
	switch system {
	case SystemOxylabs:
		return newOxylabsProvider(rng)
	case SystemSmartproxy:
		return newSmartproxyProvider(rng)
	default:
		return plainProvider{}
	}
}
