package proxy

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"coupon-orchestrator/pkg/models"
)

// ReadSourceFile returns the lines of a proxy source file.
func ReadSourceFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return lines, nil
}

// ParseSource expands every line of a proxy source into endpoints. Blank lines are
// skipped; any line no provider accepts fails the whole source.
func ParseSource(lines []string, rng *rand.Rand) ([]models.Proxy, error) {
	providers := make(map[System]Provider)

	var proxies []models.Proxy
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ":")
		system := detectSystem(fields[0])
		provider, ok := providers[system]
		if !ok {
			provider = NewProvider(system, rng)
			providers[system] = provider
		}

		expanded, err := provider.Expand(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedSource, i+1, err)
		}
		proxies = append(proxies, expanded...)
	}

	return proxies, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
