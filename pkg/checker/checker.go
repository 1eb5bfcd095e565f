// Package checker probes proxy endpoints by sending a request and an exit-address
// lookup through each of them.
package checker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coupon-orchestrator/pkg/fetch"
	"coupon-orchestrator/pkg/ipinfo"
	"coupon-orchestrator/pkg/models"
)

const (
	DefaultURL     = "http://example.com/"
	DefaultWorkers = 4
	DefaultTimeout = 10 * time.Second
)

type Options struct {
	// URL is fetched through every proxy.
	URL string
	// Transport is the outline-sdk config used to reach the proxies.
	Transport string
	Workers   int
	Timeout   time.Duration
	IPInfo    ipinfo.Client
}

// Result is the outcome of probing one proxy.
type Result struct {
	Proxy       string
	StatusCode  int
	ConnectTime time.Duration
	Latency     time.Duration
	ExitIP      string
	Country     string
	ASN         string
	Err         error
	// Cause is the innermost error, e.g. "connection refused".
	Cause string
}

type Checker struct {
	opts   Options
	logger *slog.Logger
}

func New(logger *slog.Logger, opts Options) *Checker {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Checker{opts: opts, logger: logger}
}

// Check probes every proxy with a bounded number of workers. Results keep the order
// of proxies; failures are reported in Result.Err.
func (c *Checker) Check(ctx context.Context, proxies []models.Proxy) []Result {
	type job struct {
		index int
		proxy models.Proxy
	}

	jobs := make(chan job, len(proxies))
	results := make([]Result, len(proxies))

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = c.probe(ctx, j.proxy)
			}
		}()
	}

	for i, p := range proxies {
		jobs <- job{index: i, proxy: p}
	}
	close(jobs)
	wg.Wait()

	return results
}

func (c *Checker) probe(ctx context.Context, p models.Proxy) Result {
	result := Result{Proxy: p.String()}
	opts := fetch.Options{
		Transport: c.opts.Transport,
		Proxy:     p.URL(),
		Timeout:   c.opts.Timeout,
	}

	res, err := fetch.Fetch(ctx, c.opts.URL, opts)
	if err != nil {
		c.logger.Error("Proxy check failed", "proxy", result.Proxy, "error", err)
		result.Err = err
		result.Cause = fetch.RootCause(err).Error()
		return result
	}
	result.StatusCode = res.StatusCode
	result.ConnectTime = res.ConnectTime
	result.Latency = res.Latency

	info, err := c.opts.IPInfo.ExitInfo(ctx, opts)
	if err != nil {
		c.logger.Warn("Exit address lookup failed", "proxy", result.Proxy, "error", err)
		result.Err = err
		result.Cause = fetch.RootCause(err).Error()
		return result
	}
	result.ExitIP = info.IP
	result.Country = info.Country
	result.ASN, _ = info.ASN()

	c.logger.Debug("Proxy checked",
		"proxy", result.Proxy,
		"status", result.StatusCode,
		"latency", result.Latency,
		"exitIP", result.ExitIP)
	return result
}
