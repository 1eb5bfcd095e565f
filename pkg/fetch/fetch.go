// Package fetch makes HTTP requests through a proxy endpoint, optionally reaching the
// proxy itself over an outline-sdk transport.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Options contains all the configuration options for making a fetch request
type Options struct {
	// Transport config string for the hop to the proxy. Empty dials directly.
	Transport string
	// Proxy is the HTTP proxy to send the request through. Nil sends it directly.
	Proxy *url.URL
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Timeout (default: 5s)
	Timeout time.Duration
}

// Result contains the response from a fetch request
type Result struct {
	StatusCode int
	Header     http.Header
	// Response body as bytes
	Body []byte
	// ConnectTime is how long the connection to the proxy (or target) took.
	ConnectTime time.Duration
	// Latency is the time until the response body was read.
	Latency time.Duration
}

// Fetch makes an HTTP request with the given options
func Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	base, err := NewDialer(opts.Transport)
	if err != nil {
		return nil, err
	}
	trace := &dialTrace{}
	dialer := trace.wrap(base)

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !isTCP(network) {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(opts.Proxy),
			DialContext:       dialContext,
			DisableKeepAlives: true,
		},
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ConnectTime: trace.connectTime(),
		Latency:     time.Since(start),
	}, nil
}
