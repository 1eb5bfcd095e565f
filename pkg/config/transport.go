package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SSConfig represents the shadowsocks configuration structure
type SSConfig struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Method     string `json:"method"`
	Password   string `json:"password"`
	Prefix     string `json:"prefix"`
}

// BuildURL converts the SSConfig into a shadowsocks URL
func (c *SSConfig) BuildURL() (string, error) {
	if c.Server == "" || c.ServerPort == 0 {
		return "", fmt.Errorf("shadowsocks config needs server and server_port")
	}

	userInfo := base64.URLEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.Method, c.Password)))
	u := &url.URL{
		Scheme: "ss",
		User:   url.User(userInfo),
		Host:   fmt.Sprintf("%s:%d", c.Server, c.ServerPort),
	}

	if c.Prefix != "" {
		q := url.Values{}
		q.Add("prefix", c.Prefix)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// ParseSSConfig parses a JSON string into an SSConfig and returns the URL
func ParseSSConfig(jsonConfig string) (string, error) {
	var config SSConfig
	if err := json.Unmarshal([]byte(jsonConfig), &config); err != nil {
		return "", fmt.Errorf("failed to parse JSON config: %w", err)
	}

	return config.BuildURL()
}

// TransportResolver turns checker.transport into an outline-sdk transport config.
type TransportResolver struct {
	// Client fetches ssconfig:// keys. Defaults to http.DefaultClient.
	Client *http.Client
}

// Resolve accepts a transport config as is, a shadowsocks JSON config, or an
// ssconfig:// dynamic access key, which is fetched over https.
func (r TransportResolver) Resolve(ctx context.Context, transport string) (string, error) {
	transport = strings.TrimSpace(transport)
	switch {
	case strings.HasPrefix(transport, "{"):
		return ParseSSConfig(transport)
	case strings.HasPrefix(transport, "ssconfig://"):
		return r.fetch(ctx, transport)
	default:
		return transport, nil
	}
}

func (r TransportResolver) fetch(ctx context.Context, configURL string) (string, error) {
	u, err := url.Parse(configURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	u.Scheme = "https"

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch config: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	content := strings.TrimSpace(string(body))
	if strings.HasPrefix(content, "ss://") {
		return content, nil
	}
	return ParseSSConfig(content)
}
