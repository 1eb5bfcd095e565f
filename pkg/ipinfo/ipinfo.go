// Package ipinfo looks up the public address a request leaves from.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"coupon-orchestrator/pkg/fetch"
)

const DefaultBaseURL = "https://ipinfo.io"

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

// ASN splits the "org" field, e.g. "AS15169 Google LLC", into its number and name.
func (r IPInfoResponse) ASN() (number, org string) {
	orgParts := strings.SplitN(r.Org, " ", 2)
	if len(orgParts) == 2 && strings.HasPrefix(orgParts[0], "AS") {
		return strings.TrimPrefix(orgParts[0], "AS"), orgParts[1]
	}
	return "", r.Org
}

type Client struct {
	BaseURL string
	Token   string
}

// ExitInfo describes the address that requests sent with opts come from.
func (c Client) ExitInfo(ctx context.Context, opts fetch.Options) (IPInfoResponse, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	target := strings.TrimSuffix(base, "/") + "/json"
	if c.Token != "" {
		target += "?token=" + url.QueryEscape(c.Token)
	}

	res, err := fetch.Fetch(ctx, target, opts)
	if err != nil {
		return IPInfoResponse{}, err
	}
	if res.StatusCode != http.StatusOK {
		return IPInfoResponse{}, fmt.Errorf("ipinfo returned status %d", res.StatusCode)
	}

	var ipInfo IPInfoResponse
	if err := json.Unmarshal(res.Body, &ipInfo); err != nil {
		return IPInfoResponse{}, fmt.Errorf("failed to decode ipinfo response: %w", err)
	}

	return ipInfo, nil
}
