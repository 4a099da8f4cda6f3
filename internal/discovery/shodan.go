// internal/discovery/shodan.go - candidate IP discovery via the Shodan search API
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.shodan.io"

// Discoverer supplies candidate IPv4 addresses on demand. The pipeline
// treats it as an opaque producer; only format checking is applied.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// ShodanClient queries the Shodan host search API once per Discover call and
// returns a capped, deduplicated list of IPv4 candidates. The search API
// tolerates retries; probed hosts never go through this client.
type ShodanClient struct {
	apiKey  string
	query   string
	limit   int
	baseURL string
	http    *retryablehttp.Client
}

func NewShodanClient(apiKey, query string, limit int) *ShodanClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &ShodanClient{
		apiKey:  apiKey,
		query:   query,
		limit:   limit,
		baseURL: defaultBaseURL,
		http:    client,
	}
}

type searchResponse struct {
	Matches []struct {
		IPStr string `json:"ip_str"`
	} `json:"matches"`
	Total int `json:"total"`
}

func (c *ShodanClient) Discover(ctx context.Context) ([]string, error) {
	if c.limit <= 0 {
		return nil, nil
	}
	if c.apiKey == "" {
		return nil, errors.New("missing Shodan API key")
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("query", c.query)
	params.Set("minify", "true")

	var candidates []string
	seen := make(map[string]struct{})

	// One page of 100 results per request until the cap is reached.
	maxPages := c.limit/100 + 1
	for page := 1; page <= maxPages && len(candidates) < c.limit; page++ {
		params.Set("page", strconv.Itoa(page))

		matches, err := c.searchPage(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			break
		}

		for _, ip := range matches {
			if _, dup := seen[ip]; dup {
				continue
			}
			if !isIPv4(ip) {
				continue
			}
			seen[ip] = struct{}{}
			candidates = append(candidates, ip)
			if len(candidates) >= c.limit {
				break
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"query":      c.query,
		"candidates": len(candidates),
	}).Info("Discovery completed")

	return candidates, nil
}

func (c *ShodanClient) searchPage(ctx context.Context, params url.Values) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/shodan/host/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shodan query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("shodan query failed: status %d: %s", resp.StatusCode, body)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("shodan query failed: invalid json: %w", err)
	}

	ips := make([]string, 0, len(payload.Matches))
	for _, m := range payload.Matches {
		if m.IPStr != "" {
			ips = append(ips, m.IPStr)
		}
	}
	return ips, nil
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
