// Package market composes the shared market snapshot delivered with every
// cycle callback: spot price, DAG info, and per-address balance, each behind
// an independently cached, single-flight upstream probe.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/forge-os/forgeos/internal/telemetry"
)

const sompiPerKas = 100_000_000

// Client is a thin HTTP client for the Kaspa REST API.
type Client struct {
	base  string
	httpc *http.Client
}

// NewClient creates a Kaspa API client with a hard per-request timeout.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base:  base,
		httpc: &http.Client{Timeout: timeout},
	}
}

// Price returns the current KAS/USD spot price.
func (c *Client) Price(ctx context.Context) (float64, error) {
	var out struct {
		Price float64 `json:"price"`
	}
	if err := c.get(ctx, "/info/price", "price", &out); err != nil {
		return 0, err
	}
	return out.Price, nil
}

// DAGInfo describes the network's block DAG tip.
type DAGInfo struct {
	DAAScore uint64 `json:"daaScore"`
	Network  string `json:"network"`
}

// DAG returns the current DAG tip info.
func (c *Client) DAG(ctx context.Context) (DAGInfo, error) {
	var out struct {
		NetworkName     string `json:"networkName"`
		VirtualDAAScore uint64 `json:"virtualDaaScore"`
	}
	if err := c.get(ctx, "/info/blockdag", "dag", &out); err != nil {
		return DAGInfo{}, err
	}
	return DAGInfo{DAAScore: out.VirtualDAAScore, Network: out.NetworkName}, nil
}

// Balance returns the spendable balance of the address in KAS.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	path := "/addresses/" + url.PathEscape(address) + "/balance"
	if err := c.get(ctx, path, "balance", &out); err != nil {
		return 0, err
	}
	return float64(out.Balance) / sompiPerKas, nil
}

func (c *Client) get(ctx context.Context, path, probe string, dst any) error {
	start := time.Now()
	defer func() {
		telemetry.UpstreamDuration.WithLabelValues(probe).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", probe, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", probe, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %d", probe, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", probe, err)
	}
	return nil
}
