package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	goldAPIURL       = "https://www.goldapi.io/api/XAU/USD"
	metalPriceAPIURL = "https://api.metalpriceapi.com/v1/latest"
	kitcoURL         = "https://www.kitco.com/charts/gold"

	// DefaultHTTPTimeout bounds one upstream request.
	DefaultHTTPTimeout = 6 * time.Second

	userAgent = "Mozilla/5.0"

	// kitcoBidAdjustment lifts the scraped bid toward mid.
	kitcoBidAdjustment = 0.5
)

var kitcoBidRe = regexp.MustCompile(`Bid</div><div class="mb-2 text-right"><h3 class=".*?">(\d{1,3}(?:,\d{3})*\.\d{2})`)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

func get(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// GoldAPI reads XAU/USD from goldapi.io.
type GoldAPI struct {
	token  string
	url    string
	client *http.Client
}

// NewGoldAPI creates the source. An empty apiURL selects the public endpoint.
func NewGoldAPI(token, apiURL string, timeout time.Duration) *GoldAPI {
	if apiURL == "" {
		apiURL = goldAPIURL
	}
	return &GoldAPI{token: token, url: apiURL, client: newHTTPClient(timeout)}
}

func (g *GoldAPI) Name() string { return "goldapi" }

func (g *GoldAPI) Fetch(ctx context.Context) (float64, error) {
	if g.token == "" {
		return 0, errNoToken
	}
	body, err := get(ctx, g.client, g.url, http.Header{"x-access-token": {g.token}})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Price *float64 `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode goldapi response: %w", err)
	}
	if resp.Price == nil {
		return 0, fmt.Errorf("goldapi response has no price")
	}
	return checkGold(*resp.Price)
}

// MetalPriceAPI reads XAU per USD from metalpriceapi.com and inverts it.
type MetalPriceAPI struct {
	token  string
	url    string
	client *http.Client
}

func NewMetalPriceAPI(token, apiURL string, timeout time.Duration) *MetalPriceAPI {
	if apiURL == "" {
		apiURL = metalPriceAPIURL
	}
	return &MetalPriceAPI{token: token, url: apiURL, client: newHTTPClient(timeout)}
}

func (m *MetalPriceAPI) Name() string { return "metalpriceapi" }

func (m *MetalPriceAPI) Fetch(ctx context.Context) (float64, error) {
	if m.token == "" {
		return 0, errNoToken
	}
	u, err := url.Parse(m.url)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("api_key", m.token)
	q.Set("base", "USD")
	q.Set("currencies", "XAU")
	u.RawQuery = q.Encode()

	body, err := get(ctx, m.client, u.String(), nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode metalpriceapi response: %w", err)
	}
	xauPerUSD := resp.Rates["XAU"]
	if !(xauPerUSD > 0) {
		return 0, fmt.Errorf("metalpriceapi XAU rate %v is not positive", xauPerUSD)
	}
	return checkGold(1 / xauPerUSD)
}

// Kitco scrapes the bid from the public gold chart page.
type Kitco struct {
	url    string
	client *http.Client
}

func NewKitco(pageURL string, timeout time.Duration) *Kitco {
	if pageURL == "" {
		pageURL = kitcoURL
	}
	return &Kitco{url: pageURL, client: newHTTPClient(timeout)}
}

func (k *Kitco) Name() string { return "kitco" }

func (k *Kitco) Fetch(ctx context.Context) (float64, error) {
	body, err := get(ctx, k.client, k.url, http.Header{"Accept": {"text/html"}})
	if err != nil {
		return 0, err
	}
	m := kitcoBidRe.FindSubmatch(body)
	if m == nil {
		return 0, fmt.Errorf("kitco bid not found in page")
	}
	bid, err := strconv.ParseFloat(strings.ReplaceAll(string(m[1]), ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("parse kitco bid: %w", err)
	}
	return checkGold(bid + kitcoBidAdjustment)
}
