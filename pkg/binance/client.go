package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gregtusar/quantflow/pkg/models"
)

const DefaultRESTURL = "https://api.binance.com"

// Client is a minimal public REST client; no endpoint used here is signed.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type exchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var info exchangeInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", &info); err != nil {
		return nil, err
	}
	return info.Symbols, nil
}

// TradingSymbols lists the symbols currently open for trading, sorted.
func (c *Client) TradingSymbols(ctx context.Context) ([]string, error) {
	infos, err := c.ExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, info := range infos {
		if info.Status == "TRADING" {
			symbols = append(symbols, info.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// VerifySymbols fails if any of symbols is not currently trading.
func (c *Client) VerifySymbols(ctx context.Context, symbols []string) error {
	trading, err := c.TradingSymbols(ctx)
	if err != nil {
		return err
	}
	open := make(map[string]struct{}, len(trading))
	for _, s := range trading {
		open[s] = struct{}{}
	}

	var missing []string
	for _, s := range symbols {
		if _, ok := open[models.NormalizeSymbol(s)]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("symbols not trading on binance: %s", strings.Join(missing, ", "))
	}
	return nil
}
