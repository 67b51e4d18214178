package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/model"
)

const (
	spotPathFormat      = "/symbols/%s/spot"
	defaultMaxBodyBytes = 4 << 20
)

// PriceOptions parameterise the spot price client.
type PriceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// MaxIdleConnsPerHost sizes the shared keep-alive pool.
	MaxIdleConnsPerHost int
	// MaxBodyBytes caps the response size read per request.
	MaxBodyBytes int64
}

// Price fetches spot prices from the symbols API. Safe for concurrent use.
type Price struct {
	opts    PriceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPrice constructs a spot price client.
func NewPrice(opts PriceOptions, logger zerolog.Logger) *Price {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://gomarket-api.goquant.io/api"
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	idle := opts.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = 32
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = idle

	return &Price{
		opts:    opts,
		logger:  logging.Component(logger, "price_fetcher"),
		client:  &http.Client{Timeout: timeout, Transport: transport},
		baseURL: baseURL,
	}
}

// FetchPrice returns the spot price, or Unavailable on any failure.
func (p *Price) FetchPrice(ctx context.Context, exchange, asset string) float64 {
	price, err := p.Quote(ctx, exchange, asset)
	if err != nil {
		event := p.logger.Warn().Err(err).Str("exchange", exchange).Str("asset", asset)
		if errors.Is(err, context.DeadlineExceeded) {
			event.Msg("price fetch timed out")
		} else {
			event.Msg("price fetch failed")
		}
		return Unavailable
	}
	return price
}

// Quote performs the HTTP lookup. A missing symbol or empty price yields Unavailable with a nil error.
func (p *Price) Quote(ctx context.Context, exchange, asset string) (float64, error) {
	target := model.NormalizeAsset(asset)
	endpoint := p.baseURL + fmt.Sprintf(spotPathFormat, url.PathEscape(model.NormalizeExchange(exchange)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Unavailable, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "pricealert/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Unavailable, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, p.opts.MaxBodyBytes+1))
	if err != nil {
		return Unavailable, err
	}
	if int64(len(payload)) > p.opts.MaxBodyBytes {
		return Unavailable, fmt.Errorf("response body exceeds %d bytes", p.opts.MaxBodyBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return Unavailable, parseHTTPError(resp.StatusCode, payload)
	}

	symbols, err := decodeSymbols(payload)
	if err != nil {
		return Unavailable, err
	}

	for _, symbol := range symbols {
		if symbol.Name != target {
			continue
		}
		return parsePrice(symbol.Price)
	}
	return Unavailable, nil
}

type spotSymbol struct {
	Name  string          `json:"name"`
	Price json.RawMessage `json:"price"`
}

type spotResponse struct {
	Symbols []spotSymbol `json:"symbols"`
}

// decodeSymbols accepts both {"symbols":[...]} and a bare list.
func decodeSymbols(payload []byte) ([]spotSymbol, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []spotSymbol
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode symbol list: %w", err)
		}
		return list, nil
	}

	var res spotResponse
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, fmt.Errorf("decode symbols response: %w", err)
	}
	return res.Symbols, nil
}

func parsePrice(raw json.RawMessage) (float64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return Unavailable, nil
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return Unavailable, fmt.Errorf("parse price %q: %w", text, err)
	}
	if !value.IsPositive() {
		return Unavailable, nil
	}
	return value.InexactFloat64(), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 && len(payload) <= 256 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ PriceFetcher = (*Price)(nil)
