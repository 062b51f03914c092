package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client is an HTTP implementation of PriceOracle. A circuit breaker caps the
// damage of a flapping oracle endpoint: once it trips, calls fail fast and the
// engine's degraded handling takes over instead of burning the retry budget
// against a dead host.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name:    "price-oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("oracle breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

type priceResponse struct {
	Price float64 `json:"price"`
}

type ivResponse struct {
	ImpliedVolatility float64 `json:"implied_volatility"`
}

func (c *Client) GetSpotPrice(ctx context.Context, base, quote common.Address) (float64, error) {
	query := url.Values{}
	query.Set("base", base.Hex())
	query.Set("quote", quote.Hex())
	var out priceResponse
	if err := c.get(ctx, "/v1/spot", query, &out); err != nil {
		return 0, err
	}
	if out.Price <= 0 {
		return 0, fmt.Errorf("oracle returned non-positive spot %g", out.Price)
	}
	return out.Price, nil
}

func (c *Client) GetImpliedVolatility(ctx context.Context, base common.Address, spot, strike, ttm float64) (float64, error) {
	query := url.Values{}
	query.Set("base", base.Hex())
	query.Set("spot", strconv.FormatFloat(spot, 'f', -1, 64))
	query.Set("strike", strconv.FormatFloat(strike, 'f', -1, 64))
	query.Set("ttm", strconv.FormatFloat(ttm, 'f', -1, 64))
	var out ivResponse
	if err := c.get(ctx, "/v1/iv", query, &out); err != nil {
		return 0, err
	}
	if out.ImpliedVolatility <= 0 {
		return 0, fmt.Errorf("oracle returned non-positive iv %g", out.ImpliedVolatility)
	}
	return out.ImpliedVolatility, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		target := c.baseURL + path + "?" + query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, fmt.Errorf("oracle http %d: %s", resp.StatusCode, string(body))
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}
