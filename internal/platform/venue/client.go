// Package venue is the REST adapter for the prediction-market venue: order
// submission, lookup and cancellation keyed by the client idempotency key,
// market discovery, and book snapshots for resynchronisation. Every failure is
// mapped onto the domain error taxonomy.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Config configures the REST client.
type Config struct {
	BaseURL     string
	Credentials Credentials
	Timeout     time.Duration
	// RatePerSecond and Burst bound outgoing calls.
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive transient failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		RatePerSecond:   10,
		Burst:           10,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Client implements domain.VenueOrderAPI over the venue REST API.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a REST client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	logger = logger.With(slog.String("component", "venue"))
	st := gobreaker.Settings{
		Name:    "venue",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transport trouble trips the breaker; a rejected order is a
		// healthy answer.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrTransientNetwork)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		creds:      cfg.Credentials,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:    gobreaker.NewCircuitBreaker(st),
		logger:     logger,
		now:        time.Now,
	}
}

// Submit places an order. A repeated client key returns the existing order.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (domain.VenueOrderStatus, error) {
	st, err := c.orderCall(ctx, http.MethodPost, "/orders", newAPIOrderRequest(req))
	if err != nil {
		return st, fmt.Errorf("venue: submit %s: %w", req.IdempotencyKey, err)
	}
	return st, nil
}

// Query looks an order up by client key; domain.ErrNotFound if the venue
// never accepted it.
func (c *Client) Query(ctx context.Context, idempotencyKey string) (domain.VenueOrderStatus, error) {
	st, err := c.orderCall(ctx, http.MethodGet, "/orders?client_key="+url.QueryEscape(idempotencyKey), nil)
	if err != nil {
		return st, fmt.Errorf("venue: query %s: %w", idempotencyKey, err)
	}
	return st, nil
}

// Cancel cancels the open remainder of a venue order and returns its final
// status.
func (c *Client) Cancel(ctx context.Context, venueOrderID string) (domain.VenueOrderStatus, error) {
	if venueOrderID == "" {
		return domain.VenueOrderStatus{}, fmt.Errorf("venue: cancel: %w: empty venue order id", domain.ErrVenueRejection)
	}
	st, err := c.orderCall(ctx, http.MethodDelete, "/orders/"+url.PathEscape(venueOrderID), nil)
	if err != nil {
		return st, fmt.Errorf("venue: cancel %s: %w", venueOrderID, err)
	}
	return st, nil
}

func (c *Client) orderCall(ctx context.Context, method, path string, body any) (domain.VenueOrderStatus, error) {
	respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return domain.VenueOrderStatus{}, err
	}
	var o apiOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return domain.VenueOrderStatus{}, fmt.Errorf("%w: decode order: %v", domain.ErrDataIntegrity, err)
	}
	return o.toDomain()
}

// Markets lists the active markets.
func (c *Client) Markets(ctx context.Context) ([]domain.MarketMeta, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/markets?active=true", nil)
	if err != nil {
		return nil, fmt.Errorf("venue: list markets: %w", err)
	}
	var resp struct {
		Markets []apiMarket `json:"markets"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("venue: decode markets: %w: %v", domain.ErrDataIntegrity, err)
	}

	out := make([]domain.MarketMeta, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		if !m.Active || len(m.Outcomes) == 0 {
			continue
		}
		out = append(out, m.toDomain())
	}
	return out, nil
}

// BookSnapshot fetches the full book of one market as a snapshot update.
func (c *Client) BookSnapshot(ctx context.Context, marketID string) (domain.BookUpdate, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(marketID)+"/book", nil)
	if err != nil {
		return domain.BookUpdate{}, fmt.Errorf("venue: book %s: %w", marketID, err)
	}
	var b apiBook
	if err := json.Unmarshal(respBody, &b); err != nil {
		return domain.BookUpdate{}, fmt.Errorf("venue: decode book %s: %w: %v", marketID, domain.ErrDataIntegrity, err)
	}
	if b.MarketID == "" {
		b.MarketID = marketID
	}
	return b.toSnapshot(), nil
}

// do rate-limits, signs and sends one request through the circuit breaker
// and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrTransientNetwork, err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	var (
		bodyReader io.Reader
		bodyStr    string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.Key != "" {
		for k, v := range c.creds.Headers(method, path, bodyStr, c.now()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransientNetwork, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// classifyTransport maps a failed round trip. Context cancellation is
// passed through so callers can tell shutdown from a network fault.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", domain.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 512 {
		bodyStr = bodyStr[:512]
	}
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: HTTP %d: %s", domain.ErrVenueRejection, domain.ErrConfiguration, statusCode, bodyStr)
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout, statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransientNetwork, statusCode, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueRejection, statusCode, bodyStr)
	}
}

var _ domain.VenueOrderAPI = (*Client)(nil)
