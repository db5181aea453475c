// Package broker is the REST client for the broker's order and quote API.
// Requests carry the application HMAC headers plus the user's session token.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/algobot/internal/crypto"
	"github.com/alanyoungcy/algobot/internal/domain"
)

// maxQuoteBatch is the instrument limit of one /quote/ltp call.
const maxQuoteBatch = 500

// Client implements domain.ExecutionVenue and domain.QuoteSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth

	// quote calls are not tied to a position; they use this user's session
	quoteCreds domain.CredentialResolver
	quoteUser  string
}

// NewClient creates a broker client.
//
// baseURL is the API root, e.g. "https://api.broker.example/v1".
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

// WithQuoteSession sets the session used for bulk quote calls.
func (c *Client) WithQuoteSession(resolver domain.CredentialResolver, userID string) *Client {
	c.quoteCreds = resolver
	c.quoteUser = userID
	return c
}

// PlaceOrder submits an order and returns the broker's order id.
func (c *Client) PlaceOrder(ctx context.Context, creds domain.Credentials, req domain.PlaceOrderRequest) (domain.PlaceOrderResult, error) {
	var out envelope[apiOrderID]
	if err := c.do(ctx, creds, http.MethodPost, "/orders", fromDomainOrder(req), &out); err != nil {
		return domain.PlaceOrderResult{}, fmt.Errorf("broker: place order %s: %w", req.Symbol, err)
	}
	if out.Data.OrderID == "" {
		return domain.PlaceOrderResult{}, fmt.Errorf("broker: place order %s: empty order id", req.Symbol)
	}
	return domain.PlaceOrderResult{Status: out.Status, BrokerOrderID: out.Data.OrderID}, nil
}

// GetOrderStatus returns the current state of an order.
func (c *Client) GetOrderStatus(ctx context.Context, creds domain.Credentials, brokerOrderID string) (domain.OrderStatusResult, error) {
	var out envelope[APIOrder]
	path := "/orders/" + url.PathEscape(brokerOrderID)
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &out); err != nil {
		return domain.OrderStatusResult{}, fmt.Errorf("broker: order status %s: %w", brokerOrderID, err)
	}
	return out.Data.ToDomain(), nil
}

// GetLTPs fetches last traded prices in batches. Instruments the broker does
// not quote are omitted.
func (c *Client) GetLTPs(ctx context.Context, keys []domain.SymbolKey) (map[domain.SymbolKey]float64, error) {
	result := make(map[domain.SymbolKey]float64, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	var creds domain.Credentials
	if c.quoteCreds != nil {
		var err error
		creds, err = c.quoteCreds.GetCredentials(ctx, c.quoteUser)
		if err != nil {
			return nil, fmt.Errorf("broker: quote session: %w", err)
		}
	}

	byName := make(map[string]domain.SymbolKey, len(keys))
	for start := 0; start < len(keys); start += maxQuoteBatch {
		end := min(start+maxQuoteBatch, len(keys))
		q := url.Values{}
		for _, k := range keys[start:end] {
			byName[k.String()] = k
			q.Add("i", k.String())
		}

		var out envelope[map[string]APIQuote]
		if err := c.do(ctx, creds, http.MethodGet, "/quote/ltp?"+q.Encode(), nil, &out); err != nil {
			return nil, fmt.Errorf("broker: ltp: %w", err)
		}
		for name, quote := range out.Data {
			if k, ok := byName[name]; ok && quote.LastPrice > 0 {
				result[k] = quote.LastPrice
			}
		}
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and decodes one request. out must point to an
// envelope.
func (c *Client) do(ctx context.Context, creds domain.Credentials, method, path string, body, out any) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, bodyStr, creds.Token) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	var head envelope[json.RawMessage]
	if err := json.Unmarshal(respBody, &head); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if head.Status == "error" {
		return fmt.Errorf("%w: %s", errorKind(head.ErrorType), head.Message)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var head envelope[json.RawMessage]
	msg := string(body)
	if err := json.Unmarshal(body, &head); err == nil && head.Message != "" {
		msg = head.Message
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", errorKind(head.ErrorType), msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

var errBroker = errors.New("broker error")

func errorKind(errorType string) error {
	switch errorType {
	case "TokenException", "PermissionException":
		return domain.ErrUnauthorized
	case "InputException", "OrderException":
		return domain.ErrInvalidOrder
	default:
		return errBroker
	}
}

var (
	_ domain.ExecutionVenue = (*Client)(nil)
	_ domain.QuoteSource    = (*Client)(nil)
)
