package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"expodesk.app/cloud/internal/logger"
)

// Client talks to the PayPal REST API. Only the order lookup surface is
// consumed here; order creation and capture happen in the dashboard client.
type Client struct {
	APIBase      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Order is the slice of the gateway's order resource this service reads.
type Order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		CustomID string `json:"custom_id"`
	} `json:"purchase_units"`
}

func NewClient(apiBase, clientID, clientSecret string) *Client {
	return &Client{
		APIBase:      strings.TrimRight(apiBase, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// GetAccessToken returns a cached client-credentials token, fetching a new
// one when the cached token is within a minute of expiry.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logger.Error("Token request failed", map[string]interface{}{
			"error": err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warn("Failed to close response body", map[string]interface{}{"error": err.Error()})
		}
	}()

	if resp.StatusCode != http.StatusOK {
		logger.Error("Token request rejected", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrGatewayUnreachable, resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrGatewayUnreachable)
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	logger.Debug("Gateway access token refreshed", map[string]interface{}{
		"expires_in": token.ExpiresIn,
	})

	return c.accessToken, nil
}

// GetOrder fetches an order fresh from the gateway.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, ErrOrderNotFound
	}

	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBase+"/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logger.Error("Order request failed", map[string]interface{}{
			"error":      err.Error(),
			"payment_id": orderID,
		})
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warn("Failed to close response body", map[string]interface{}{"error": err.Error()})
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrOrderNotFound
	default:
		logger.Error("Order request rejected", map[string]interface{}{
			"status":     resp.StatusCode,
			"payment_id": orderID,
		})
		return nil, fmt.Errorf("%w: order endpoint returned %d", ErrGatewayUnreachable, resp.StatusCode)
	}

	var order Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	return &order, nil
}
