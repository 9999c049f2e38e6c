// Package accounts is the REST client for the game server's accounts
// service, which owns player balances, inventories and connection state.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/crypto"
	"github.com/alanyoungcy/playermarket/internal/domain"
)

// Client implements domain.Economy, domain.Inventory and domain.Presence
// against the accounts service.
type Client struct {
	baseURL    string
	signer     *crypto.Signer
	httpClient *http.Client
}

var (
	_ domain.Economy   = (*Client)(nil)
	_ domain.Inventory = (*Client)(nil)
	_ domain.Presence  = (*Client)(nil)
)

// NewClient creates an accounts client. signer may be nil when the service
// does not require signed requests. timeout bounds each HTTP call.
func NewClient(baseURL string, signer *crypto.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// Balance returns the player's current balance.
func (c *Client) Balance(ctx context.Context, playerID string) (decimal.Decimal, error) {
	body, err := c.do(ctx, http.MethodGet, playerPath(playerID, "balance"), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("accounts: balance %s: %w", playerID, err)
	}
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("accounts: decode balance: %w", err)
	}
	return resp.Balance, nil
}

// HasFunds reports whether the player's balance covers amount.
func (c *Client) HasFunds(ctx context.Context, playerID string, amount decimal.Decimal) (bool, error) {
	bal, err := c.Balance(ctx, playerID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

// Withdraw debits amount. A 402 from the service maps to
// domain.ErrInsufficientFunds.
func (c *Client) Withdraw(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if _, err := c.do(ctx, http.MethodPost, playerPath(playerID, "withdraw"), amountRequest{Amount: amount.String()}); err != nil {
		return fmt.Errorf("accounts: withdraw %s from %s: %w", amount, playerID, err)
	}
	return nil
}

// Deposit credits amount.
func (c *Client) Deposit(ctx context.Context, playerID string, amount decimal.Decimal) error {
	if _, err := c.do(ctx, http.MethodPost, playerPath(playerID, "deposit"), amountRequest{Amount: amount.String()}); err != nil {
		return fmt.Errorf("accounts: deposit %s to %s: %w", amount, playerID, err)
	}
	return nil
}

// Online reports whether the player is connected to the game server.
func (c *Client) Online(ctx context.Context, playerID string) (bool, error) {
	body, err := c.do(ctx, http.MethodGet, playerPath(playerID, "presence"), nil)
	if err != nil {
		return false, fmt.Errorf("accounts: presence %s: %w", playerID, err)
	}
	var resp struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("accounts: decode presence: %w", err)
	}
	return resp.Online, nil
}

// Grant places item in the player's inventory and returns whatever did not
// fit.
func (c *Client) Grant(ctx context.Context, playerID string, item domain.Item) ([]domain.Item, error) {
	body, err := c.do(ctx, http.MethodPost, playerPath(playerID, "inventory/grant"), struct {
		Item domain.Item `json:"item"`
	}{Item: item})
	if err != nil {
		return nil, fmt.Errorf("accounts: grant to %s: %w", playerID, err)
	}
	var resp struct {
		Remainder []domain.Item `json:"remainder"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("accounts: decode grant: %w", err)
	}
	return resp.Remainder, nil
}

func playerPath(playerID, rest string) string {
	return "/players/" + url.PathEscape(playerID) + "/" + rest
}

// do sends a request with an optional JSON body, signs it when a signer is
// configured, and returns the response body for 2xx responses.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.signer.Enabled() {
		c.signer.Sign(req, payload)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, apiErr.Error)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Error)
	case statusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, apiErr.Error)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.Error)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Error)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrServiceUnavailable, statusCode, apiErr.Error)
	default:
		return fmt.Errorf("accounts: HTTP %d: %s", statusCode, apiErr.Error)
	}
}
