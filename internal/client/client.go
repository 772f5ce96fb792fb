// Package client talks to the checkout API over HTTP. Its PaymentStatus
// method satisfies reconcile.StatusChecker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/logger"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrSubmissionInFlight = errors.New("an order for this checkout attempt is already being submitted")
	ErrAmountMismatch     = errors.New("amount does not match the order total")
)

// APIError is a non-2xx answer that has no domain meaning.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	now     func() time.Time

	mu    sync.Mutex
	token string
	csrf  string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithBreakerSettings replaces the default breaker. Name and IsSuccessful
// are always set by the client.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) {
		c.breaker = newBreaker(st)
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker[*response] {
	st.Name = "checkout-api"
	// Only transport failures and 5xx answers count against the API.
	st.IsSuccessful = func(err error) bool {
		var netErr *domain.NetworkError
		return err == nil || !errors.As(err, &netErr)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.SW("breaker", name).Warnw("circuit_breaker_state_changed", "from", from.String(), "to", to.String())
	}
	return gobreaker.NewCircuitBreaker[*response](st)
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, username, password string) (domain.LoginResponse, error) {
	var out domain.LoginResponse
	err := c.call(ctx, "login", http.MethodPost, "/auth/login", nil, domain.LoginRequest{Username: username, Password: password}, nil, &out)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	c.SetToken(out.AccessToken)
	return out, nil
}

// CreateOrder submits the order. The request's idempotency key is also sent
// as a header so retries of one attempt never create a second order.
func (c *Client) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	headers := http.Header{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers.Set("Idempotency-Key", key)
	}
	var out domain.CreateOrderResponse
	err := c.call(ctx, "create order", http.MethodPost, "/orders", nil, req, headers, &out)
	return out, err
}

func (c *Client) IssueSession(ctx context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	var out domain.PaymentSession
	err := c.call(ctx, "issue session", http.MethodPost, "/payment/sessions", nil, req, nil, &out)
	return out, err
}

// PaymentStatus is the read-only status check. Every request is made
// uncacheable both by header and by a unique query parameter.
func (c *Client) PaymentStatus(ctx context.Context, orderCode string) (domain.PaymentStatusResponse, error) {
	query := url.Values{}
	query.Set("orderCode", orderCode)
	query.Set("_", strconv.FormatInt(c.now().UnixNano(), 10))

	headers := http.Header{}
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Pragma", "no-cache")

	var out domain.PaymentStatusResponse
	if err := c.call(ctx, "payment status", http.MethodGet, "/payment/status", query, nil, headers, &out); err != nil {
		return domain.PaymentStatusResponse{}, err
	}
	return out, nil
}

func (c *Client) OrderSummary(ctx context.Context, orderCode string) (domain.OrderSummary, error) {
	var out domain.OrderSummary
	err := c.call(ctx, "order summary", http.MethodGet, "/orders/"+url.PathEscape(orderCode), nil, nil, nil, &out)
	return out, err
}

func (c *Client) SettleManually(ctx context.Context, req domain.ManualSettlementRequest) (domain.SettlementResponse, error) {
	var out struct {
		Settlement domain.SettlementResponse `json:"settlement"`
	}
	err := c.call(ctx, "manual settlement", http.MethodPost, "/admin/settlements", nil, req, nil, &out)
	return out.Settlement, err
}

func (c *Client) Settlements(ctx context.Context, orderCode string) ([]domain.Settlement, error) {
	var out struct {
		Settlements []domain.Settlement `json:"settlements"`
	}
	err := c.call(ctx, "list settlements", http.MethodGet, "/admin/orders/"+url.PathEscape(orderCode)+"/settlements", nil, nil, nil, &out)
	return out.Settlements, err
}

type response struct {
	status int
	body   []byte
}

// errorBody mirrors the server's error envelope.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field"`
	OrderCode string `json:"orderCode"`
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, payload any, headers http.Header, out any) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	mutating := method != http.MethodGet && path != "/auth/login"
	resp, err := c.send(ctx, op, method, path, query, raw, headers, mutating)
	if err == nil && mutating && resp.status == http.StatusForbidden && isCSRFRejection(resp.body) {
		// Token rotated on the server; fetch a fresh one and retry once.
		c.mu.Lock()
		c.csrf = ""
		c.mu.Unlock()
		resp, err = c.send(ctx, op, method, path, query, raw, headers, mutating)
	}
	if err != nil {
		return err
	}

	if resp.status < 200 || resp.status > 299 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &domain.NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, raw []byte, headers http.Header, withCSRF bool) (*response, error) {
	var csrf string
	if withCSRF {
		var err error
		if csrf, err = c.csrfToken(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, op, method, path, query, raw, headers, csrf)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.NetworkError{Op: op, Err: err}
	}
	if err != nil {
		var netErr *domain.NetworkError
		if errors.As(err, &netErr) && resp != nil {
			// 5xx: the body still carries the server's message.
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, raw []byte, headers http.Header, csrf string) (*response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	resp := &response{status: httpResp.StatusCode, body: data}
	if httpResp.StatusCode >= 500 {
		return resp, &domain.NetworkError{Op: op, Err: fmt.Errorf("server returned %d", httpResp.StatusCode)}
	}
	return resp, nil
}

func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.csrf
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, "csrf token", http.MethodGet, "/auth/csrf-token", nil, nil, nil, "")
	})
	if err != nil {
		var netErr *domain.NetworkError
		if errors.As(err, &netErr) {
			return "", err
		}
		return "", &domain.NetworkError{Op: "csrf token", Err: err}
	}
	if resp.status != http.StatusOK {
		return "", decodeError("csrf token", resp)
	}

	var payload struct {
		Token string `json:"csrf_token"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil || payload.Token == "" {
		return "", &domain.NetworkError{Op: "csrf token", Err: errors.New("malformed csrf token response")}
	}

	c.mu.Lock()
	c.csrf = payload.Token
	c.mu.Unlock()
	return payload.Token, nil
}

func isCSRFRejection(body []byte) bool {
	var e errorBody
	return json.Unmarshal(body, &e) == nil && strings.Contains(e.Error, "CSRF")
}

// decodeError maps the server's error envelope back onto domain errors.
func decodeError(op string, resp *response) error {
	var e errorBody
	_ = json.Unmarshal(resp.body, &e)
	msg := strings.TrimSpace(e.Error)
	if msg == "" {
		msg = http.StatusText(resp.status)
	}

	if resp.status >= 500 {
		return &domain.NetworkError{Op: op, Err: &APIError{Status: resp.status, Message: msg}}
	}

	switch e.Code {
	case "validation_error":
		reason := strings.TrimPrefix(msg, e.Field+": ")
		if reason == e.Field+" is required" {
			reason = ""
		}
		return &domain.ValidationError{Field: e.Field, Reason: reason}
	case "empty_selection":
		return &domain.EmptySelectionError{}
	case "invalid_order_state":
		return &domain.InvalidOrderStateError{Reason: msg}
	case "session_expired":
		return &domain.ExpiredSessionError{OrderCode: e.OrderCode}
	case "not_found":
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case "submission_in_flight":
		return ErrSubmissionInFlight
	case "amount_mismatch":
		return ErrAmountMismatch
	}
	return &APIError{Status: resp.status, Message: msg}
}
