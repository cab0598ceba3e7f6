// Package vaultpilot is a small Go client for the VaultPilot REST API.
package vaultpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// OwnerHeader carries the caller identity when the server runs without
// authentication.
const OwnerHeader = "X-Owner-ID"

// Client wraps the HTTP interactions with the VaultPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	owner       string
}

// ExecutionRequest starts an interactive execution signed by Address.
type ExecutionRequest struct {
	StrategyType string         `json:"strategy_type"`
	Address      string         `json:"address"`
	Input        map[string]any `json:"input"`
}

// ExecutionError describes why an execution failed.
type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Execution is the server view of one execution.
type Execution struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	StrategyType   string          `json:"strategy_type"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	ActualFee      *string         `json:"actual_fee,omitempty"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case "SUCCESS", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// Approval is a consent request waiting for the owner.
type Approval struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	Owner        string         `json:"owner"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	EstimatedFee string         `json:"estimated_fee"`
	RiskLevel    string         `json:"risk_level"`
	Status       string         `json:"status"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// OrderRequest creates a recurring order. Amounts are decimal strings.
type OrderRequest struct {
	Address             string         `json:"address"`
	StrategyType        string         `json:"strategy_type,omitempty"`
	SourceAsset         string         `json:"source_asset"`
	DestinationAsset    string         `json:"destination_asset"`
	AmountPerCycle      string         `json:"amount_per_cycle"`
	Frequency           string         `json:"frequency"`
	StartAt             *time.Time     `json:"start_at,omitempty"`
	EndAt               *time.Time     `json:"end_at,omitempty"`
	DelegationAmount    string         `json:"delegation_amount,omitempty"`
	DelegationExpiresAt *time.Time     `json:"delegation_expires_at,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
}

// Order is the server view of a recurring order.
type Order struct {
	ID                        string     `json:"id"`
	Owner                     string     `json:"owner"`
	Status                    string     `json:"status"`
	PauseReason               string     `json:"pause_reason,omitempty"`
	Frequency                 string     `json:"frequency"`
	NextExecutionAt           *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount            int        `json:"execution_count"`
	FailedAttemptCount        int        `json:"failed_attempt_count"`
	DelegationAmountRemaining *string    `json:"delegation_amount_remaining,omitempty"`
	DelegationRevoked         bool       `json:"delegation_revoked"`
	TotalInput                string     `json:"total_input"`
	TotalOutput               string     `json:"total_output"`
}

// Attempt records one cycle of a recurring order.
type Attempt struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	ExecutionID    string    `json:"execution_id"`
	Status         string    `json:"status"`
	AmountIn       string    `json:"amount_in"`
	AmountOut      string    `json:"amount_out"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vaultpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vaultpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the VaultPilot API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetOwner sets the owner header used when the server disables authentication.
func (c *Client) SetOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
}

// StartExecution submits an interactive execution.
func (c *Client) StartExecution(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	var out Execution
	if err := c.send(ctx, http.MethodPost, "/api/v1/executions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var out Execution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelExecution asks the server to cancel an execution. The boolean is false
// when the execution had already passed the point of no return.
func (c *Client) CancelExecution(ctx context.Context, id string) (bool, *Execution, error) {
	var out struct {
		Cancelled bool       `json:"cancelled"`
		Execution *Execution `json:"execution"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return false, nil, err
	}
	return out.Cancelled, out.Execution, nil
}

// WaitExecution polls until the execution is terminal, waits for approval, or
// ctx ends.
func (c *Client) WaitExecution(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e, err := c.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Terminal() || e.Status == "APPROVAL_REQUIRED" {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return e, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetApproval fetches a pending or resolved approval.
func (c *Client) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var out Approval
	if err := c.send(ctx, http.MethodGet, "/api/v1/approvals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveApproval approves or rejects an approval. signature may carry a
// transaction the owner signed themselves.
func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool, signature string) (*Approval, error) {
	body := struct {
		Approved  bool   `json:"approved"`
		Signature string `json:"signature,omitempty"`
	}{Approved: approved, Signature: signature}
	var out Approval
	if err := c.send(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateOrder creates a recurring order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var out Order
	if err := c.send(ctx, http.MethodPost, "/api/v1/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches one recurring order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.send(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OrderAttempts lists the cycles recorded for an order.
func (c *Client) OrderAttempts(ctx context.Context, id string) ([]Attempt, error) {
	var out struct {
		Items []Attempt `json:"items"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id)+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// PauseOrder pauses an active order.
func (c *Client) PauseOrder(ctx context.Context, id string) (*Order, error) {
	return c.orderAction(ctx, id, "pause")
}

// ResumeOrder resumes a paused order.
func (c *Client) ResumeOrder(ctx context.Context, id string) (*Order, error) {
	return c.orderAction(ctx, id, "resume")
}

// RevokeDelegation revokes the signing delegation of an order.
func (c *Client) RevokeDelegation(ctx context.Context, id string) (*Order, error) {
	return c.orderAction(ctx, id, "revoke")
}

func (c *Client) orderAction(ctx context.Context, id, action string) (*Order, error) {
	var out Order
	if err := c.send(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token, owner := c.accessToken, c.owner
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case owner != "":
		req.Header.Set(OwnerHeader, owner)
	default:
		return nil, errors.New("vaultpilot: neither access token nor owner is set")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
