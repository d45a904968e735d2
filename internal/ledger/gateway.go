package ledger

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
)

// GatewayConfig configures the HTTP ledger gateway client.
type GatewayConfig struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// GatewayClient talks JSON to a ledger gateway:
//
//	GET  {url}/transactions/{ref}
//	POST {url}/payments
type GatewayClient struct {
	url        string
	httpClient *http.Client
}

func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &GatewayClient{
		url:        strings.TrimRight(cfg.URL, "/"),
		httpClient: httpClient,
	}
}

type transactionResponse struct {
	Successful bool   `json:"successful"`
	Ledger     int64  `json:"ledger"`
	Hash       string `json:"hash"`
}

type errorResponse struct {
	ResultCode string `json:"result_code"`
	Detail     string `json:"detail"`
}

// VerifyTransaction implements Ledger.
func (c *GatewayClient) VerifyTransaction(ctx context.Context, externalRef string) (*Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/transactions/"+url.PathEscape(externalRef), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Op: "verify", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Op: "verify", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case transient(resp.StatusCode):
		return nil, &RetryableError{Op: "verify", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("verify failed (%d): %s", resp.StatusCode, body)
	}

	var tx transactionResponse
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return &Verification{
		Verified:       tx.Successful,
		LedgerSequence: tx.Ledger,
		Hash:           tx.Hash,
	}, nil
}

// SendPayment implements Payment.
func (c *GatewayClient) SendPayment(ctx context.Context, p PaymentRequest) (*PaymentResult, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Op: "payment", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Op: "payment", Err: err}
	}

	if transient(resp.StatusCode) {
		return nil, &RetryableError{Op: "payment", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= 400 {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.ResultCode == "" {
			return nil, &PaymentError{Code: "rejected", Message: fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
		}
		return nil, ClassifyCode("payment", e.ResultCode, e.Detail)
	}

	var result PaymentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: status %d with undecodable body: %v", ErrOutcomeUnknown, resp.StatusCode, err)
	}
	if result.ExternalRef == "" {
		return nil, fmt.Errorf("%w: status %d without external_ref", ErrOutcomeUnknown, resp.StatusCode)
	}
	return &result, nil
}

func transient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

var (
	_ Ledger  = (*GatewayClient)(nil)
	_ Payment = (*GatewayClient)(nil)
)
