// Package smsgw is a client for a JSON-over-HTTP SMS gateway.
//
//	POST {base}/v1/messages
//	Authorization: Bearer {key}
//	{"to":"+1...","body":"...","sender_id":"...","type":"Transactional"}
//
// A 2xx reply carries {"message_id":"..."}; failures carry {"code":"...","message":"..."}.
package smsgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PulseRelay/internal/delivery"
)

const providerName = "smsgw"

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ delivery.SMSProvider = (*Client)(nil)

// New builds a client; a nil httpClient gets a 10s timeout client.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

func (c *Client) Name() string { return providerName }

type sendRequest struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	SenderID string `json:"sender_id,omitempty"`
	Type     string `json:"type"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (c *Client) SendSMS(ctx context.Context, msg delivery.SMSMessage) (string, error) {
	payload, err := json.Marshal(sendRequest{
		To:       msg.To,
		Body:     msg.Body,
		SenderID: msg.SenderID,
		Type:     msg.Type,
	})
	if err != nil {
		return "", fmt.Errorf("smsgw: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", &delivery.ProviderError{Provider: providerName, Category: delivery.CategoryInvalidRequest, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// transport errors (*url.Error) classify as network or timeout
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("smsgw: read response: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out.MessageID == "" {
			return "", &delivery.ProviderError{Provider: providerName, Category: delivery.CategoryUnknown, Message: "response without message_id"}
		}
		return out.MessageID, nil
	}

	msgText := out.Message
	if msgText == "" {
		msgText = http.StatusText(resp.StatusCode)
	}
	return "", &delivery.ProviderError{
		Provider: providerName,
		Category: categoryFor(resp.StatusCode, out.Code),
		Code:     fmt.Sprintf("%d/%s", resp.StatusCode, out.Code),
		Message:  msgText,
	}
}

func categoryFor(status int, code string) delivery.Category {
	switch code {
	case "invalid_number", "unreachable_number", "landline":
		return delivery.CategoryInvalidRecipient
	case "blocked", "opted_out", "blacklisted":
		return delivery.CategoryRejected
	case "throttled", "rate_limited":
		return delivery.CategoryThrottling
	}

	switch {
	case status == http.StatusTooManyRequests:
		return delivery.CategoryThrottling
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return delivery.CategoryTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return delivery.CategoryAuth
	case status >= 500:
		return delivery.CategoryServiceUnavailable
	case status >= 400:
		return delivery.CategoryInvalidRequest
	}
	return delivery.CategoryUnknown
}
