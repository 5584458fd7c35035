// Package infobip sends outbound WhatsApp messages through the Infobip
// text-message API.
package infobip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/observability"
)

const sendPath = "/whatsapp/1/message/text"

// HTTPError reports a non-2xx response from the send API. 5xx responses are
// retryable; 4xx means the payload itself is refused and retrying cannot
// help.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("infobip send: unexpected status %d", e.Status)
}

// Retryable reports whether a later attempt may succeed.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500
}

type sendRequest struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Content textContent `json:"content"`
}

type textContent struct {
	Text string `json:"text"`
}

// Client is the outbound WhatsApp sender. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	sender  string
	logger  *slog.Logger
}

// NewClient builds a sender for the configured Infobip account. The base URL
// may omit the scheme ("xyz.api.infobip.com"); https is assumed.
func NewClient(cfg config.InfobipConfig) *Client {
	base := cfg.BaseURL
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
			},
		},
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		sender:  cfg.SenderNumber,
		logger:  slog.Default().With("component", "infobip"),
	}
}

// SendText delivers one message. A nil return means Infobip accepted it;
// transport failures and 5xx responses are retryable, 4xx responses are not
// (check with *HTTPError).
func (c *Client) SendText(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(sendRequest{
		From:    c.sender,
		To:      to,
		Content: textContent{Text: text},
	})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "App "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode}
	}

	c.logger.Info("Message sent", "to", observability.MaskRecipient(to))
	return nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
