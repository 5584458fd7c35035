// Package gateway dispatches HTTP requests to the Mobility REST API from
// tool-catalog metadata and a parameter bag. Outcomes are always returned as
// a JSON-like envelope — never as an error — so the agent loop can hand any
// result straight back to the model.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/version"
)

// Operation identifies one dispatchable REST operation. The registry's
// catalog converts into it; onboarding builds one by hand for the person
// lookup.
type Operation struct {
	ID     string
	Method string
	Path   string
}

const (
	requestTimeout = 15 * time.Second

	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// User-facing envelope messages, matching the replies the bot has always
// produced for these failure classes.
const (
	msgHTTPFallback = "Greška na udaljenom serveru"
	msgNetwork      = "Nisam uspio kontaktirati sustav (Network Error). Molim pokušajte kasnije."
	msgInternal     = "Došlo je do interne greške prilikom obrade zahtjeva."
	msgUnavailable  = "upstream unavailable"
)

// upstreamError carries the result envelope of a failure that must also
// count against the circuit breaker (transport errors and 5xx responses).
type upstreamError struct {
	envelope map[string]interface{}
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream failure: %v", e.envelope["message"])
}

// Client is the dynamic tool executor. Safe for concurrent use.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	// Bearer credentials; refreshed via OAuth2 on 401 when configured.
	mu       sync.Mutex
	token    string
	tokenGen uint64
	oauth    *tokenSource
}

// NewClient builds a gateway over cfg.APIURL. The static MOBILITY_API_TOKEN
// serves as the initial bearer; when the OAuth2 endpoint is configured a 401
// triggers a single shared refresh.
func NewClient(cfg config.MobilityConfig) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
			},
		},
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.APIToken,
		logger:  slog.Default().With("component", "tool_gateway"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mobility_api",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
	})
	if cfg.AuthURL != "" {
		c.oauth = newTokenSource(cfg)
	}
	return c
}

// Execute runs one operation and returns its result envelope. HTTP error
// statuses yield {"error":true,"status":N,"message":...}; transport failures
// the network envelope; an open circuit the unavailable envelope.
func (c *Client) Execute(ctx context.Context, op Operation, params map[string]interface{}) map[string]interface{} {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.dispatch(ctx, op, params)
	})
	if err == nil {
		return result.(map[string]interface{})
	}

	var ue *upstreamError
	switch {
	case errors.As(err, &ue):
		return ue.envelope
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return map[string]interface{}{"error": true, "message": msgUnavailable}
	default:
		c.logger.Error("Unexpected gateway failure", "operation", op.ID, "error", err)
		return map[string]interface{}{"error": true, "message": msgInternal}
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// dispatch binds parameters, issues the request, and interprets the
// response. It returns an error only for outcomes that trip the breaker.
func (c *Client) dispatch(ctx context.Context, op Operation, params map[string]interface{}) (map[string]interface{}, error) {
	method := strings.ToUpper(op.Method)
	path := op.Path
	bag := make(map[string]interface{}, len(params))
	for k, v := range params {
		bag[k] = v
	}

	// Path binding consumes matching bag entries.
	for name, value := range params {
		placeholder := "{" + name + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, fmt.Sprint(value))
			delete(bag, name)
		}
	}

	// Header lifting: x-* and tenantId never travel in query or body.
	headers := http.Header{}
	for name, value := range bag {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-") || lower == "tenantid" {
			headers.Set(name, fmt.Sprint(value))
			delete(bag, name)
		}
	}

	fullURL := c.baseURL + path
	var body []byte
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(bag) > 0 {
			q := url.Values{}
			for name, value := range bag {
				q.Set(name, fmt.Sprint(value))
			}
			fullURL += "?" + q.Encode()
		}
	default:
		encoded, err := json.Marshal(bag)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = encoded
		headers.Set("Content-Type", "application/json")
	}

	log := c.logger.With("method", method, "operation", op.ID)
	log.Info("API request started")

	gen := c.generation()
	resp, err := c.do(ctx, method, fullURL, body, headers)
	if err != nil {
		log.Error("Network connection failed", "error", err)
		return nil, &upstreamError{envelope: map[string]interface{}{
			"error": true, "message": msgNetwork,
		}}
	}

	if resp.StatusCode == http.StatusUnauthorized && c.oauth != nil {
		_ = resp.Body.Close()
		if rerr := c.refreshToken(ctx, gen); rerr != nil {
			log.Error("Token refresh failed", "error", rerr)
			return httpErrorEnvelope(http.StatusUnauthorized, ""), nil
		}
		resp, err = c.do(ctx, method, fullURL, body, headers)
		if err != nil {
			return nil, &upstreamError{envelope: map[string]interface{}{
				"error": true, "message": msgNetwork,
			}}
		}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &upstreamError{envelope: map[string]interface{}{
			"error": true, "message": msgNetwork,
		}}
	}

	switch {
	case resp.StatusCode >= 500:
		log.Warn("API returned server error", "status", resp.StatusCode)
		return nil, &upstreamError{envelope: httpErrorEnvelope(resp.StatusCode, string(payload))}
	case resp.StatusCode >= 400:
		log.Warn("API returned error", "status", resp.StatusCode)
		return httpErrorEnvelope(resp.StatusCode, string(payload)), nil
	}
	return successEnvelope(payload), nil
}

func (c *Client) do(ctx context.Context, method, fullURL string, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("User-Agent", version.Full())
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenGen
}

// refreshToken fetches a fresh bearer via the client-credentials grant.
// gen is the token generation the failed request was issued with; concurrent
// 401s share one fetch because late waiters observe a bumped generation
// under the mutex and skip their own request.
func (c *Client) refreshToken(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenGen != gen {
		return nil // refreshed while we waited for the mutex
	}

	token, err := c.oauth.fetch(ctx)
	if err != nil {
		return err
	}
	c.token = token
	c.tokenGen++
	c.logger.Info("OAuth2 token refreshed")
	return nil
}

func httpErrorEnvelope(status int, body string) map[string]interface{} {
	message := strings.TrimSpace(body)
	if message == "" {
		message = msgHTTPFallback
	}
	return map[string]interface{}{"error": true, "status": status, "message": message}
}

// successEnvelope maps a 2xx body to the agent-facing result. Empty bodies
// become an explicit success marker; non-object JSON is wrapped so the
// model always sees an object.
func successEnvelope(payload []byte) map[string]interface{} {
	if len(bytes.TrimSpace(payload)) == 0 {
		return map[string]interface{}{"status": "success", "data": nil}
	}

	var object map[string]interface{}
	if err := json.Unmarshal(payload, &object); err == nil {
		return object
	}
	var value interface{}
	if err := json.Unmarshal(payload, &value); err == nil {
		return map[string]interface{}{"status": "success", "data": value}
	}
	return map[string]interface{}{"status": "success", "data": string(payload)}
}
