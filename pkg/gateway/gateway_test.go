package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilityone/whatsagent/pkg/config"
)

func newTestClient(apiURL string) *Client {
	return NewClient(config.MobilityConfig{APIURL: apiURL, APIToken: "static-token"})
}

func TestExecuteBindsPathAndQuery(t *testing.T) {
	var captured *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"loc":"Zagreb","status":"Parkiran"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result := client.Execute(context.Background(), Operation{
		ID: "get_vehicle", Method: "GET", Path: "/vehicles/{plate}",
	}, map[string]interface{}{
		"plate": "ZG-1234",
		"depth": 2,
	})

	require.NotNil(t, captured)
	assert.Equal(t, "/vehicles/ZG-1234", captured.URL.Path)
	assert.Equal(t, "2", captured.URL.Query().Get("depth"),
		"unconsumed GET parameters travel as query string")
	assert.Equal(t, "Bearer static-token", captured.Header.Get("Authorization"))

	assert.Equal(t, "Zagreb", result["loc"])
	assert.Equal(t, "Parkiran", result["status"])
}

func TestExecuteLiftsHeadersAndPostsBody(t *testing.T) {
	var (
		captured *http.Request
		body     []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result := client.Execute(context.Background(), Operation{
		ID: "create_case", Method: "POST", Path: "/cases",
	}, map[string]interface{}{
		"x-request-id": "r1",
		"tenantId":     "t9",
		"User":         "ana@example.com",
		"plate":        "ZG-1234",
	})

	require.NotNil(t, captured)
	assert.Equal(t, "r1", captured.Header.Get("x-request-id"))
	assert.Equal(t, "t9", captured.Header.Get("tenantId"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))

	var posted map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &posted))
	assert.Equal(t, "ana@example.com", posted["User"])
	assert.Equal(t, "ZG-1234", posted["plate"])
	assert.NotContains(t, posted, "x-request-id", "lifted headers leave the body")
	assert.NotContains(t, posted, "tenantId")

	// 2xx with empty body maps to the explicit success marker.
	assert.Equal(t, "success", result["status"])
	assert.Nil(t, result["data"])
}

func TestExecuteClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such vehicle", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result := client.Execute(context.Background(), Operation{
		ID: "get_vehicle", Method: "GET", Path: "/vehicles/{plate}",
	}, map[string]interface{}{"plate": "XX-0000"})

	assert.Equal(t, true, result["error"])
	assert.Equal(t, http.StatusNotFound, result["status"])
	assert.Equal(t, "no such vehicle", result["message"])
}

func TestExecuteTransportErrorEnvelope(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	result := client.Execute(context.Background(), Operation{
		ID: "get_vehicle", Method: "GET", Path: "/vehicles",
	}, nil)

	assert.Equal(t, true, result["error"])
	assert.Equal(t, msgNetwork, result["message"])
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	op := Operation{ID: "get_vehicle", Method: "GET", Path: "/vehicles"}

	for i := 0; i < breakerFailures; i++ {
		result := client.Execute(context.Background(), op, nil)
		assert.Equal(t, true, result["error"])
		assert.Equal(t, http.StatusInternalServerError, result["status"])
	}
	sent := hits.Load()

	// The circuit is open now: calls short-circuit without reaching upstream.
	result := client.Execute(context.Background(), op, nil)
	assert.Equal(t, true, result["error"])
	assert.Equal(t, msgUnavailable, result["message"])
	assert.Equal(t, sent, hits.Load())
}

func TestUnauthorizedTriggersSingleSharedRefresh(t *testing.T) {
	var tokenFetches atomic.Int64
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tokenFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer"}`))
	}))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer api.Close()

	client := NewClient(config.MobilityConfig{
		APIURL:       api.URL,
		APIToken:     "stale",
		AuthURL:      auth.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		Scope:        "add-case",
	})
	op := Operation{ID: "get_vehicle", Method: "GET", Path: "/vehicles"}

	var wg sync.WaitGroup
	results := make([]map[string]interface{}, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = client.Execute(context.Background(), op, nil)
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, true, result["ok"], "every caller retries with the shared fresh token")
	}
	assert.Equal(t, int64(1), tokenFetches.Load(),
		"concurrent 401s trigger exactly one token fetch")
}

func TestUnauthorizedWithoutOAuthSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	result := client.Execute(context.Background(), Operation{
		ID: "get_vehicle", Method: "GET", Path: "/vehicles",
	}, nil)

	assert.Equal(t, true, result["error"])
	assert.Equal(t, http.StatusUnauthorized, result["status"])
}

func TestSuccessEnvelopeShapes(t *testing.T) {
	assert.Equal(t,
		map[string]interface{}{"status": "success", "data": nil},
		successEnvelope(nil))

	wrapped := successEnvelope([]byte(`[1,2]`))
	assert.Equal(t, "success", wrapped["status"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, wrapped["data"])

	object := successEnvelope([]byte(`{"a":1}`))
	assert.Equal(t, float64(1), object["a"])
}
