package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveJSON(t *testing.T, s *Server, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec.Code, payload
}

func TestHealth(t *testing.T) {
	s := New(Options{})
	code, body := serveJSON(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestProducts(t *testing.T) {
	s := New(Options{})

	code, body := serveJSON(t, s, http.MethodGet, "/products", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 6, body["count"])

	code, body = serveJSON(t, s, http.MethodGet, "/products/p-003", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "4K Monitor", body["title"])

	code, _ = serveJSON(t, s, http.MethodGet, "/products/p-999", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSearch(t *testing.T) {
	s := New(Options{})
	code, body := serveJSON(t, s, http.MethodGet, "/search?q=monitor", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, "monitor", body["query"])
}

func TestCartAndCheckout(t *testing.T) {
	s := New(Options{})

	code, body := serveJSON(t, s, http.MethodPost, "/cart", `{"product_id":"p-001","quantity":2}`)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 178.0, body["total_usd"])

	code, _ = serveJSON(t, s, http.MethodPost, "/cart", `{"quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = serveJSON(t, s, http.MethodPost, "/checkout",
		`{"product_id":"p-002","quantity":1,"email":"buyer@example.com"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, "ORD-p-002-1", body["order_id"])
}

func TestSEOPages(t *testing.T) {
	s := New(Options{CanonicalBase: "https://shop.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	html := rec.Body.String()
	assert.Contains(t, html, `<link rel="canonical" href="https://shop.example.com/pricing">`)
	assert.Contains(t, html, `og:title`)
	assert.Contains(t, html, `name="description"`)
	assert.Contains(t, html, `/missing-page`)
}

func TestStartStop(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	require.NotZero(t, s.Port())
	resp, err := http.Get(s.BaseURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
