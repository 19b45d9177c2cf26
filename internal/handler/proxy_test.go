package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"widget-proxy-go/internal/client"
	"widget-proxy-go/internal/config"
	"widget-proxy-go/internal/model"
	"widget-proxy-go/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, baseURL string, onError ErrorCallback) *ProxyHandler {
	t.Helper()
	cfg := &config.Config{
		Widget: config.WidgetConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	wc := client.NewWidgetClient(cfg, testLogger(), nil)
	svc, err := service.NewProxyService(wc, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, testLogger(), onError)
}

func TestHandle_PassesThroughSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	callbackCalls := 0
	h := newTestHandler(t, upstream.URL, func(c echo.Context, err error) error {
		callbackCalls++
		return nil
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"ok":true}`)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if callbackCalls != 0 {
		t.Errorf("callback invoked %d times on success, want 0", callbackCalls)
	}
}

func TestHandle_PassesThroughUpstream4xx(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer upstream.Close()

	callbackCalls := 0
	h := newTestHandler(t, upstream.URL, func(c echo.Context, err error) error {
		callbackCalls++
		return nil
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/widget/missing", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d (4xx must proxy through)", rec.Code, http.StatusNotFound)
	}
	if callbackCalls != 0 {
		t.Errorf("callback invoked %d times for plain 4xx, want 0", callbackCalls)
	}
}

func TestHandle_ErrorSignalInvokesCallbackOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(service.ErrorSignalHeader, "quota_exceeded")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer upstream.Close()

	callbackCalls := 0
	var gotErr error
	h := newTestHandler(t, upstream.URL, func(c echo.Context, err error) error {
		callbackCalls++
		gotErr = err
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "handled"})
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/widget/messages", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if callbackCalls != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", callbackCalls)
	}

	var ue *model.UpstreamError
	if !errors.As(gotErr, &ue) {
		t.Errorf("callback error = %v, want *model.UpstreamError", gotErr)
	}

	// The callback wrote the reply; the handler must not have overwritten it.
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d (callback's reply)", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "handled" {
		t.Errorf("body.error = %q, want %q (callback's body)", body["error"], "handled")
	}
}

func TestHandle_TransportFailureNoCallbackBare500(t *testing.T) {
	h := newTestHandler(t, "http://127.0.0.1:1", nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/widget/messages", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty (no internal detail leaked)", rec.Body.String())
	}
}

func TestHandle_CallbackWithoutCommitStillTerminates(t *testing.T) {
	// A miswired callback that never writes the reply must not leave it pending.
	h := newTestHandler(t, "http://127.0.0.1:1", func(c echo.Context, err error) error {
		return nil
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/widget/messages", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !c.Response().Committed {
		t.Fatal("reply left pending; every exit path must end the response")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandle_OutboundRequestsIdentical(t *testing.T) {
	type captured struct {
		url    string
		auth   string
		header http.Header
	}
	var seen []captured
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, captured{
			url:    r.URL.String(),
			auth:   r.Header.Get("Authorization"),
			header: r.Header.Clone(),
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, nil)
	e := echo.New()

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/api/widget/messages?b=2&a=1", http.NoBody)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Cookie", "session=abc")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := h.Handle(c); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	if len(seen) != 2 {
		t.Fatalf("upstream saw %d requests, want 2", len(seen))
	}
	if seen[0].url != seen[1].url {
		t.Errorf("outbound URLs differ: %q vs %q", seen[0].url, seen[1].url)
	}
	if seen[0].url != "/api/widget/messages?b=2&a=1" {
		t.Errorf("outbound URL = %q, want %q", seen[0].url, "/api/widget/messages?b=2&a=1")
	}
	if seen[0].auth != "Bearer test-key" || seen[1].auth != "Bearer test-key" {
		t.Errorf("Authorization = %q / %q, want configured credential on both", seen[0].auth, seen[1].auth)
	}
	for i, got := range seen {
		if got.header.Get("Cookie") != "" {
			t.Errorf("request %d: Cookie leaked upstream", i)
		}
	}
}

func TestJSONErrorCallback(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "upstream API error",
			err:        &model.UpstreamError{StatusCode: http.StatusForbidden, Signal: "quota_exceeded"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "generic transport failure",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusBadGateway,
		},
	}

	cb := JSONErrorCallback(testLogger())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/widget/messages", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := cb(c, tt.err); err != nil {
				t.Fatalf("callback error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected an error field in the callback reply")
			}
			if strings.Contains(body["error"], "test-key") {
				t.Error("callback reply must not leak the credential")
			}
		})
	}
}
