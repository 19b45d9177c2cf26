package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"widget-proxy-go/internal/model"
	"widget-proxy-go/internal/service"
)

// ErrorCallback consumes the failed branch of a forwarding attempt: the
// upstream flagged an application error (*model.UpstreamError) or the
// transport exchange failed. It is invoked at most once per request and is
// expected to write the reply itself.
type ErrorCallback func(c echo.Context, err error) error

// hopByHopHeaders must not be relayed from the upstream response; the
// server's own transport derives them.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ProxyHandler forwards widget requests to the upstream Widget API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	onError ErrorCallback
}

// NewProxyHandler creates a ProxyHandler. onError receives upstream
// application errors and transport failures; pass nil to fall back to the
// built-in handler, which ends the reply with a bare 500 and no detail.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, onError ErrorCallback) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		onError: onError,
	}
}

// Handle proxies the request to the upstream Widget API and streams the
// response back. Every exit path ends the reply exactly once.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.fail(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream status and headers pass through verbatim. 4xx/5xx without the
	// error signal header are legitimate proxied outcomes, not failures.
	respHeader := c.Response().Header()
	for key, vals := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			respHeader.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// fail routes the error to the configured callback, or to the built-in
// fallback when none is wired. If the callback returns without committing
// the reply, the fallback still terminates it: the reply is never left
// pending.
func (h *ProxyHandler) fail(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if h.onError != nil {
		cbErr := h.onError(c, err)
		if !c.Response().Committed {
			return c.NoContent(http.StatusInternalServerError)
		}
		return cbErr
	}

	// No callback wired: generic 500, empty body, no internal detail leaked.
	return c.NoContent(http.StatusInternalServerError)
}

// JSONErrorCallback returns the default wired ErrorCallback: it maps upstream
// application errors and transport failures onto small JSON replies without
// echoing internal detail.
func JSONErrorCallback(logger *slog.Logger) ErrorCallback {
	log := logger.With("component", "error_callback")

	return func(c echo.Context, err error) error {
		var ue *model.UpstreamError
		if errors.As(err, &ue) {
			log.Warn("upstream API error",
				"status", ue.StatusCode,
				"path", c.Request().URL.Path,
			)
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream API reported an error",
			})
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}

		if errors.Is(err, context.Canceled) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "client disconnected",
			})
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream host unreachable",
			})
		}

		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream connection failed",
			})
		}

		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request failed",
		})
	}
}
