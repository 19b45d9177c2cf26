// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"widget-proxy-go/internal/client"
	"widget-proxy-go/internal/config"
	"widget-proxy-go/internal/model"
)

// CredentialHeader carries the server-held Widget API key on every outbound
// request. It always holds the configured value, overriding any inbound
// header of the same name.
const CredentialHeader = "Authorization"

// ErrorSignalHeader is the reserved response header the upstream sets (to a
// non-empty value) to mark an application-level error. Responses carrying it
// are not proxied through; they surface as *model.UpstreamError. Ordinary
// 4xx/5xx responses without the header are legitimate proxied outcomes.
const ErrorSignalHeader = "X-Api-Error"

// contentTypeHeader is the only inbound header forwarded upstream. Everything
// else (cookies, auth, user agent, ...) is dropped: the widget's callers must
// never leak request context across the proxy boundary.
const contentTypeHeader = "Content-Type"

// ProxyService forwards widget requests to the upstream Widget API.
type ProxyService struct {
	client  *client.WidgetClient
	logger  *slog.Logger
	baseURL *url.URL
	apiKey  string
}

// NewProxyService creates a ProxyService. The credential is captured here,
// at construction time; an empty key is a construction error so a
// misconfigured proxy never serves a single request.
func NewProxyService(c *client.WidgetClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	if cfg.Widget.APIKey == "" {
		return nil, fmt.Errorf("widget API key is empty")
	}

	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
		apiKey:  cfg.Widget.APIKey,
	}, nil
}

// Forward sends a ProxyRequest to the upstream Widget API. It returns the
// upstream response for pass-through, or an error when no proxyable response
// was obtained: a *model.UpstreamError when the upstream flagged the
// response via the X-Api-Error header, or a wrapped transport error when the
// exchange itself failed. There is exactly one forwarding attempt; no retry.
//
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := s.outboundHeader(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if signal := resp.Header.Get(ErrorSignalHeader); signal != "" {
		_ = resp.Body.Close()
		return nil, &model.UpstreamError{StatusCode: resp.StatusCode, Signal: signal}
	}

	return resp, nil
}

// buildUpstreamURL concatenates the configured base with the inbound path and
// raw query, verbatim. No re-encoding: two identical inbound requests yield
// byte-identical outbound URLs.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(s.baseURL.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

// outboundHeader builds the outbound header set: Content-Type (if the inbound
// request carried one) plus the credential header. Nothing else crosses.
func (s *ProxyService) outboundHeader(src http.Header) http.Header {
	dst := make(http.Header)
	if vals := src.Values(contentTypeHeader); len(vals) > 0 {
		dst[contentTypeHeader] = vals
	}
	dst.Set(CredentialHeader, "Bearer "+s.apiKey)
	return dst
}
