// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ProxyRequest represents a widget request to be forwarded upstream.
// RawQuery is carried unparsed so the outbound query string stays
// byte-identical to the inbound one.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// UpstreamError is the failed branch of a forwarding attempt: the upstream
// answered, but flagged the response as an application-level error via the
// X-Api-Error header. Such responses are never proxied through; the handler
// routes them to its error callback instead.
type UpstreamError struct {
	StatusCode int
	Signal     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream API error (status %d): %s", e.StatusCode, e.Signal)
}
