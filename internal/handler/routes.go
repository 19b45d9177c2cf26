package handler

import (
	"github.com/labstack/echo/v4"
)

// WidgetMountPath is the fixed endpoint the embedded widget points its
// data-api attribute at. Everything under it forwards upstream.
const WidgetMountPath = "/api/widget"

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any(WidgetMountPath, proxy.Handle)
	e.Any(WidgetMountPath+"/*", proxy.Handle)
}
