package server

// Route path constants
const (
	// Authorization handoff
	RouteAuthorize = "/v1/auth/authorize"
	RouteCode      = "/v1/auth/code"
	RouteToken     = "/v1/auth/token"
	RouteRefresh   = "/v1/auth/refresh"

	// Session
	RouteMe = "/v1/me"

	// Public
	RouteConfig = "/v1/config"
	RouteHealth = "/health"
)
