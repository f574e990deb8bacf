package server

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.Health(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteConfig, ChainMiddleware(s.PublicConfig(), s.APIMiddleware()...))

	// Authorization handoff
	s.RegisterRouteHandler("GET "+RouteAuthorize, ChainMiddleware(s.Authorize(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteCode, ChainMiddleware(s.SubmitCode(), s.AuthPostMiddleware(RouteCode)...))
	s.RegisterRouteHandler("POST "+RouteToken, ChainMiddleware(s.Token(), s.AuthPostMiddleware(RouteToken)...))
	s.RegisterRouteHandler("POST "+RouteRefresh, ChainMiddleware(s.Refresh(), s.AuthPostMiddleware(RouteRefresh)...))

	s.RegisterRouteHandler("GET "+RouteMe, ChainMiddleware(s.Me(), append(s.APIMiddleware(), s.RequireBearer)...))

	// Browser preflights for the POST routes
	for _, route := range []string{RouteCode, RouteToken, RouteRefresh, RouteMe, RouteAuthorize} {
		s.RegisterRouteHandler("OPTIONS "+route, ChainMiddleware(s.Preflight(), s.APIMiddleware()...))
	}
}
