// Package server exposes the proxy service over HTTP.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-proxy/internal/config"
	"github.com/jrsteele09/go-auth-proxy/internal/instrumentation"
	"github.com/jrsteele09/go-auth-proxy/proxy"
	"github.com/rs/zerolog/log"
)

type Server struct {
	env     string // Environment (e.g., "DEV", "PROD")
	mux     *http.ServeMux
	handler http.Handler
	routes  []string
	config  config.Config
	service *proxy.Service
	limiter *ipRateLimiter
	metrics *instrumentation.Metrics
}

type Option func(*Server)

func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) {
		if inst != nil {
			s.metrics = inst.Metrics()
		}
	}
}

func New(cfg config.Config, service *proxy.Service, options ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("[server.New] config is required")
	}
	if service == nil {
		return nil, errors.New("[server.New] proxy service is required")
	}

	s := &Server{
		env:     cfg.GetEnv(),
		mux:     http.NewServeMux(),
		config:  cfg,
		service: service,
		metrics: instrumentation.Noop().Metrics(),
	}
	for _, opt := range options {
		opt(s)
	}
	if rps, burst := cfg.GetRateLimit(); rps > 0 {
		s.limiter = newIPRateLimiter(rps, burst)
	}

	s.initRoutes()
	s.handler = ChainMiddleware(s.mux.ServeHTTP, s.GlobalMiddleware()...)
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		log.Info().Msgf("[%-19s] %s", colouredMethod(method), path)
	}
}

func colouredMethod(method string) string {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		return color + paddedMethod + ResetColor
	}
	return Gray + paddedMethod + ResetColor
}
