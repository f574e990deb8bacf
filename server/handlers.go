package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jrsteele09/go-auth-proxy/proxy"
	"github.com/rs/zerolog"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxBodyBytes    = 64 << 10

	errRateLimited = "rate_limited"
)

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

type tokenResponse struct {
	Success bool               `json:"success"`
	Data    *proxy.TokenResult `json:"data"`
}

type meResponse struct {
	Data *proxy.Me `json:"data"`
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// PublicConfig serves the values the hosted login page needs to talk to the identity backend.
func (s *Server) PublicConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.config.GetPublicSettings())
	}
}

func (s *Server) Preflight() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirectURL, err := s.service.Authorize(r.Context(), proxy.AuthorizeRequest{
			RedirectURI:   q.Get("redirect_uri"),
			State:         q.Get("state"),
			CodeChallenge: q.Get("code_challenge"),
		})
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: redirectURL})
	}
}

// SubmitCode is called by the hosted login page once the user has signed in.
func (s *Server) SubmitCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxy.SubmitCodeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		redirectURL, err := s.service.SubmitCode(r.Context(), req)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: redirectURL})
	}
}

func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxy.TokenRequest
		if !decodeBody(w, r, &req) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		result, err := s.service.ExchangeToken(r.Context(), req)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Success: true, Data: result})
	}
}

func (s *Server) Refresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxy.RefreshRequest
		if !decodeBody(w, r, &req) {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		result, err := s.service.Refresh(r.Context(), req)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Success: true, Data: result})
	}
}

func (s *Server) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, err := s.service.WhoAmI(r.Context(), AccessToken(r.Context()))
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, meResponse{Data: me})
	}
}

// decodeBody reads a JSON body into v. An empty body decodes to the zero
// value so the service reports which fields are missing.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSONError(w, proxy.CodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
	return false
}

func writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	pe := proxy.AsError(err)
	if pe.Status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSONError(w, pe.Code, pe.Message, pe.Status)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
