// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the gateway over HTTP: the SSE chat stream,
// MCP server registration and tool permissions, approval decisions,
// the OAuth connect/callback pair, conversation history, and the
// health/metrics endpoints. Routing is chi; handlers speak JSON and
// resolve the acting user from the auth claims in the request context.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/auth"
	"github.com/kadirpekel/argus/pkg/config"
	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/observability"
	"github.com/kadirpekel/argus/pkg/runtime"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/stream"
)

// anonymousUser identifies requests when authentication is disabled.
const anonymousUser = "default"

// Config wires the server's collaborators.
type Config struct {
	// Config is the root gateway configuration.
	Config *config.Config

	// Store is the SQL persistence layer.
	Store *store.Store

	// Runtime builds and caches per-user agents.
	Runtime *runtime.Runtime

	// Streamer turns graph runs into client event streams.
	Streamer *stream.Streamer

	// Controller applies approval decisions.
	Controller *approval.Controller

	// Flow drives the OAuth authorization-code flow.
	Flow *oauth.Flow

	// Metrics records HTTP metrics. Optional; nil disables recording.
	Metrics *observability.Metrics
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	runtime    *runtime.Runtime
	streamer   *stream.Streamer
	controller *approval.Controller
	flow       *oauth.Flow
	inspector  *oauth.Discoverer
	metrics    *observability.Metrics
	authn      *auth.Authenticator

	server *http.Server

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// New validates the configuration and assembles the server, auth
// middleware included. The listener is not opened until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("approval controller is required")
	}
	if cfg.Flow == nil {
		return nil, fmt.Errorf("OAuth flow is required")
	}

	authn, err := auth.NewAuthenticator(cfg.Config.Server.Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg.Config,
		store:      cfg.Store,
		runtime:    cfg.Runtime,
		streamer:   cfg.Streamer,
		controller: cfg.Controller,
		flow:       cfg.Flow,
		inspector:  oauth.NewDiscoverer(),
		metrics:    cfg.Metrics,
		authn:      authn,
	}

	serverCfg := &s.cfg.Server
	if serverCfg.Host == "" || serverCfg.Port == 0 {
		serverCfg.SetDefaults()
	}

	s.server = &http.Server{
		Addr:        serverCfg.Address(),
		Handler:     s.routes(),
		ReadTimeout: serverCfg.ReadTimeout,
		// WriteTimeout stays at the configured value; zero keeps SSE
		// streams open indefinitely.
		WriteTimeout: serverCfg.WriteTimeout,
		IdleTimeout:  serverCfg.IdleTimeout,
	}

	return s, nil
}

// Start runs the server until the listener fails or ctx is cancelled.
// A background pass refreshing every active server's tool manifest is
// kicked off alongside the listener.
func (s *Server) Start(ctx context.Context) error {
	if s.authn != nil {
		slog.Info("Authentication enabled", "excluded_paths", s.cfg.Server.Auth.ExcludedPaths)
	}

	syncCtx, cancel := context.WithCancel(context.Background())
	s.syncCancel = cancel
	s.syncDone = make(chan struct{})
	go func() {
		defer close(s.syncDone)
		s.syncManifests(syncCtx)
	}()

	slog.Info("HTTP server starting", "address", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the background sync and drains in-flight requests
// within the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.syncCancel != nil {
		s.syncCancel()
		select {
		case <-s.syncDone:
		case <-time.After(2 * time.Second):
			slog.Warn("Manifest sync did not stop in time, abandoning")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Server.Address()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(loggingMiddleware)
	r.Use(observability.HTTPMiddleware(observability.GetTracer("argus.http"), s.metrics))
	r.Use(s.corsMiddleware)
	if s.authn != nil {
		r.Use(s.authn.Middleware)
	}

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/stream", s.handleChatStream)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Get("/latest", s.handleLatestConversation)
			r.Get("/{id}", s.handleGetConversation)
			r.Delete("/{id}", s.handleDeleteConversation)
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", s.handleListServers)
			r.Post("/", s.handleCreateServer)
			r.Post("/test", s.handleTestConnection)
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", s.handleUpdateServer)
				r.Delete("/", s.handleDeleteServer)
				r.Post("/refresh", s.handleRefreshManifest)
				r.Get("/tools", s.handleServerTools)
				r.Get("/permissions", s.handleServerTools)
				r.Post("/permissions", s.handleToggleTool)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/decide", s.handleDecideApproval)
			r.Get("/{id}/status", s.handleApprovalStatus)
		})

		r.Route("/tool-approvals", func(r chi.Router) {
			r.Get("/", s.handleListStandingApprovals)
			r.Delete("/{toolName}", s.handleDeleteStandingApproval)
		})

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/connect", s.handleOAuthConnect)
			r.Get("/callback", s.handleOAuthCallback)
			r.Get("/inspect", s.handleOAuthInspect)
		})

		r.Get("/providers", s.handleListProviders)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// loggingMiddleware logs requests without wrapping the ResponseWriter,
// which would break http.Flusher for SSE.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers. A nil CORS config allows any
// origin, matching a development setup where the UI runs elsewhere.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	cors := s.cfg.Server.CORS

	methods := "GET, POST, PUT, DELETE, OPTIONS"
	headers := "Content-Type, Authorization, X-API-Key"
	if cors != nil && len(cors.AllowedMethods) > 0 {
		methods = strings.Join(cors.AllowedMethods, ", ")
	}
	if cors != nil && len(cors.AllowedHeaders) > 0 {
		headers = strings.Join(cors.AllowedHeaders, ", ")
	}

	if cors == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range cors.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		if cors.AllowCredentials != nil && *cors.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userID resolves the acting user from the request's auth claims,
// falling back to a fixed id when authentication is disabled.
func (s *Server) userID(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return anonymousUser
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
