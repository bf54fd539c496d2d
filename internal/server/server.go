// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server wires the compiled tools into the MCP dispatch runtime and
// exposes the HTTP surface: the /mcp transport, the auth endpoints, health,
// and the toolset manifest.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ibmi-community/db2i-toolbox/internal/auth"
	"github.com/ibmi-community/db2i-toolbox/internal/config"
	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/registry"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Options configure the server.
type Options struct {
	Version          string
	Address          string
	Port             int
	SelectedToolsets []string
}

// Server owns the dispatch runtime and the HTTP stack.
type Server struct {
	opts     Options
	logger   log.Logger
	instr    *telemetry.Instrumentation
	sources  *sources.Manager
	auth     *auth.Manager
	registry *registry.Registry
	exec     tools.Executor

	mcp  *mcpserver.MCPServer
	http *http.Server
}

// router implements tools.Executor: calls carrying a bearer token go to the
// session pool, everything else to the named source pool.
type router struct {
	sources *sources.Manager
	auth    *auth.Manager
}

func (r *router) Execute(ctx context.Context, source, statement string, values []any) (*sources.RowSet, error) {
	if token := util.AccessTokenFromContext(ctx); token != "" && r.auth != nil {
		return r.auth.Execute(ctx, token, statement, values)
	}
	return r.sources.Execute(ctx, source, statement, values)
}

// New assembles the server. authMgr may be nil when the authenticated mode
// is disabled; the auth routes then answer 404.
func New(opts Options, logger log.Logger, instr *telemetry.Instrumentation, srcMgr *sources.Manager, authMgr *auth.Manager, reg *registry.Registry) *Server {
	s := &Server{
		opts:     opts,
		logger:   logger,
		instr:    instr,
		sources:  srcMgr,
		auth:     authMgr,
		registry: reg,
		exec:     &router{sources: srcMgr, auth: authMgr},
	}
	s.mcp = mcpserver.NewMCPServer("db2i-toolbox", opts.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Reload rebuilds the registry from a freshly merged configuration and swaps
// the registered tool list. Sources are re-registered so descriptor edits
// take effect; in-flight invocations finish against the pools they hold.
func (s *Server) Reload(ctx context.Context, merged *config.Merged) error {
	for name, cfg := range merged.Sources {
		s.sources.Register(name, cfg)
	}
	stats, err := s.registry.Rebuild(merged, s.opts.SelectedToolsets)
	if err != nil {
		return err
	}
	s.registerTools()
	s.logger.InfoContext(ctx, "configuration loaded",
		"tools", stats.Tools,
		"toolsets", stats.Toolsets,
		"duration", stats.BuildDuration.String(),
	)
	return nil
}

// registerTools replaces the dispatch runtime's tool list with the current
// registry snapshot.
func (s *Server) registerTools() {
	compiled := s.registry.List()
	serverTools := make([]mcpserver.ServerTool, 0, len(compiled))
	for _, ct := range compiled {
		serverTools = append(serverTools, mcpserver.ServerTool{
			Tool:    mcpTool(ct),
			Handler: s.toolHandler(ct),
		})
	}
	s.mcp.SetTools(serverTools...)
}

// ServeStdio runs the line-framed local transport until ctx is done or
// stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.SlogLogger().Handler(), slog.LevelError))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Serve runs the HTTP transport.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Address, fmt.Sprint(s.opts.Port))
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.logger.InfoContext(ctx, "serving HTTP", "address", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server, the session manager, and every pool.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if s.auth != nil {
		s.auth.Shutdown()
	}
	if err := s.sources.CloseAll(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	httpLogger := httplog.NewLogger("db2i-toolbox", httplog.Options{
		LogLevel: slog.LevelInfo,
		Concise:  true,
	})
	httpLogger.Logger = s.logger.SlogLogger()
	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/toolsets", s.handleToolsets)
	r.Mount("/api/v1/auth", auth.Routes(s.auth))

	streamable := mcpserver.NewStreamableHTTPServer(s.mcp,
		mcpserver.WithHTTPContextFunc(s.httpContext),
	)
	r.Mount("/mcp", streamable)
	return r
}

// httpContext carries the request's bearer token and the ambient services
// into the invocation context.
func (s *Server) httpContext(ctx context.Context, r *http.Request) context.Context {
	ctx = util.WithLogger(ctx, s.logger)
	if token := bearerToken(r); token != "" {
		ctx = util.WithAccessToken(ctx, token)
	}
	return ctx
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

type healthResponse struct {
	Status  string                    `json:"status"`
	Version string                    `json:"version"`
	Sources map[string]sources.Health `json:"sources"`
}

// handleHealth reports the last observed health of every registered source.
// It never opens a pool itself; the overall status degrades if any source is
// unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.opts.Version, Sources: s.sources.HealthAll()}
	for _, h := range resp.Sources {
		if h.Status == sources.StatusUnhealthy {
			resp.Status = "degraded"
		}
	}
	if resp.Status != "ok" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

type toolsetManifest struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Tools       []string       `json:"tools"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleToolsets(w http.ResponseWriter, r *http.Request) {
	toolsets := s.registry.Toolsets()
	manifest := make([]toolsetManifest, 0, len(toolsets))
	for name, ts := range toolsets {
		manifest = append(manifest, toolsetManifest{
			Name:        name,
			Title:       ts.Title,
			Description: ts.Description,
			Tools:       ts.Tools,
			Metadata:    ts.Metadata,
		})
	}
	// Stable order for clients and tests.
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Name < manifest[j].Name })
	render.JSON(w, r, map[string]any{"toolsets": manifest})
}
