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

// Package cmd is the CLI entry point: flag and environment resolution,
// process lifecycle, and transport selection.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ibmi-community/db2i-toolbox/internal/auth"
	"github.com/ibmi-community/db2i-toolbox/internal/config"
	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/registry"
	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// versionString is overridden at release build time with -ldflags.
var versionString = "dev"

// exit codes: 0 success, 1 invalid arguments or fatal startup error,
// 2 tools path inaccessible.
const (
	exitFatal             = 1
	exitToolsInaccessible = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits the process with its code.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFatal)
	}
}

// Config collects every resolved CLI setting.
type Config struct {
	ToolsPath        string
	SelectedToolsets []string
	ListToolsets     bool
	Transport        string
	Address          string
	Port             int
	LogLevel         string
	LoggingFormat    string
	TelemetryOTLP    string
	TelemetryService string
}

// Command is the root cobra command plus its resolved configuration.
type Command struct {
	*cobra.Command

	cfg    Config
	logger log.Logger

	outStream io.Writer
	errStream io.Writer
}

// Option configures a Command, primarily for tests.
type Option func(*Command)

// WithStreams replaces the command's output and error streams.
func WithStreams(out, err io.Writer) Option {
	return func(c *Command) {
		c.outStream = out
		c.errStream = err
	}
}

// NewCommand builds the root command. Flag defaults resolve from the
// environment (after an optional .env load), so flags always win over env
// vars, which win over the built-in defaults.
func NewCommand(opts ...Option) *Command {
	c := &Command{
		outStream: os.Stdout,
		errStream: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}

	// A .env in the working directory supplies env defaults; absence is fine.
	_ = godotenv.Load()

	c.Command = &cobra.Command{
		Use:           "db2i-toolbox",
		Short:         "Declarative SQL tool server for Db2 for i",
		Version:       versionString,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return run(c)
		},
	}
	c.SetOut(c.outStream)
	c.SetErr(c.errStream)

	flags := c.Flags()
	flags.StringVar(&c.cfg.ToolsPath, "tools", envOr("TOOLS_YAML_PATH", "tools.yaml"), "File, directory, or glob of tool configuration YAML.")
	flags.StringSliceVar(&c.cfg.SelectedToolsets, "toolsets", envCSV("SELECTED_TOOLSETS"), "Comma-separated toolset names to enable; empty enables everything.")
	flags.BoolVar(&c.cfg.ListToolsets, "list-toolsets", false, "Print the available toolsets and exit.")
	flags.StringVarP(&c.cfg.Transport, "transport", "t", envOr("MCP_TRANSPORT", "stdio"), "Dispatch transport: stdio or http.")
	flags.StringVar(&c.cfg.Address, "address", envOr("HTTP_ADDRESS", "127.0.0.1"), "Address to bind the HTTP transport to.")
	flags.IntVar(&c.cfg.Port, "port", envInt("HTTP_PORT", 5000), "Port to bind the HTTP transport to.")
	flags.StringVar(&c.cfg.LogLevel, "log-level", envOr("LOG_LEVEL", log.Info), "Minimum log level: DEBUG, INFO, WARN, or ERROR.")
	flags.StringVar(&c.cfg.LoggingFormat, "logging-format", envOr("LOGGING_FORMAT", "standard"), "Log format: standard or json.")
	flags.StringVar(&c.cfg.TelemetryOTLP, "telemetry-otlp", os.Getenv("TELEMETRY_OTLP_ENDPOINT"), "OTLP/HTTP endpoint for traces and metrics; empty disables export.")
	flags.StringVar(&c.cfg.TelemetryService, "telemetry-service-name", envOr("TELEMETRY_SERVICE_NAME", "db2i-toolbox"), "Service name reported to the telemetry backend.")
	return c
}

func run(c *Command) error {
	cfg := c.cfg

	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return fmt.Errorf("transport invalid: %q (want stdio or http)", cfg.Transport)
	}

	// The stdio transport owns stdout for protocol frames: logs move to the
	// error stream and drop below WARN.
	logOut := c.outStream
	logLevel := cfg.LogLevel
	if cfg.Transport == "stdio" {
		logOut = c.errStream
		if lvl, err := log.SeverityToLevel(logLevel); err != nil || lvl < slog.LevelWarn {
			logLevel = log.Warn
		}
	}
	logger, err := log.NewLogger(cfg.LoggingFormat, logLevel, logOut, c.errStream)
	if err != nil {
		return err
	}
	c.logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = util.WithLogger(ctx, logger)

	otelShutdown, err := telemetry.SetupOTel(ctx, versionString, cfg.TelemetryOTLP, cfg.TelemetryService)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.WarnContext(shutdownCtx, "telemetry shutdown failed", "error", err)
		}
	}()
	instr, err := telemetry.CreateTelemetryInstrumentation(versionString)
	if err != nil {
		return fmt.Errorf("telemetry instrumentation: %w", err)
	}

	if err := checkToolsPath(cfg.ToolsPath); err != nil {
		return &exitError{code: exitToolsInaccessible, err: err}
	}

	loader := config.NewLoader()
	specs := []config.Specifier{config.SpecifierFor(cfg.ToolsPath, true)}
	mergeOpts := mergeOptionsFromEnv()
	merged, err := loader.Load(ctx, specs, mergeOpts)
	if err != nil {
		logger.ErrorContext(ctx, "configuration load failed", "error", err)
		return err
	}
	for _, diag := range merged.Diagnostics {
		logger.WarnContext(ctx, diag)
	}
	synthesizeDefaultSource(merged)

	if cfg.ListToolsets {
		printToolsets(c.outStream, merged)
		return nil
	}

	srcMgr := sources.NewManager(nil)
	authMgr, err := buildAuthManager(cfg.Transport, instr)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Version:          versionString,
		Address:          cfg.Address,
		Port:             cfg.Port,
		SelectedToolsets: cfg.SelectedToolsets,
	}, logger, instr, srcMgr, authMgr, registry.New())
	if err := srv.Reload(ctx, merged); err != nil {
		logger.ErrorContext(ctx, "tool registration failed", "error", err)
		return err
	}

	watcher, err := config.Watch(ctx, loader, merged.Files)
	if err != nil {
		logger.WarnContext(ctx, "configuration watch unavailable", "error", err)
	} else {
		defer watcher.Close()
		go func() {
			for range watcher.C() {
				reloaded, err := loader.Load(ctx, specs, mergeOpts)
				if err != nil {
					logger.WarnContext(ctx, "configuration reload failed, keeping previous", "error", err)
					continue
				}
				synthesizeDefaultSource(reloaded)
				if err := srv.Reload(ctx, reloaded); err != nil {
					logger.WarnContext(ctx, "tool re-registration failed, keeping previous", "error", err)
				}
			}
		}()
	}

	switch cfg.Transport {
	case "stdio":
		logger.InfoContext(ctx, "serving stdio transport", "version", versionString)
		err = srv.ServeStdio(ctx)
	default:
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ctx) }()
		select {
		case err = <-serveErr:
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutdown signal received")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WarnContext(shutdownCtx, "shutdown incomplete", "error", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(context.Background(), "transport failed", "error", err)
		return err
	}
	return nil
}

// checkToolsPath verifies the tools input exists before any heavier work, so
// a bad path gets its dedicated exit code.
func checkToolsPath(path string) error {
	if strings.ContainsAny(path, "*?[") {
		matched, err := filepath.Glob(path)
		if err != nil {
			return fmt.Errorf("tools glob invalid: %w", err)
		}
		if len(matched) == 0 {
			return fmt.Errorf("tools glob %q matched no files", path)
		}
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("tools path inaccessible: %w", err)
	}
	return nil
}

// synthesizeDefaultSource adds a source named "default" from the DB2i_*
// environment variables when the configuration does not define one itself.
func synthesizeDefaultSource(merged *config.Merged) {
	if _, ok := merged.Sources["default"]; ok {
		return
	}
	host, user, pass := os.Getenv("DB2i_HOST"), os.Getenv("DB2i_USER"), os.Getenv("DB2i_PASS")
	if host == "" || user == "" || pass == "" {
		return
	}
	if merged.Sources == nil {
		merged.Sources = make(map[string]sources.Config)
	}
	merged.Sources["default"] = sources.Config{
		Host:     host,
		User:     user,
		Password: pass,
		Port:     envInt("DB2i_PORT", 0),
	}
}

func printToolsets(w io.Writer, merged *config.Merged) {
	names := make([]string, 0, len(merged.Toolsets))
	for name := range merged.Toolsets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ts := merged.Toolsets[name]
		title := ts.Title
		if title == "" {
			title = name
		}
		fmt.Fprintf(w, "%s\t%s\t%d tools\n", name, title, len(ts.Tools))
	}
}

// buildAuthManager assembles the session manager when the authenticated HTTP
// mode is enabled. stdio transport never carries bearer tokens, so the
// manager stays nil there.
func buildAuthManager(transport string, instr *telemetry.Instrumentation) (*auth.Manager, error) {
	if transport != "http" || !envBool("IBMI_HTTP_AUTH_ENABLED", false) {
		return nil, nil
	}
	opts := auth.Options{
		DefaultLifetime: time.Duration(envInt("IBMI_AUTH_TOKEN_LIFETIME_SECONDS", 0)) * time.Second,
		MaxSessions:     envInt("IBMI_AUTH_MAX_CONCURRENT_SESSIONS", 0),
		CleanupInterval: time.Duration(envInt("IBMI_AUTH_CLEANUP_INTERVAL_SECONDS", 0)) * time.Second,
		AllowHTTP:       envBool("IBMI_AUTH_ALLOW_HTTP", false),
		Instrumentation: instr,
	}
	privPath, pubPath := os.Getenv("IBMI_AUTH_PRIVATE_KEY_PATH"), os.Getenv("IBMI_AUTH_PUBLIC_KEY_PATH")
	if privPath != "" {
		keys, err := auth.LoadKeyPair(envOr("IBMI_AUTH_KEY_ID", "default"), privPath, pubPath)
		if err != nil {
			return nil, fmt.Errorf("auth key pair: %w", err)
		}
		opts.Keys = keys
	}
	return auth.NewManager(opts), nil
}

func mergeOptionsFromEnv() config.MergeOptions {
	opts := config.DefaultMergeOptions()
	opts.MergeArrays = envBool("YAML_MERGE_ARRAYS", opts.MergeArrays)
	opts.AllowDuplicateTools = envBool("YAML_ALLOW_DUPLICATE_TOOLS", opts.AllowDuplicateTools)
	opts.AllowDuplicateSources = envBool("YAML_ALLOW_DUPLICATE_SOURCES", opts.AllowDuplicateSources)
	opts.ValidateMerged = envBool("YAML_VALIDATE_MERGED", opts.ValidateMerged)
	return opts
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envCSV(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
