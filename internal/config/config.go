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

// Package config loads, interpolates, validates, and merges the YAML tool
// configuration documents, and watches them for changes.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	yaml "github.com/goccy/go-yaml"

	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Specifier kinds.
const (
	KindFile = "file"
	KindDir  = "dir"
	KindGlob = "glob"
)

// Specifier names one configuration input. A missing required input fails
// the load; a missing optional one is skipped with a warning diagnostic.
type Specifier struct {
	Kind     string
	Path     string
	Required bool
}

// MergeOptions control collision handling during the merge.
type MergeOptions struct {
	MergeArrays           bool
	AllowDuplicateTools   bool
	AllowDuplicateSources bool
	ValidateMerged        bool
}

// DefaultMergeOptions is the permissive default: later documents override
// earlier ones with a warning, toolset lists concatenate, and cross-reference
// validation runs on the merged result.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		MergeArrays:           true,
		AllowDuplicateTools:   true,
		AllowDuplicateSources: true,
		ValidateMerged:        true,
	}
}

// Document is the shape of one YAML configuration file.
type Document struct {
	Sources  map[string]sources.Config      `yaml:"sources,omitempty"`
	Tools    map[string]tools.ToolConfig    `yaml:"tools,omitempty"`
	Toolsets map[string]tools.ToolsetConfig `yaml:"toolsets,omitempty"`
	Metadata map[string]any                 `yaml:"metadata,omitempty"`
}

// Merged is the result of loading and merging every document.
type Merged struct {
	Sources  map[string]sources.Config
	Tools    map[string]tools.ToolConfig
	Toolsets map[string]tools.ToolsetConfig
	Metadata map[string]any

	// Files are the resolved paths that produced this result, in load order.
	Files []string
	// Diagnostics are non-fatal warnings: overrides, skipped optional inputs.
	Diagnostics []string
}

// Loader resolves, parses, merges, and caches configuration.
type Loader struct {
	mu    sync.Mutex
	cache map[string]*Merged
}

// NewLoader builds an empty loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*Merged)}
}

// Load produces the merged configuration for the given inputs, consulting
// the cache first. All schema violations across all files are collected into
// a single ConfigError.
func (l *Loader) Load(ctx context.Context, specs []Specifier, opts MergeOptions) (*Merged, error) {
	files, warnings, err := resolveAll(specs)
	if err != nil {
		return nil, err
	}

	key := cacheKey(files, opts)
	l.mu.Lock()
	if cached, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	merged, err := loadAndMerge(ctx, files, opts)
	if err != nil {
		return nil, err
	}
	merged.Diagnostics = append(warnings, merged.Diagnostics...)

	l.mu.Lock()
	l.cache[key] = merged
	l.mu.Unlock()
	return merged, nil
}

// Invalidate drops every cache entry that covers path. Called by the
// watcher; the next Load re-reads from disk.
func (l *Loader) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, merged := range l.cache {
		for _, f := range merged.Files {
			if f == abs || filepath.Dir(f) == filepath.Dir(abs) {
				delete(l.cache, key)
				break
			}
		}
	}
}

func cacheKey(files []string, opts MergeOptions) string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s|%t%t%t%t", strings.Join(sorted, string(os.PathListSeparator)),
		opts.MergeArrays, opts.AllowDuplicateTools, opts.AllowDuplicateSources, opts.ValidateMerged)
}

// resolveAll expands every specifier into an ordered, deduplicated list of
// absolute file paths.
func resolveAll(specs []Specifier) ([]string, []string, error) {
	var (
		files    []string
		warnings []string
		seen     = make(map[string]bool)
	)
	for _, spec := range specs {
		matched, err := resolve(spec)
		if err != nil {
			return nil, nil, err
		}
		if len(matched) == 0 {
			if spec.Required {
				return nil, nil, util.ConfigErrorf("required configuration input %q matched no files", spec.Path)
			}
			warnings = append(warnings, fmt.Sprintf("optional configuration input %q matched no files, skipping", spec.Path))
			continue
		}
		for _, f := range matched {
			abs, err := filepath.Abs(f)
			if err != nil {
				return nil, nil, util.WrapError(util.KindConfig, "unable to resolve "+f, err)
			}
			if !seen[abs] {
				seen[abs] = true
				files = append(files, abs)
			}
		}
	}
	return files, warnings, nil
}

func resolve(spec Specifier) ([]string, error) {
	switch spec.Kind {
	case KindFile:
		if _, err := os.Stat(spec.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, util.WrapError(util.KindConfig, "unable to read "+spec.Path, err)
		}
		return []string{spec.Path}, nil
	case KindDir:
		var matched []string
		err := filepath.WalkDir(spec.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
				matched = append(matched, path)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, util.WrapError(util.KindConfig, "unable to walk "+spec.Path, err)
		}
		sort.Strings(matched)
		return matched, nil
	case KindGlob:
		matched, err := filepath.Glob(spec.Path)
		if err != nil {
			return nil, util.WrapError(util.KindConfig, "invalid glob "+spec.Path, err)
		}
		sort.Strings(matched)
		return matched, nil
	default:
		return nil, util.ConfigErrorf("unknown specifier kind %q", spec.Kind)
	}
}

// SpecifierFor classifies a user-supplied tools path: an existing directory
// is a dir input, a path with glob metacharacters a glob, anything else a
// file.
func SpecifierFor(path string, required bool) Specifier {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return Specifier{Kind: KindDir, Path: path, Required: required}
	}
	if strings.ContainsAny(path, "*?[") {
		return Specifier{Kind: KindGlob, Path: path, Required: required}
	}
	return Specifier{Kind: KindFile, Path: path, Required: required}
}

var envPlaceholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate replaces every ${NAME} with the environment value. Unset names
// keep the literal so later validation can flag them; a debug record notes
// each one.
func interpolate(ctx context.Context, data []byte) []byte {
	return envPlaceholderRe.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envPlaceholderRe.FindSubmatch(match)[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if logger, err := util.LoggerFromContext(ctx); err == nil {
			logger.DebugContext(ctx, "environment variable not set, keeping placeholder", "name", name)
		}
		return match
	})
}

func loadAndMerge(ctx context.Context, files []string, opts MergeOptions) (*Merged, error) {
	type parsed struct {
		file string
		doc  Document
	}
	var (
		docs       []parsed
		violations []string
	)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", file, err))
			continue
		}
		data = interpolate(ctx, data)

		// Two-phase decode: a permissive pass keeps the raw shape, then the
		// strict pass rejects unknown fields and runs validation tags.
		var doc Document
		if len(bytes.TrimSpace(data)) > 0 {
			var raw any
			if err := yaml.Unmarshal(data, &raw); err != nil {
				violations = append(violations, fmt.Sprintf("%s: %v", file, err))
				continue
			}
			if raw != nil {
				dec, err := util.NewStrictDecoder(raw)
				if err != nil {
					violations = append(violations, fmt.Sprintf("%s: %v", file, err))
					continue
				}
				if err := dec.Decode(&doc); err != nil {
					violations = append(violations, fmt.Sprintf("%s: %v", file, err))
					continue
				}
			}
		}
		docs = append(docs, parsed{file: file, doc: doc})
	}
	if len(violations) > 0 {
		return nil, util.NewError(util.KindConfig, "configuration is invalid", violations...)
	}

	merged := &Merged{
		Sources:  make(map[string]sources.Config),
		Tools:    make(map[string]tools.ToolConfig),
		Toolsets: make(map[string]tools.ToolsetConfig),
		Metadata: make(map[string]any),
		Files:    files,
	}
	for _, p := range docs {
		if err := mergeDocument(merged, p.file, p.doc, opts); err != nil {
			return nil, err
		}
	}

	if len(merged.Sources) == 0 && len(merged.Tools) == 0 && len(merged.Toolsets) == 0 {
		return nil, util.ConfigErrorf("configuration is empty: no sources, tools, or toolsets defined")
	}

	if opts.ValidateMerged {
		if err := crossValidate(merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func mergeDocument(m *Merged, file string, doc Document, opts MergeOptions) error {
	for name, cfg := range doc.Sources {
		if _, exists := m.Sources[name]; exists {
			if !opts.AllowDuplicateSources {
				return util.ConfigErrorf("duplicate source %q in %s", name, file)
			}
			m.Diagnostics = append(m.Diagnostics, fmt.Sprintf("source %q overridden by %s", name, file))
		}
		m.Sources[name] = cfg
	}
	for name, cfg := range doc.Tools {
		if _, exists := m.Tools[name]; exists {
			if !opts.AllowDuplicateTools {
				return util.ConfigErrorf("duplicate tool %q in %s", name, file)
			}
			m.Diagnostics = append(m.Diagnostics, fmt.Sprintf("tool %q overridden by %s", name, file))
		}
		m.Tools[name] = cfg
	}
	for name, cfg := range doc.Toolsets {
		existing, exists := m.Toolsets[name]
		if exists && opts.MergeArrays {
			existing.Tools = appendUnique(existing.Tools, cfg.Tools)
			if cfg.Title != "" {
				existing.Title = cfg.Title
			}
			if cfg.Description != "" {
				existing.Description = cfg.Description
			}
			for k, v := range cfg.Metadata {
				if existing.Metadata == nil {
					existing.Metadata = make(map[string]any)
				}
				existing.Metadata[k] = v
			}
			m.Toolsets[name] = existing
			m.Diagnostics = append(m.Diagnostics, fmt.Sprintf("toolset %q merged with %s", name, file))
			continue
		}
		if exists {
			m.Diagnostics = append(m.Diagnostics, fmt.Sprintf("toolset %q overridden by %s", name, file))
		}
		m.Toolsets[name] = cfg
	}
	for k, v := range doc.Metadata {
		m.Metadata[k] = v
	}
	return nil
}

func appendUnique(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range extra {
		if !seen[t] {
			seen[t] = true
			existing = append(existing, t)
		}
	}
	return existing
}

// crossValidate checks that every reference in the merged configuration
// resolves. All dangling references are reported together.
func crossValidate(m *Merged) error {
	var violations []string
	for name, tool := range m.Tools {
		if _, ok := m.Sources[tool.Source]; !ok {
			violations = append(violations, fmt.Sprintf("tool %q references unknown source %q", name, tool.Source))
		}
	}
	for name, ts := range m.Toolsets {
		for _, toolName := range ts.Tools {
			if _, ok := m.Tools[toolName]; !ok {
				violations = append(violations, fmt.Sprintf("toolset %q references unknown tool %q", name, toolName))
			}
		}
	}
	if len(violations) > 0 {
		return util.NewError(util.KindConfig, "configuration cross-validation failed", violations...)
	}
	return nil
}
