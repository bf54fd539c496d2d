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
package tools

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/sqlguard"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// SecurityConfig is the optional per-tool security block in YAML. Unset
// fields fall back to the system defaults when the policy is resolved.
type SecurityConfig struct {
	ReadOnly          *bool    `yaml:"readOnly,omitempty"`
	MaxQueryLength    *int     `yaml:"maxQueryLength,omitempty"`
	ForbiddenKeywords []string `yaml:"forbiddenKeywords,omitempty"`
}

// Policy resolves the declaration into a concrete policy.
func (s *SecurityConfig) Policy() sqlguard.Policy {
	p := sqlguard.DefaultPolicy()
	if s == nil {
		return p
	}
	if s.ReadOnly != nil {
		p.ReadOnly = *s.ReadOnly
	}
	if s.MaxQueryLength != nil {
		p.MaxQueryLength = *s.MaxQueryLength
	}
	p.ForbiddenKeywords = s.ForbiddenKeywords
	return p
}

// ToolConfig is one tool declaration in YAML.
type ToolConfig struct {
	Source          string          `yaml:"source" validate:"required"`
	Description     string          `yaml:"description" validate:"required"`
	Statement       string          `yaml:"statement" validate:"required"`
	Parameters      Parameters      `yaml:"parameters,omitempty"`
	Domain          string          `yaml:"domain,omitempty"`
	Category        string          `yaml:"category,omitempty"`
	Metadata        map[string]any  `yaml:"metadata,omitempty"`
	ReadOnlyHint    *bool           `yaml:"readOnlyHint,omitempty"`
	DestructiveHint *bool           `yaml:"destructiveHint,omitempty"`
	IdempotentHint  *bool           `yaml:"idempotentHint,omitempty"`
	OpenWorldHint   *bool           `yaml:"openWorldHint,omitempty"`
	Security        *SecurityConfig `yaml:"security,omitempty"`
}

// ToolsetConfig is one toolset declaration in YAML.
type ToolsetConfig struct {
	Title       string         `yaml:"title,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Tools       []string       `yaml:"tools" validate:"required,min=1"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}

// Hints are the capability annotations surfaced to the dispatch runtime.
type Hints struct {
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
	OpenWorld   bool
}

// Executor routes a bound statement to a connection pool. The server side
// implements it over the source manager and, when a bearer token rides the
// context, the session manager.
type Executor interface {
	Execute(ctx context.Context, source, statement string, values []any) (*sources.RowSet, error)
}

// CompiledTool is the invocable produced from one ToolConfig.
type CompiledTool struct {
	Name        string
	Title       string
	Description string
	Source      string
	Statement   string
	Parameters  Parameters
	Domain      string
	Category    string
	Metadata    map[string]any
	Hints       Hints
	Policy      sqlguard.Policy
	Mode        Mode
	// Toolsets is the membership list, filled in by the registry after
	// compilation.
	Toolsets []string
}

// Compile turns the declaration into a CompiledTool, running every
// compile-time check: parameter declarations, placeholder analysis, and the
// raw-SQL gating rules.
func (c ToolConfig) Compile(name string) (*CompiledTool, error) {
	if err := c.Parameters.Validate(); err != nil {
		return nil, util.WrapError(util.KindConfig, "tool "+name, err)
	}

	policy := c.Security.Policy()
	direct := isDirectSubstitution(c.Statement, c.Parameters)

	var mode Mode
	if direct {
		// The raw-SQL escape hatch substitutes user text into the
		// statement, so it is only compiled under a restrictive policy.
		if !policy.ReadOnly || len(policy.ForbiddenKeywords) == 0 {
			return nil, util.ConfigErrorf("tool %s: direct-substitution statement requires security.readOnly=true and a non-empty forbiddenKeywords list", name)
		}
		mode = ModeNamed
	} else {
		m, err := AnalyzeStatement(c.Statement, c.Parameters)
		if err != nil {
			return nil, util.WrapError(util.KindConfig, "tool "+name, err)
		}
		mode = m
	}

	hints := Hints{ReadOnly: true}
	if c.ReadOnlyHint != nil {
		hints.ReadOnly = *c.ReadOnlyHint
	}
	if c.DestructiveHint != nil {
		hints.Destructive = *c.DestructiveHint
	}
	if c.IdempotentHint != nil {
		hints.Idempotent = *c.IdempotentHint
	}
	if c.OpenWorldHint != nil {
		hints.OpenWorld = *c.OpenWorldHint
	}

	return &CompiledTool{
		Name:        name,
		Title:       titleCase(name),
		Description: c.Description,
		Source:      c.Source,
		Statement:   c.Statement,
		Parameters:  c.Parameters,
		Domain:      c.Domain,
		Category:    c.Category,
		Metadata:    c.Metadata,
		Hints:       hints,
		Policy:      policy,
		Mode:        mode,
	}, nil
}

// Invoke runs one call: parse inputs, bind, enforce policy, execute, shape
// the result. The returned error is always one of the tagged kinds.
func (t *CompiledTool) Invoke(ctx context.Context, exec Executor, supplied map[string]any) (*InvocationResult, error) {
	values, err := t.Parameters.Parse(supplied)
	if err != nil {
		return nil, err
	}

	binding, err := Bind(t.Statement, t.Parameters, values)
	if err != nil {
		return nil, err
	}

	if err := sqlguard.Validate(ctx, binding.SQL, t.Policy); err != nil {
		return nil, err
	}

	start := time.Now()
	rs, err := exec.Execute(ctx, t.Source, binding.SQL, binding.Values)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	cols := make([]Column, len(rs.Columns))
	types := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		cols[i] = Column{Name: c.Name, Type: c.Type}
		types[i] = c.Type
	}

	result := &InvocationResult{
		Success: true,
		Data:    rs.Rows,
		Columns: cols,
		Metadata: map[string]any{
			"executionTimeMs": elapsed.Milliseconds(),
			"rowCount":        len(rs.Rows),
			"columnTypes":     types,
			"affectedRows":    rs.AffectedRows,
			"parameterMode":   string(binding.Mode),
			"parameterCount":  len(binding.Values),
		},
	}
	if id := util.RequestIDFromContext(ctx); id != "" {
		result.Metadata["requestId"] = id
	}
	return result, nil
}

// titleCase renders a tool name as a human title: usage_count -> Usage Count.
func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
