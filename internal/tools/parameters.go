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

// Package tools holds the declarative tool model: parameter schemas, the SQL
// binder, the compiler that turns a tool declaration into an invocable, and
// the invocation result shape.
package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeArray   = "array"
)

// Parameter is one typed input slot of a tool, as declared in YAML.
type Parameter struct {
	Name        string   `yaml:"name" validate:"required"`
	Type        string   `yaml:"type" validate:"required"`
	Description string   `yaml:"description,omitempty"`
	Default     any      `yaml:"default,omitempty"`
	Required    *bool    `yaml:"required,omitempty"`
	ItemType    string   `yaml:"itemType,omitempty"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	MinLength   *int     `yaml:"minLength,omitempty"`
	MaxLength   *int     `yaml:"maxLength,omitempty"`
	Enum        []any    `yaml:"enum,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty"`
}

// Parameters is the ordered declaration list of a tool.
type Parameters []Parameter

// IsRequired reports whether a value must be supplied at invocation time.
// A parameter with a default is always optional.
func (p *Parameter) IsRequired() bool {
	if p.Default != nil {
		return false
	}
	return p.Required == nil || *p.Required
}

// Validate checks the declaration itself. Called at compile time so a bad
// declaration is a ConfigError, not a per-invocation surprise.
func (p *Parameter) Validate() error {
	switch p.Type {
	case TypeString, TypeNumber, TypeInteger, TypeFloat, TypeBoolean:
	case TypeArray:
		switch p.ItemType {
		case TypeString, TypeNumber, TypeInteger, TypeFloat, TypeBoolean:
		case "":
			return util.ConfigErrorf("parameter %q: array type requires itemType", p.Name)
		default:
			return util.ConfigErrorf("parameter %q: invalid itemType %q", p.Name, p.ItemType)
		}
	default:
		return util.ConfigErrorf("parameter %q: invalid type %q", p.Name, p.Type)
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return util.ConfigErrorf("parameter %q: min %v greater than max %v", p.Name, *p.Min, *p.Max)
	}
	if p.MinLength != nil && p.MaxLength != nil && *p.MinLength > *p.MaxLength {
		return util.ConfigErrorf("parameter %q: minLength %d greater than maxLength %d", p.Name, *p.MinLength, *p.MaxLength)
	}
	if p.Pattern != "" {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return util.ConfigErrorf("parameter %q: invalid pattern: %v", p.Name, err)
		}
	}
	if p.Default != nil {
		if _, err := p.Check(p.Default); err != nil {
			return util.ConfigErrorf("parameter %q: default does not satisfy the declaration: %v", p.Name, err)
		}
	}
	return nil
}

// Validate checks every declaration and rejects duplicate names.
func (ps Parameters) Validate() error {
	seen := make(map[string]bool, len(ps))
	for i := range ps {
		p := &ps[i]
		if seen[p.Name] {
			return util.ConfigErrorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the declaration for name.
func (ps Parameters) Get(name string) (*Parameter, bool) {
	for i := range ps {
		if ps[i].Name == name {
			return &ps[i], true
		}
	}
	return nil, false
}

// Check validates a supplied value against the declaration and returns its
// canonical form (int64 for integers, float64 for numbers). Typing is strict:
// no coercion across string, number, and boolean.
func (p *Parameter) Check(value any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", value)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return nil, fmt.Errorf("length %d below minLength %d", len(s), *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return nil, fmt.Errorf("length %d above maxLength %d", len(s), *p.MaxLength)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			if !re.MatchString(s) {
				return nil, fmt.Errorf("value does not match pattern %q", p.Pattern)
			}
		}
		if err := p.checkEnum(s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeInteger:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if err := p.checkRange(float64(n)); err != nil {
			return nil, err
		}
		if err := p.checkEnum(n); err != nil {
			return nil, err
		}
		return n, nil
	case TypeNumber, TypeFloat:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		if err := p.checkRange(f); err != nil {
			return nil, err
		}
		if err := p.checkEnum(f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a boolean, got %T", value)
		}
		return b, nil
	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected an array, got %T", value)
		}
		item := Parameter{Name: p.Name, Type: p.ItemType, Min: p.Min, Max: p.Max, MinLength: p.MinLength, MaxLength: p.MaxLength, Enum: p.Enum, Pattern: p.Pattern}
		out := make([]any, len(items))
		for i, v := range items {
			cv, err := item.Check(v)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = cv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid type %q", p.Type)
	}
}

func (p *Parameter) checkRange(f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("value %v below min %v", f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("value %v above max %v", f, *p.Max)
	}
	return nil
}

func (p *Parameter) checkEnum(v any) error {
	if len(p.Enum) == 0 {
		return nil
	}
	for _, e := range p.Enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return nil
		}
	}
	return fmt.Errorf("value %v not in enum %v", v, p.Enum)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("expected an integer, got %T", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

// Parse validates the supplied values against the declarations: unknown keys
// are rejected, defaults fill absent optional parameters, and every value is
// type-checked. All problems for a call are collected into one
// ValidationError.
func (ps Parameters) Parse(supplied map[string]any) (map[string]any, error) {
	var violations []string
	out := make(map[string]any, len(ps))

	for key := range supplied {
		if _, ok := ps.Get(key); !ok {
			violations = append(violations, fmt.Sprintf("unknown parameter %q", key))
		}
	}

	for i := range ps {
		p := &ps[i]
		raw, ok := supplied[p.Name]
		if !ok || raw == nil {
			if p.Default != nil {
				raw = p.Default
			} else if p.IsRequired() {
				violations = append(violations, fmt.Sprintf("parameter %q is required", p.Name))
				continue
			} else {
				continue
			}
		}
		v, err := p.Check(raw)
		if err != nil {
			violations = append(violations, fmt.Sprintf("parameter %q: %v", p.Name, err))
			continue
		}
		out[p.Name] = v
	}

	if len(violations) > 0 {
		return nil, util.NewError(util.KindValidation, "invalid tool input", violations...)
	}
	return out, nil
}

// McpSchema renders the declarations as a JSON-schema property map plus the
// required-name list, the shape the dispatch runtime expects.
func (ps Parameters) McpSchema() (map[string]any, []string) {
	props := make(map[string]any, len(ps))
	var required []string
	for i := range ps {
		p := &ps[i]
		props[p.Name] = p.schema()
		if p.IsRequired() {
			required = append(required, p.Name)
		}
	}
	return props, required
}

func (p *Parameter) schema() map[string]any {
	s := map[string]any{"type": jsonType(p.Type)}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if p.Min != nil {
		s["minimum"] = *p.Min
	}
	if p.Max != nil {
		s["maximum"] = *p.Max
	}
	if p.MinLength != nil {
		s["minLength"] = *p.MinLength
	}
	if p.MaxLength != nil {
		s["maxLength"] = *p.MaxLength
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Pattern != "" {
		s["pattern"] = p.Pattern
	}
	if p.Type == TypeArray {
		s["items"] = map[string]any{"type": jsonType(p.ItemType)}
	}
	return s
}

// jsonType maps the declaration types onto JSON schema types. float is an
// alias for number.
func jsonType(t string) string {
	if t == TypeFloat {
		return TypeNumber
	}
	return t
}
