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
	"strings"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Mode is how a statement consumes its parameters.
type Mode string

const (
	// ModeNamed statements carry :name placeholders.
	ModeNamed Mode = "named"
	// ModePositional statements carry bare ? markers.
	ModePositional Mode = "positional"
	// ModeNone statements bind nothing.
	ModeNone Mode = "none"
)

// Binding is the binder's output: the final SQL with driver markers, the
// ordered bind values, and diagnostics.
type Binding struct {
	SQL     string
	Values  []any
	Mode    Mode
	Used    []string
	Missing []string
}

// placeholder is one occurrence found by the scanner, in statement order.
type placeholder struct {
	start int // byte offset of ':' or '?'
	end   int // byte offset just past the token
	name  string
}

// scanPlaceholders walks the template and returns every :name token and bare
// ? marker outside string literals and comments. Single-quoted literals (with
// '' escapes), double-quoted identifiers, -- line comments, and /* */ block
// comments are skipped.
func scanPlaceholders(template string) (named, positional []placeholder) {
	const (
		stNormal = iota
		stSingle
		stDouble
		stLine
		stBlock
	)
	state := stNormal
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch state {
		case stSingle:
			if c == '\'' {
				if i+1 < len(template) && template[i+1] == '\'' {
					i++ // escaped quote
				} else {
					state = stNormal
				}
			}
		case stDouble:
			if c == '"' {
				state = stNormal
			}
		case stLine:
			if c == '\n' {
				state = stNormal
			}
		case stBlock:
			if c == '*' && i+1 < len(template) && template[i+1] == '/' {
				i++
				state = stNormal
			}
		default:
			switch {
			case c == '\'':
				state = stSingle
			case c == '"':
				state = stDouble
			case c == '-' && i+1 < len(template) && template[i+1] == '-':
				i++
				state = stLine
			case c == '/' && i+1 < len(template) && template[i+1] == '*':
				i++
				state = stBlock
			case c == '?':
				positional = append(positional, placeholder{start: i, end: i + 1})
			case c == ':':
				j := i + 1
				if j < len(template) && isIdentStart(template[j]) {
					for j < len(template) && isIdentPart(template[j]) {
						j++
					}
					named = append(named, placeholder{start: i, end: j, name: template[i+1 : j]})
					i = j - 1
				}
			}
		}
	}
	return named, positional
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// AnalyzeStatement classifies a template at compile time. Mixing named and
// positional placeholders is a configuration error, as is a :name without a
// matching declaration.
func AnalyzeStatement(template string, params Parameters) (Mode, error) {
	named, positional := scanPlaceholders(template)
	switch {
	case len(named) > 0 && len(positional) > 0:
		return "", util.ConfigErrorf("statement mixes :name and ? placeholders")
	case len(named) > 0:
		for _, ph := range named {
			if _, ok := params.Get(ph.name); !ok {
				return "", util.ConfigErrorf("statement references undeclared parameter %q", ph.name)
			}
		}
		return ModeNamed, nil
	case len(positional) > 0:
		if len(positional) != len(params) {
			return "", util.ConfigErrorf("statement has %d ? markers but %d parameters are declared", len(positional), len(params))
		}
		return ModePositional, nil
	default:
		return ModeNone, nil
	}
}

// isDirectSubstitution reports whether the template is exactly one :name
// token naming the single declared string parameter. That shape makes the
// supplied string the entire statement.
func isDirectSubstitution(template string, params Parameters) bool {
	if len(params) != 1 || params[0].Type != TypeString {
		return false
	}
	return strings.TrimSpace(template) == ":"+params[0].Name
}

// Bind produces the final SQL and the ordered bind list from a template and
// the parsed (defaulted, type-checked) values. Named markers rewrite to the
// driver's positional ?; array parameters expand to one marker per item.
func Bind(template string, params Parameters, values map[string]any) (*Binding, error) {
	if isDirectSubstitution(template, params) {
		raw, ok := values[params[0].Name]
		if !ok {
			return nil, util.ValidationErrorf("parameter %q is required", params[0].Name)
		}
		sql, ok := raw.(string)
		if !ok {
			return nil, util.ValidationErrorf("parameter %q: expected a string, got %T", params[0].Name, raw)
		}
		return &Binding{SQL: sql, Mode: ModeNamed, Used: []string{params[0].Name}}, nil
	}

	named, positional := scanPlaceholders(template)
	if len(named) > 0 && len(positional) > 0 {
		return nil, util.ValidationErrorf("statement mixes :name and ? placeholders")
	}

	switch {
	case len(named) > 0:
		return bindNamed(template, named, params, values)
	case len(positional) > 0:
		return bindPositional(template, positional, params, values)
	default:
		return &Binding{SQL: template, Mode: ModeNone}, nil
	}
}

func bindNamed(template string, named []placeholder, params Parameters, values map[string]any) (*Binding, error) {
	var (
		b        strings.Builder
		binds    []any
		used     []string
		missing  []string
		unvalued []string
		seen     = make(map[string]bool)
		pos      = 0
	)
	for _, ph := range named {
		p, ok := params.Get(ph.name)
		if !ok {
			return nil, util.ValidationErrorf("statement references undeclared parameter %q", ph.name)
		}
		v, ok := values[ph.name]
		if !ok {
			if !seen[ph.name] {
				if p.IsRequired() {
					missing = append(missing, ph.name)
				} else {
					unvalued = append(unvalued, ph.name)
				}
				seen[ph.name] = true
			}
			continue
		}
		b.WriteString(template[pos:ph.start])
		b.WriteString(markersFor(p, v, &binds))
		pos = ph.end
		if !seen[ph.name] {
			used = append(used, ph.name)
			seen[ph.name] = true
		}
	}
	if len(missing) > 0 {
		return nil, util.NewError(util.KindValidation, "missing required parameters", missing...)
	}
	if len(unvalued) > 0 {
		// An optional parameter referenced by the statement still needs a
		// value or a declared default; there is nothing to splice otherwise.
		return nil, util.NewError(util.KindValidation, "optional parameters have no value and no default", unvalued...)
	}
	b.WriteString(template[pos:])
	return &Binding{SQL: b.String(), Values: binds, Mode: ModeNamed, Used: used}, nil
}

func bindPositional(template string, positional []placeholder, params Parameters, values map[string]any) (*Binding, error) {
	if len(positional) != len(params) {
		return nil, util.ValidationErrorf("statement has %d ? markers but %d parameters are declared", len(positional), len(params))
	}
	var (
		b     strings.Builder
		binds []any
		used  []string
		pos   = 0
	)
	for i, ph := range positional {
		p := &params[i]
		v, ok := values[p.Name]
		if !ok {
			if p.IsRequired() {
				return nil, util.NewError(util.KindValidation, "missing required parameters", p.Name)
			}
			return nil, util.NewError(util.KindValidation, "optional parameters have no value and no default", p.Name)
		}
		b.WriteString(template[pos:ph.start])
		b.WriteString(markersFor(p, v, &binds))
		pos = ph.end
		used = append(used, p.Name)
	}
	b.WriteString(template[pos:])
	return &Binding{SQL: b.String(), Values: binds, Mode: ModePositional, Used: used}, nil
}

// markersFor appends the bind values for one placeholder occurrence and
// returns the marker text to splice into the SQL. Arrays become a
// comma-separated marker list, one per item.
func markersFor(p *Parameter, v any, binds *[]any) string {
	if p.Type == TypeArray {
		items, _ := v.([]any)
		if len(items) == 0 {
			// NULL keeps "IN (...)" syntactically valid for an empty list.
			return "NULL"
		}
		markers := make([]string, len(items))
		for i, item := range items {
			markers[i] = "?"
			*binds = append(*binds, item)
		}
		return strings.Join(markers, ", ")
	}
	*binds = append(*binds, v)
	return "?"
}
