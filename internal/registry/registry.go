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

// Package registry holds the compiled tools and the toolset index. Rebuilds
// are atomic: a fresh snapshot is composed off to the side and swapped in
// one pointer write, so in-flight invocations finish against the old one.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ibmi-community/db2i-toolbox/internal/config"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Stats describe one build.
type Stats struct {
	Tools         int
	Toolsets      int
	BuildDuration time.Duration
}

// snapshot is one immutable build result.
type snapshot struct {
	tools    map[string]*tools.CompiledTool
	order    []string
	toolsets map[string]tools.ToolsetConfig
	stats    Stats
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tools:    make(map[string]*tools.CompiledTool),
		toolsets: make(map[string]tools.ToolsetConfig),
	}
}

// Registry is the compiled-tool cache.
type Registry struct {
	mu   sync.RWMutex
	snap *snapshot
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{snap: emptySnapshot()}
}

// Rebuild compiles every tool in merged and swaps the result in. A non-empty
// selected list registers only tools whose toolset membership intersects it;
// a selected name with no toolset is a ConfigError. On any error the current
// snapshot stays in place.
func (r *Registry) Rebuild(merged *config.Merged, selected []string) (Stats, error) {
	start := time.Now()

	// Reverse index first: tool -> toolsets.
	membership := make(map[string][]string)
	toolsetNames := make([]string, 0, len(merged.Toolsets))
	for name := range merged.Toolsets {
		toolsetNames = append(toolsetNames, name)
	}
	sort.Strings(toolsetNames)
	for _, tsName := range toolsetNames {
		for _, toolName := range merged.Toolsets[tsName].Tools {
			membership[toolName] = append(membership[toolName], tsName)
		}
	}

	keep := func(string) bool { return true }
	if len(selected) > 0 {
		wanted := make(map[string]bool, len(selected))
		for _, name := range selected {
			if _, ok := merged.Toolsets[name]; !ok {
				return Stats{}, util.ConfigErrorf("selected toolset %q is not defined", name)
			}
			wanted[name] = true
		}
		keep = func(toolName string) bool {
			for _, ts := range membership[toolName] {
				if wanted[ts] {
					return true
				}
			}
			return false
		}
	}

	next := emptySnapshot()
	toolNames := make([]string, 0, len(merged.Tools))
	for name := range merged.Tools {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)
	for _, name := range toolNames {
		if !keep(name) {
			continue
		}
		compiled, err := merged.Tools[name].Compile(name)
		if err != nil {
			return Stats{}, err
		}
		compiled.Toolsets = membership[name]
		next.tools[name] = compiled
		next.order = append(next.order, name)
	}
	for name, ts := range merged.Toolsets {
		next.toolsets[name] = ts
	}
	next.stats = Stats{
		Tools:         len(next.tools),
		Toolsets:      len(next.toolsets),
		BuildDuration: time.Since(start),
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	return next.stats, nil
}

func (r *Registry) snapshot() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Get returns the compiled tool registered under name.
func (r *Registry) Get(name string) (*tools.CompiledTool, bool) {
	t, ok := r.snapshot().tools[name]
	return t, ok
}

// List returns the registered tools in name order.
func (r *Registry) List() []*tools.CompiledTool {
	snap := r.snapshot()
	out := make([]*tools.CompiledTool, 0, len(snap.order))
	for _, name := range snap.order {
		out = append(out, snap.tools[name])
	}
	return out
}

// Toolsets returns the toolset declarations of the current snapshot.
func (r *Registry) Toolsets() map[string]tools.ToolsetConfig {
	snap := r.snapshot()
	out := make(map[string]tools.ToolsetConfig, len(snap.toolsets))
	for name, ts := range snap.toolsets {
		out[name] = ts
	}
	return out
}

// Stats returns the build statistics of the current snapshot.
func (r *Registry) Stats() Stats {
	return r.snapshot().stats
}
