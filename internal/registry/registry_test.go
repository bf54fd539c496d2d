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
package registry_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ibmi-community/db2i-toolbox/internal/config"
	"github.com/ibmi-community/db2i-toolbox/internal/registry"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

func testMerged() *config.Merged {
	tool := func(stmt string) tools.ToolConfig {
		return tools.ToolConfig{Source: "local", Description: "d", Statement: stmt}
	}
	return &config.Merged{
		Sources: map[string]sources.Config{
			"local": {Host: "example", User: "u", Password: "p"},
		},
		Tools: map[string]tools.ToolConfig{
			"a": tool("SELECT 1 FROM SYSIBM.SYSDUMMY1"),
			"b": tool("SELECT 2 FROM SYSIBM.SYSDUMMY1"),
			"c": tool("SELECT 3 FROM SYSIBM.SYSDUMMY1"),
		},
		Toolsets: map[string]tools.ToolsetConfig{
			"fast": {Tools: []string{"a", "b"}},
			"slow": {Tools: []string{"c"}},
		},
	}
}

func TestRebuildAll(t *testing.T) {
	r := registry.New()
	stats, err := r.Rebuild(testMerged(), nil)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if stats.Tools != 3 || stats.Toolsets != 2 {
		t.Errorf("stats: got %+v", stats)
	}

	var names []string
	for _, ct := range r.List() {
		names = append(names, ct.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}

	a, ok := r.Get("a")
	if !ok {
		t.Fatal("tool a missing")
	}
	if diff := cmp.Diff([]string{"fast"}, a.Toolsets); diff != "" {
		t.Errorf("membership mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectedToolsetsFilter(t *testing.T) {
	r := registry.New()
	if _, err := r.Rebuild(testMerged(), []string{"fast"}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("tool a should be registered")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("tool b should be registered")
	}
	if _, ok := r.Get("c"); ok {
		t.Error("tool c should be filtered out")
	}
}

func TestUnknownSelectedToolset(t *testing.T) {
	r := registry.New()
	_, err := r.Rebuild(testMerged(), []string{"nope"})
	if err == nil {
		t.Fatal("expected rejection of unknown toolset")
	}
	if kind := util.KindOf(err); kind != util.KindConfig {
		t.Errorf("kind: got %q, want %q", kind, util.KindConfig)
	}
}

func TestFailedRebuildKeepsSnapshot(t *testing.T) {
	r := registry.New()
	if _, err := r.Rebuild(testMerged(), nil); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	broken := testMerged()
	broken.Tools["bad"] = tools.ToolConfig{
		Source: "local", Description: "d",
		Statement: "SELECT * FROM t WHERE a = :x AND b = ?",
		Parameters: tools.Parameters{
			{Name: "x", Type: tools.TypeInteger},
		},
	}
	if _, err := r.Rebuild(broken, nil); err == nil {
		t.Fatal("expected compile failure")
	}

	// The previous snapshot is still served.
	if got := len(r.List()); got != 3 {
		t.Errorf("tools after failed rebuild: got %d, want 3", got)
	}
}
