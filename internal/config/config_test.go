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
package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ibmi-community/db2i-toolbox/internal/config"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

const baseDoc = `
sources:
  local:
    host: example.com
    user: dbuser
    password: secret
tools:
  usage_count:
    source: local
    description: count usage rows
    statement: SELECT COUNT(*) FROM USAGE
toolsets:
  fast:
    tools: [usage_count]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", baseDoc)

	loader := config.NewLoader()
	merged, err := loader.Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: path, Required: true},
	}, config.DefaultMergeOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := merged.Sources["local"]; !ok {
		t.Error("source local missing")
	}
	tool, ok := merged.Tools["usage_count"]
	if !ok {
		t.Fatal("tool usage_count missing")
	}
	if tool.Statement != "SELECT COUNT(*) FROM USAGE" {
		t.Errorf("statement: got %q", tool.Statement)
	}
	if diff := cmp.Diff([]string{"usage_count"}, merged.Toolsets["fast"].Tools); diff != "" {
		t.Errorf("toolset mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeWithOverrideWarning(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-base.yaml", baseDoc)
	writeFile(t, dir, "02-override.yaml", `
tools:
  usage_count:
    source: local
    description: count usage rows, revised
    statement: SELECT COUNT(*) FROM USAGE_V2
`)

	loader := config.NewLoader()
	merged, err := loader.Load(context.Background(), []config.Specifier{
		{Kind: config.KindDir, Path: dir, Required: true},
	}, config.DefaultMergeOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := merged.Tools["usage_count"].Statement; got != "SELECT COUNT(*) FROM USAGE_V2" {
		t.Errorf("statement: got %q, want the overriding document's", got)
	}
	found := false
	for _, d := range merged.Diagnostics {
		if strings.Contains(d, "usage_count") && strings.Contains(d, "overridden") {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics %v missing override warning", merged.Diagnostics)
	}
}

func TestMergeDuplicateToolRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-base.yaml", baseDoc)
	writeFile(t, dir, "02-dup.yaml", `
tools:
  usage_count:
    source: local
    description: duplicate
    statement: SELECT 1 FROM SYSIBM.SYSDUMMY1
`)

	opts := config.DefaultMergeOptions()
	opts.AllowDuplicateTools = false
	_, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindDir, Path: dir, Required: true},
	}, opts)
	if err == nil {
		t.Fatal("expected duplicate tool rejection")
	}
	if kind := util.KindOf(err); kind != util.KindConfig {
		t.Errorf("kind: got %q, want %q", kind, util.KindConfig)
	}
}

func TestToolsetArrayMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-base.yaml", baseDoc)
	writeFile(t, dir, "02-extra.yaml", `
tools:
  row_count:
    source: local
    description: count rows
    statement: SELECT COUNT(*) FROM ORDERS
toolsets:
  fast:
    tools: [row_count, usage_count]
`)

	merged, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindDir, Path: dir, Required: true},
	}, config.DefaultMergeOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Concatenated in order, duplicates removed.
	if diff := cmp.Diff([]string{"usage_count", "row_count"}, merged.Toolsets["fast"].Tools); diff != "" {
		t.Errorf("toolset mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("CFG_TEST_HOST", "db.example.com")
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", `
sources:
  local:
    host: ${CFG_TEST_HOST}
    user: ${CFG_TEST_UNSET_NAME}
    password: secret
`)

	merged, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: path, Required: true},
	}, config.DefaultMergeOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	src := merged.Sources["local"]
	if src.Host != "db.example.com" {
		t.Errorf("host: got %q, want interpolated value", src.Host)
	}
	// Unset names keep the literal placeholder.
	if src.User != "${CFG_TEST_UNSET_NAME}" {
		t.Errorf("user: got %q, want preserved placeholder", src.User)
	}
}

func TestCrossValidation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", `
sources:
  local:
    host: example.com
    user: u
    password: p
tools:
  orphan:
    source: missing
    description: points nowhere
    statement: SELECT 1 FROM SYSIBM.SYSDUMMY1
toolsets:
  broken:
    tools: [ghost]
`)

	_, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: path, Required: true},
	}, config.DefaultMergeOptions())
	if err == nil {
		t.Fatal("expected cross-validation failure")
	}
	details := util.DetailsOf(err)
	var sawSource, sawTool bool
	for _, d := range details {
		if strings.Contains(d, `unknown source "missing"`) {
			sawSource = true
		}
		if strings.Contains(d, `unknown tool "ghost"`) {
			sawTool = true
		}
	}
	if !sawSource || !sawTool {
		t.Errorf("details %v should report both dangling references", details)
	}
}

func TestRequiredInputMissing(t *testing.T) {
	_, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: "/nonexistent/tools.yaml", Required: true},
	}, config.DefaultMergeOptions())
	if err == nil {
		t.Fatal("expected an error for a missing required input")
	}
	if kind := util.KindOf(err); kind != util.KindConfig {
		t.Errorf("kind: got %q, want %q", kind, util.KindConfig)
	}
}

func TestOptionalInputSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", baseDoc)

	merged, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: path, Required: true},
		{Kind: config.KindGlob, Path: filepath.Join(dir, "extra-*.yaml"), Required: false},
	}, config.DefaultMergeOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	found := false
	for _, d := range merged.Diagnostics {
		if strings.Contains(d, "skipping") {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics %v missing skip warning", merged.Diagnostics)
	}
}

func TestSchemaViolationsCollected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "01-bad.yaml", "tools:\n  broken:\n    description: no source or statement\n")
	writeFile(t, dir, "02-worse.yaml", "sources:\n  nohost:\n    user: u\n    password: p\n")

	_, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindDir, Path: dir, Required: true},
	}, config.DefaultMergeOptions())
	if err == nil {
		t.Fatal("expected schema violations")
	}
	// Both files' violations are reported in one error.
	if details := util.DetailsOf(err); len(details) < 2 {
		t.Errorf("details: got %v, want entries for both files", details)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", `
sources:
  local:
    host: example.com
    user: u
    password: p
    hostname: typo.example.com
`)

	_, err := config.NewLoader().Load(context.Background(), []config.Specifier{
		{Kind: config.KindFile, Path: path, Required: true},
	}, config.DefaultMergeOptions())
	if err == nil {
		t.Fatal("expected a misspelled field to be rejected")
	}
	if kind := util.KindOf(err); kind != util.KindConfig {
		t.Errorf("kind: got %q, want %q", kind, util.KindConfig)
	}
	found := false
	for _, d := range util.DetailsOf(err) {
		if strings.Contains(d, "hostname") {
			found = true
		}
	}
	if !found {
		t.Errorf("details %v should name the unknown field", util.DetailsOf(err))
	}
}

func TestWatcherEmitsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.yaml", baseDoc)
	loader := config.NewLoader()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := config.Watch(ctx, loader, []string{path})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "tools.yaml", baseDoc+"\nmetadata:\n  rev: 2\n")

	select {
	case <-w.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event after a file change")
	}
}
