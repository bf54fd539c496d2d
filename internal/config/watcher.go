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
package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// debounceDelay coalesces editor write bursts into one reload event.
const debounceDelay = 100 * time.Millisecond

// Watcher invalidates loader cache entries when configuration files change
// and emits reload events. It never mutates the compiled tool state itself;
// the subscriber decides when to rebuild.
type Watcher struct {
	fsw    *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

// Watch observes the parent directories of files so renames and re-creates
// (the common editor save pattern) are seen as well as plain writes.
func Watch(ctx context.Context, loader *Loader, files []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]bool)
	for _, f := range files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run(ctx, loader)
	return w, nil
}

// C delivers one event per debounced change burst.
func (w *Watcher) C() <-chan struct{} {
	return w.events
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context, loader *Loader) {
	// The events channel stays open: a debounce timer may still fire after
	// the loop exits, and subscribers select on their own shutdown signal.
	defer close(w.done)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			loader.Invalidate(event.Name)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case w.events <- struct{}{}:
				default:
					// A reload is already pending.
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if logger, lerr := util.LoggerFromContext(ctx); lerr == nil {
				logger.WarnContext(ctx, "configuration watcher error", "error", err.Error())
			}
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
