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
package sources

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// HealthQuery is the canonical cheap statement used for health checks.
const HealthQuery = "SELECT 1 FROM SYSIBM.SYSDUMMY1"

// Manager multiplexes execution across named pools. Registration stores only
// the descriptor; the pool is built on first use, single-flighted per name.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]Config
	pools   map[string]*Pool
	health  map[string]*Health

	group singleflight.Group
	open  OpenFunc
}

// NewManager builds an empty manager. open is nil outside of tests.
func NewManager(open OpenFunc) *Manager {
	return &Manager{
		configs: make(map[string]Config),
		pools:   make(map[string]*Pool),
		health:  make(map[string]*Health),
		open:    open,
	}
}

// Register stores the descriptor for name without connecting. Re-registering
// a name replaces the descriptor; an existing pool for the old descriptor is
// closed.
func (m *Manager) Register(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.pools[name]; ok {
		old.Close()
		delete(m.pools, name)
	}
	m.configs[name] = cfg
	m.health[name] = &Health{Status: StatusUnknown}
}

// Names lists the registered source names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for n := range m.configs {
		names = append(names, n)
	}
	return names
}

// Execute routes one statement to the named pool, initializing it on first
// use.
func (m *Manager) Execute(ctx context.Context, name, statement string, values []any) (*RowSet, error) {
	pool, err := m.pool(ctx, name)
	if err != nil {
		m.setHealth(name, StatusUnhealthy, err)
		return nil, err
	}
	rs, err := pool.Execute(ctx, statement, values)
	if err != nil {
		m.setHealth(name, StatusUnhealthy, err)
		return nil, err
	}
	m.setHealth(name, StatusHealthy, nil)
	return rs, nil
}

// HealthCheck runs the canonical health query against name and returns the
// observed state. The check is an ordinary execute, so it initializes the
// pool like any other call.
func (m *Manager) HealthCheck(ctx context.Context, name string) Health {
	// Execute records the outcome in the health map either way.
	_, _ = m.Execute(ctx, name, HealthQuery, nil)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.health[name]; ok {
		return *h
	}
	return Health{Status: StatusUnknown}
}

// Close tears down one pool, keeping the registration.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return nil
	}
	delete(m.pools, name)
	m.health[name] = &Health{Status: StatusUnknown}
	return pool.Close()
}

// CloseAll drains every pool. Registrations survive, so a later execute
// reconnects.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.pools, name)
	}
	return first
}

// pool returns the live pool for name, building it exactly once under
// concurrent first use.
func (m *Manager) pool(ctx context.Context, name string) (*Pool, error) {
	m.mu.RLock()
	cfg, registered := m.configs[name]
	pool, live := m.pools[name]
	m.mu.RUnlock()

	if !registered {
		return nil, util.NotInitializedErrorf("source %q is not registered", name)
	}
	if live {
		return pool, nil
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		// Re-check: a concurrent caller may have won the race before we
		// entered the flight.
		m.mu.RLock()
		existing, ok := m.pools[name]
		m.mu.RUnlock()
		if ok {
			return existing, nil
		}
		p, err := NewPool(ctx, cfg, PoolOptions{}, m.open)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.pools[name] = p
		m.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

func (m *Manager) setHealth(name, status string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[name]
	if !ok {
		return
	}
	h.Status = status
	h.LastCheck = time.Now()
	if err != nil {
		h.LastError = err.Error()
	} else {
		h.LastError = ""
	}
}

// HealthAll snapshots the health of every registered source.
func (m *Manager) HealthAll() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}
