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

// Package sources manages named Db2 for i connection pools: registration,
// lazy single-flight initialization, execution, health supervision, and
// shutdown.
package sources

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPort is the DRDA port used when a source omits one.
const DefaultPort = 446

// Config describes one upstream Db2 for i endpoint as declared in YAML.
type Config struct {
	Host               string `yaml:"host" validate:"required"`
	User               string `yaml:"user" validate:"required"`
	Password           string `yaml:"password" validate:"required"`
	Port               int    `yaml:"port,omitempty"`
	IgnoreUnauthorized *bool  `yaml:"ignore-unauthorized,omitempty"`
}

// EffectivePort returns the configured port or the DRDA default.
func (c Config) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

// VerifyTLS reports whether the server certificate must be verified.
// ignore-unauthorized defaults to true.
func (c Config) VerifyTLS() bool {
	return c.IgnoreUnauthorized != nil && !*c.IgnoreUnauthorized
}

// DSN renders the driver connection string. certPath, when non-empty, turns
// on TLS with server certificate verification.
func (c Config) DSN(certPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HOSTNAME=%s;DATABASE=*LOCAL;PORT=%d;UID=%s;PWD=%s", c.Host, c.EffectivePort(), c.User, c.Password)
	if certPath != "" {
		fmt.Fprintf(&b, ";Security=SSL;SSLServerCertificate=%s", certPath)
	}
	return b.String()
}

// Column describes one column of a result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// RowSet is the outcome of one statement execution.
type RowSet struct {
	Columns      []Column
	Rows         []map[string]any
	AffectedRows int64
}

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Health is the last observed state of one source.
type Health struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"lastCheck,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}
