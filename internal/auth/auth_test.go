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
package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"

	"github.com/ibmi-community/db2i-toolbox/internal/auth"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Minimal in-process driver: refuses hosts containing "unreachable",
// answers every query with one row.
type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	if strings.Contains(dsn, "unreachable") {
		return nil, errors.New("connection refused")
	}
	return fakeConn{}, nil
}

type fakeConn struct{}

func (fakeConn) Prepare(query string) (driver.Stmt, error) { return fakeStmt{}, nil }
func (fakeConn) Close() error                              { return nil }
func (fakeConn) Begin() (driver.Tx, error)                 { return nil, errors.New("not supported") }

type fakeStmt struct{}

func (fakeStmt) Close() error  { return nil }
func (fakeStmt) NumInput() int { return -1 }
func (fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(1), nil
}
func (fakeStmt) Query(args []driver.Value) (driver.Rows, error) { return &fakeRows{}, nil }

type fakeRows struct{ done bool }

func (r *fakeRows) Columns() []string { return []string{"ONE"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

var registerOnce sync.Once

func fakeOpen(driverName, dsn string) (*sql.DB, error) {
	registerOnce.Do(func() { sql.Register("fakeauthdb", fakeDriver{}) })
	return sql.Open("fakeauthdb", dsn)
}

func newManager(t *testing.T, opts auth.Options) *auth.Manager {
	t.Helper()
	opts.Open = fakeOpen
	m := auth.NewManager(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func testKeys(t *testing.T) *auth.KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &auth.KeyPair{ID: "test-key", Private: priv, PublicPEM: "unused in tests"}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	keys := testKeys(t)

	payload := &auth.Payload{}
	payload.Credentials.Username = "dbuser"
	payload.Credentials.Password = "secret"
	payload.Request = auth.SessionRequest{Host: "h1", Duration: 3600, PoolStart: 2, PoolMax: 5}

	env, err := auth.Seal(&keys.Private.PublicKey, keys.ID, payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := env.Open(keys.Private)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopeTamperDetected(t *testing.T) {
	keys := testKeys(t)
	payload := &auth.Payload{Request: auth.SessionRequest{Host: "h1"}}

	env, err := auth.Seal(&keys.Private.PublicKey, keys.ID, payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := env.Open(keys.Private); err == nil {
		t.Fatal("tampered ciphertext accepted")
	} else if kind := util.KindOf(err); kind != util.KindValidation {
		t.Errorf("kind: got %q, want %q", kind, util.KindValidation)
	}
}

func TestIssueValidateRevoke(t *testing.T) {
	m := newManager(t, auth.Options{})
	creds := auth.Credentials{Username: "u1", Password: "p1"}

	session, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1", Duration: 3600})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if session.Token == "" {
		t.Fatal("empty token")
	}
	// 256 random bytes, base64url without padding.
	if decoded, err := base64.RawURLEncoding.DecodeString(session.Token); err != nil || len(decoded) != 256 {
		t.Errorf("token shape: decoded %d bytes, err %v", len(decoded), err)
	}

	got, err := m.Validate(session.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Credentials != creds {
		t.Errorf("credentials: got %+v, want %+v", got.Credentials, creds)
	}

	if _, err := m.Execute(context.Background(), session.Token, "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := m.Revoke(session.Token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.Execute(context.Background(), session.Token, "SELECT 1 FROM SYSIBM.SYSDUMMY1", nil); err == nil {
		t.Fatal("revoked token accepted")
	} else if kind := util.KindOf(err); kind != util.KindUnauthorized {
		t.Errorf("kind: got %q, want %q", kind, util.KindUnauthorized)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	m := newManager(t, auth.Options{})
	session, err := m.Issue(context.Background(), auth.Credentials{Username: "u", Password: "p"},
		auth.SessionRequest{Host: "h1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// A token observed at its expiry instant is already invalid.
	session.ExpiresAt = time.Now()
	if _, err := m.Validate(session.Token); err == nil {
		t.Fatal("expired token accepted")
	} else if kind := util.KindOf(err); kind != util.KindUnauthorized {
		t.Errorf("kind: got %q, want %q", kind, util.KindUnauthorized)
	}
	// Expiry deletes the session.
	if n := m.ActiveSessions(); n != 0 {
		t.Errorf("sessions after expiry: got %d, want 0", n)
	}
}

func TestSessionRequestBounds(t *testing.T) {
	m := newManager(t, auth.Options{})
	creds := auth.Credentials{Username: "u", Password: "p"}

	tcs := []struct {
		desc string
		req  auth.SessionRequest
	}{
		{desc: "missing host", req: auth.SessionRequest{Duration: 60}},
		{desc: "duration over cap", req: auth.SessionRequest{Host: "h", Duration: 86401}},
		{desc: "negative duration", req: auth.SessionRequest{Host: "h", Duration: -1}},
		{desc: "poolstart over cap", req: auth.SessionRequest{Host: "h", PoolStart: 51}},
		{desc: "poolmax over cap", req: auth.SessionRequest{Host: "h", PoolMax: 101}},
		{desc: "poolstart above poolmax", req: auth.SessionRequest{Host: "h", PoolStart: 10, PoolMax: 5}},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := m.Issue(context.Background(), creds, tc.req); err == nil {
				t.Fatal("expected rejection")
			} else if kind := util.KindOf(err); kind != util.KindValidation {
				t.Errorf("kind: got %q, want %q", kind, util.KindValidation)
			}
		})
	}
}

func TestSessionCap(t *testing.T) {
	m := newManager(t, auth.Options{MaxSessions: 2})
	creds := auth.Credentials{Username: "u", Password: "p"}

	for i := 0; i < 2; i++ {
		if _, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1"}); err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
	}
	if _, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1"}); err == nil {
		t.Fatal("cap exceeded")
	}
	if n := m.ActiveSessions(); n != 2 {
		t.Errorf("sessions: got %d, want 2", n)
	}
}

func TestIssueFailsWithoutStoringToken(t *testing.T) {
	m := newManager(t, auth.Options{})
	_, err := m.Issue(context.Background(), auth.Credentials{Username: "u", Password: "p"},
		auth.SessionRequest{Host: "unreachable"})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if n := m.ActiveSessions(); n != 0 {
		t.Errorf("sessions after failed issue: got %d, want 0", n)
	}
}

// gaugeRecorder is an in-memory up-down counter for asserting the
// active-session gauge.
type gaugeRecorder struct {
	embedded.Int64UpDownCounter
	mu    sync.Mutex
	value int64
}

func (g *gaugeRecorder) Add(_ context.Context, delta int64, _ ...metric.AddOption) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

func (g *gaugeRecorder) get() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Every path that removes a session must also step the gauge down: revoke,
// expiry seen by Validate, the reaper, and shutdown.
func TestSessionGaugeTracksLifecycle(t *testing.T) {
	gauge := &gaugeRecorder{}
	m := newManager(t, auth.Options{
		CleanupInterval: 20 * time.Millisecond,
		Instrumentation: &telemetry.Instrumentation{AuthSessionGauge: gauge},
	})
	creds := auth.Credentials{Username: "u", Password: "p"}

	s1, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1", Duration: 3600})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	s2, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1", Duration: 3600})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := gauge.get(); got != 2 {
		t.Fatalf("gauge after two issues: got %d, want 2", got)
	}

	if err := m.Revoke(s1.Token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := gauge.get(); got != 1 {
		t.Errorf("gauge after revoke: got %d, want 1", got)
	}

	s2.ExpiresAt = time.Now()
	if _, err := m.Validate(s2.Token); err == nil {
		t.Fatal("expired token accepted")
	}
	if got := gauge.get(); got != 0 {
		t.Errorf("gauge after expiry: got %d, want 0", got)
	}

	if _, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1", Duration: 1}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for gauge.get() != 0 {
		select {
		case <-deadline:
			t.Fatalf("gauge after reap: got %d, want 0", gauge.get())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := m.Issue(context.Background(), creds, auth.SessionRequest{Host: "h1", Duration: 3600}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	m.Shutdown()
	if got := gauge.get(); got != 0 {
		t.Errorf("gauge after shutdown: got %d, want 0", got)
	}
}

func TestReaperDeletesExpired(t *testing.T) {
	m := newManager(t, auth.Options{CleanupInterval: 20 * time.Millisecond})
	if _, err := m.Issue(context.Background(), auth.Credentials{Username: "u", Password: "p"},
		auth.SessionRequest{Host: "h1", Duration: 1}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for m.ActiveSessions() != 0 {
		select {
		case <-deadline:
			t.Fatal("reaper never collected the expired session")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
