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
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"time"
)

// FetchServerCertificate dials the endpoint, captures the leaf certificate
// of the presented chain, and writes it to a temp PEM file the driver can
// verify against. The handshake itself is unverified on purpose: this is
// trust-on-first-use capture, verification happens on the driver connection.
func FetchServerCertificate(ctx context.Context, host string, port int) (string, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config:    &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return "", fmt.Errorf("unable to reach %s:%d for certificate capture: %w", host, port, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no certificate presented by %s:%d", host, port)
	}
	leaf := state.PeerCertificates[0]

	f, err := os.CreateTemp("", "db2i-cert-*.pem")
	if err != nil {
		return "", fmt.Errorf("unable to create certificate file: %w", err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw}); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("unable to write certificate file: %w", err)
	}
	return f.Name(), nil
}
