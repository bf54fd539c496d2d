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
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// TokenResponse is the issuance reply.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// Routes mounts the auth endpoints. A nil manager answers 404 on both, the
// signal that the feature is disabled.
func Routes(mgr *Manager) chi.Router {
	r := chi.NewRouter()
	r.Get("/public-key", func(w http.ResponseWriter, req *http.Request) {
		if mgr == nil || mgr.Keys() == nil {
			renderError(w, req, http.StatusNotFound, "NOT_FOUND", "authentication is disabled", nil)
			return
		}
		render.JSON(w, req, map[string]string{
			"keyId":     mgr.Keys().ID,
			"publicKey": mgr.Keys().PublicPEM,
		})
	})
	r.Post("/", func(w http.ResponseWriter, req *http.Request) {
		if mgr == nil {
			renderError(w, req, http.StatusNotFound, "NOT_FOUND", "authentication is disabled", nil)
			return
		}
		handleIssue(mgr, w, req)
	})
	return r
}

func handleIssue(mgr *Manager, w http.ResponseWriter, req *http.Request) {
	if !transportSecure(req) && !mgr.AllowHTTP() {
		renderError(w, req, http.StatusBadRequest, string(util.KindValidation), "authentication requires TLS", nil)
		return
	}

	var (
		session *Session
		err     error
	)
	if user, pass, ok := req.BasicAuth(); ok {
		session, err = issueBasic(mgr, req, user, pass)
	} else {
		session, err = issueEnvelope(mgr, req)
	}
	if err != nil {
		status := statusFor(err)
		renderError(w, req, status, string(util.KindOf(err)), err.Error(), util.DetailsOf(err))
		return
	}

	render.Status(req, http.StatusCreated)
	render.JSON(w, req, TokenResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(session.ExpiresAt).Round(time.Second) / time.Second),
		ExpiresAt:   session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// issueEnvelope is the encrypted-envelope path.
func issueEnvelope(mgr *Manager, req *http.Request) (*Session, error) {
	if mgr.Keys() == nil {
		return nil, util.NewError(util.KindValidation, "envelope authentication is not configured")
	}
	var env Envelope
	if err := util.DecodeJSON(req.Body, &env); err != nil {
		return nil, util.ValidationErrorf("request body is not a valid envelope")
	}
	if env.KeyID != mgr.Keys().ID {
		return nil, util.ValidationErrorf("unknown keyId %q", env.KeyID)
	}
	payload, err := env.Open(mgr.Keys().Private)
	if err != nil {
		return nil, err
	}
	creds := Credentials{Username: payload.Credentials.Username, Password: payload.Credentials.Password}
	return mgr.Issue(req.Context(), creds, payload.Request)
}

// issueBasic is the Authorization: Basic alternative; the body carries the
// session request as plain JSON.
func issueBasic(mgr *Manager, req *http.Request, user, pass string) (*Session, error) {
	if user == "" || pass == "" {
		return nil, util.UnauthorizedErrorf("missing basic credentials")
	}
	var sr SessionRequest
	if err := util.DecodeJSON(req.Body, &sr); err != nil {
		return nil, util.ValidationErrorf("request body is not a valid session request")
	}
	return mgr.Issue(req.Context(), Credentials{Username: user, Password: pass}, sr)
}

func statusFor(err error) int {
	switch util.KindOf(err) {
	case util.KindValidation:
		return http.StatusBadRequest
	case util.KindUnauthorized, util.KindDatabase:
		// A failed pool connect on issuance means the upstream rejected
		// the supplied credentials or host.
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, req *http.Request, status int, code, message string, details []string) {
	render.Status(req, status)
	render.JSON(w, req, errorResponse{Error: code, Message: message, Details: details})
}

// transportSecure accepts direct TLS or a terminating proxy announcing
// https.
func transportSecure(req *http.Request) bool {
	if req.TLS != nil {
		return true
	}
	return strings.EqualFold(req.Header.Get("x-forwarded-proto"), "https")
}
