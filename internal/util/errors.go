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
package util

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure for the invocation envelope and for exit
// code selection.
type ErrorKind string

const (
	KindConfig         ErrorKind = "CONFIG_ERROR"
	KindValidation     ErrorKind = "VALIDATION_ERROR"
	KindUnauthorized   ErrorKind = "UNAUTHORIZED"
	KindNotInitialized ErrorKind = "SERVICE_NOT_INITIALIZED"
	KindDatabase       ErrorKind = "DATABASE_ERROR"
	KindInternal       ErrorKind = "INTERNAL_ERROR"
)

// Error is the tagged error type propagated across component boundaries.
// Details carries per-violation diagnostics (one entry per schema error,
// security violation, etc.).
type Error struct {
	Kind    ErrorKind
	Message string
	Details []string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString("]")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a tagged error with optional detail lines.
func NewError(kind ErrorKind, msg string, details ...string) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

// WrapError tags an underlying error without losing its chain.
func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func ConfigErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func ValidationErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func UnauthorizedErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func NotInitializedErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindNotInitialized, Message: fmt.Sprintf(format, args...)}
}

func DatabaseError(msg string, cause error) *Error {
	return &Error{Kind: KindDatabase, Message: msg, Cause: cause}
}

func InternalError(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// KindOf reports the kind of err, defaulting to INTERNAL_ERROR for untagged
// errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// DetailsOf returns the detail lines of err, if it is tagged.
func DetailsOf(err error) []string {
	var te *Error
	if errors.As(err, &te) {
		return te.Details
	}
	return nil
}
