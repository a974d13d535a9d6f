// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport performs the actual provider calls for the dispatcher.
// It exposes an abstract Invoker plus an OpenAI-compatible HTTP
// implementation, and classifies failures into the taxonomy the dispatcher
// acts on.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// FailureKind classifies a failed provider attempt.
type FailureKind string

const (
	// KindRateLimit means the credential hit a rate limit.
	KindRateLimit FailureKind = "rate_limit"
	// KindQuota means the credential's quota is exhausted.
	KindQuota FailureKind = "quota"
	// KindAuth means the provider rejected the credential.
	KindAuth FailureKind = "auth"
	// KindTransient means a retryable provider-side failure.
	KindTransient FailureKind = "transient"
	// KindTimeout means the attempt exceeded its deadline.
	KindTimeout FailureKind = "timeout"
	// KindInvalid means the request itself was rejected; switching
	// credentials will not help, but other routes may still accept it.
	KindInvalid FailureKind = "invalid"
)

// Error is a typed provider failure.
type Error struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport: %s: %s", e.Kind, e.Message)
}

// RetryableSameProfile reports whether the same profile may be retried.
func (e *Error) RetryableSameProfile() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// CredentialExhausted reports whether the failure burns the credential for
// this provider or model (rate limit, quota, auth rejection).
func (e *Error) CredentialExhausted() bool {
	switch e.Kind {
	case KindRateLimit, KindQuota, KindAuth:
		return true
	}
	return false
}

// AsError coerces any error into a typed *Error, classifying unknown
// errors as transient.
func AsError(err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	return &Error{Kind: KindTransient, Message: err.Error()}
}

// ClassifyStatus maps an HTTP status and response body to a FailureKind.
// 429 responses mentioning quota exhaustion are classified as quota rather
// than rate limit, since they cool down much longer.
func ClassifyStatus(statusCode int, body []byte) FailureKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusPaymentRequired:
		return KindQuota
	case statusCode == http.StatusTooManyRequests:
		if mentionsQuota(body) {
			return KindQuota
		}
		return KindRateLimit
	case statusCode == http.StatusRequestTimeout:
		return KindTimeout
	case statusCode >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

func mentionsQuota(body []byte) bool {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = string(body)
	}
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "billing") || strings.Contains(msg, "exceeded your current")
}
