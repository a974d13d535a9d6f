// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/router"
)

func invokerFor(baseURL string) *HTTPInvoker {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "alpha", BaseURL: baseURL},
		},
	}
	return NewHTTPInvoker(cfg, nil)
}

func TestInvokeRewritesModelAndSetsAuth(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer srv.Close()

	inv := invokerFor(srv.URL)
	profile := &authstore.Profile{ID: "p1", Provider: "alpha", APIKey: "sk-test"}
	route := router.ModelRoute{Model: "alpha-large", Provider: "alpha"}

	resp, err := inv.Invoke(context.Background(), route, profile, []byte(`{"model":"auto","messages":[]}`))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if string(resp) != `{"id":"resp-1"}` {
		t.Errorf("unexpected response body: %s", resp)
	}
	if got := gjson.GetBytes(gotBody, "model").String(); got != "alpha-large" {
		t.Errorf("payload model should be rewritten to the route's model, got %q", got)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestInvokeClassifiesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	inv := invokerFor(srv.URL)
	route := router.ModelRoute{Model: "alpha-large", Provider: "alpha"}

	_, err := inv.Invoke(context.Background(), route, &authstore.Profile{APIKey: "sk"}, []byte(`{}`))
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if terr.Kind != KindRateLimit {
		t.Errorf("expected rate_limit, got %s", terr.Kind)
	}
	if terr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", terr.StatusCode)
	}
}

func TestInvokeDecodesGzipResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"id":"compressed"}`))
		gz.Close()
	}))
	defer srv.Close()

	inv := invokerFor(srv.URL)
	route := router.ModelRoute{Model: "alpha-large", Provider: "alpha"}

	resp, err := inv.Invoke(context.Background(), route, &authstore.Profile{APIKey: "sk"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if gjson.GetBytes(resp, "id").String() != "compressed" {
		t.Errorf("gzip body not decoded: %s", resp)
	}
}

func TestInvokeUnknownProvider(t *testing.T) {
	inv := invokerFor("http://unused")
	route := router.ModelRoute{Model: "m", Provider: "nope"}

	_, err := inv.Invoke(context.Background(), route, nil, []byte(`{}`))
	var terr *Error
	if !errors.As(err, &terr) || terr.Kind != KindInvalid {
		t.Fatalf("expected invalid error for unknown provider, got %v", err)
	}
}

func TestInvokeProfileBaseURLOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"override"}`))
	}))
	defer srv.Close()

	// Provider config points nowhere reachable; the profile override wins.
	inv := invokerFor("http://127.0.0.1:1")
	profile := &authstore.Profile{
		APIKey:     "sk",
		Attributes: map[string]string{"base_url": srv.URL},
	}
	route := router.ModelRoute{Model: "m", Provider: "alpha"}

	resp, err := inv.Invoke(context.Background(), route, profile, []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if gjson.GetBytes(resp, "id").String() != "override" {
		t.Errorf("expected override response, got %s", resp)
	}
}
