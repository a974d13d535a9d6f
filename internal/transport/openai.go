// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/router"
)

// Invoker performs one provider call with one profile. Implementations must
// honor the context deadline and return *Error for classified failures.
type Invoker interface {
	Invoke(ctx context.Context, route router.ModelRoute, profile *authstore.Profile, payload []byte) ([]byte, error)
}

// TokenSaver persists refreshed OAuth token material back to the profile
// store.
type TokenSaver func(ctx context.Context, profileID string, token *oauth2.Token)

// HTTPInvoker calls OpenAI-compatible chat-completion endpoints.
type HTTPInvoker struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
	refresher *tokenRefresher
}

// NewHTTPInvoker builds an invoker over the configured providers. saveToken
// may be nil when refreshed tokens need not be persisted.
func NewHTTPInvoker(cfg *config.Config, saveToken TokenSaver) *HTTPInvoker {
	providers := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[strings.ToLower(p.Name)] = p
	}
	return &HTTPInvoker{
		providers: providers,
		client: &http.Client{
			// Per-attempt deadlines come from the caller's context; the
			// client timeout is only a safety net.
			Timeout: 10 * time.Minute,
		},
		refresher: newTokenRefresher(saveToken),
	}
}

// Invoke implements Invoker. The payload's model field is rewritten to the
// route's model before forwarding.
func (h *HTTPInvoker) Invoke(ctx context.Context, route router.ModelRoute, profile *authstore.Profile, payload []byte) ([]byte, error) {
	provider, ok := h.providers[strings.ToLower(route.Provider)]
	if !ok {
		return nil, &Error{Kind: KindInvalid, Message: "unknown provider " + route.Provider}
	}

	bearer, err := h.refresher.bearerToken(ctx, provider, profile)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Message: "credential refresh failed: " + err.Error()}
	}

	body, err := sjson.SetBytes(bytes.Clone(payload), "model", route.Model)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Message: "failed to set model in payload: " + err.Error()}
	}

	url := strings.TrimSuffix(h.baseURL(provider, profile), "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncodings)
	httpReq.Header.Set("User-Agent", "modelmux")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Message: err.Error()}
		}
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("transport: close response body error: %v", errClose)
		}
	}()

	reader, err := decodeBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "failed to decode response body: " + err.Error()}
	}
	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		kind := ClassifyStatus(httpResp.StatusCode, respBody)
		log.Debugf("transport: %s %s returned %d (%s)", route.Provider, route.Model, httpResp.StatusCode, kind)
		return nil, &Error{Kind: kind, StatusCode: httpResp.StatusCode, Message: string(respBody)}
	}
	return respBody, nil
}

// baseURL prefers a per-profile base URL override over the provider config.
func (h *HTTPInvoker) baseURL(provider config.ProviderConfig, profile *authstore.Profile) string {
	if profile != nil {
		if override, ok := profile.Attributes["base_url"]; ok && override != "" {
			return override
		}
	}
	return provider.BaseURL
}
