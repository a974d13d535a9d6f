// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/config"
)

// tokenRefresher resolves the bearer credential for a profile, refreshing
// OAuth token material through the provider's token endpoint when it has
// expired.
type tokenRefresher struct {
	save TokenSaver
}

func newTokenRefresher(save TokenSaver) *tokenRefresher {
	return &tokenRefresher{save: save}
}

func (r *tokenRefresher) bearerToken(ctx context.Context, provider config.ProviderConfig, profile *authstore.Profile) (string, error) {
	if profile == nil {
		return "", nil
	}
	if profile.APIKey != "" {
		return profile.APIKey, nil
	}
	if profile.Token == nil {
		return "", errors.New("profile carries no credential")
	}
	if profile.Token.Valid() {
		return profile.Token.AccessToken, nil
	}
	if profile.Token.RefreshToken == "" || provider.TokenURL == "" {
		return "", errors.New("token expired and not refreshable")
	}

	conf := &oauth2.Config{
		ClientID: provider.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: provider.TokenURL},
	}
	refreshed, err := conf.TokenSource(ctx, profile.Token).Token()
	if err != nil {
		return "", err
	}
	log.Debugf("transport: refreshed token for profile %s", profile.ID)
	if r.save != nil {
		r.save(ctx, profile.ID, refreshed)
	}
	return refreshed.AccessToken, nil
}
