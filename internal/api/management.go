// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/buildinfo"
	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/dispatch"
	"github.com/traylinx/modelmux/internal/usage"
	"github.com/traylinx/modelmux/internal/util"
)

// managementHandler serves the /v0/management API.
type managementHandler struct {
	cfg        *config.Config
	profiles   *authstore.Store
	dispatcher *dispatch.Dispatcher
	recorder   *usage.Recorder
	box        *util.StateBox
}

func newManagementHandler(cfg *config.Config, profiles *authstore.Store, dispatcher *dispatch.Dispatcher, recorder *usage.Recorder, box *util.StateBox) *managementHandler {
	return &managementHandler{cfg: cfg, profiles: profiles, dispatcher: dispatcher, recorder: recorder, box: box}
}

// profileView is a Profile with the credential material redacted.
type profileView struct {
	ID         string              `json:"id"`
	Provider   string              `json:"provider"`
	Label      string              `json:"label,omitempty"`
	Credential string              `json:"credential"`
	Attributes map[string]string   `json:"attributes,omitempty"`
	Stats      authstore.UsageStats `json:"stats"`
	CreatedAt  string              `json:"created_at"`
	UpdatedAt  string              `json:"updated_at"`
}

func viewOf(p *authstore.Profile) profileView {
	credential := "none"
	switch {
	case p.APIKey != "":
		credential = "api-key " + redactKey(p.APIKey)
	case p.Token != nil:
		credential = "oauth-token"
	}
	return profileView{
		ID:         p.ID,
		Provider:   p.Provider,
		Label:      p.Label,
		Credential: credential,
		Attributes: p.Attributes,
		Stats:      p.Stats,
		CreatedAt:  p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:  p.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func redactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// Status reports the state directory and store configuration.
func (h *managementHandler) Status(c *gin.Context) {
	status := gin.H{
		"version":  buildinfo.Version,
		"commit":   buildinfo.Commit,
		"store":    h.cfg.Store.Backend,
		"profiles": h.profiles.CountByProvider(),
	}
	if h.box != nil {
		rootExists := true
		if _, err := os.Stat(h.box.RootPath()); err != nil {
			rootExists = false
		}
		status["state_dir"] = gin.H{
			"root_path": h.box.RootPath(),
			"read_only": h.box.IsReadOnly(),
			"exists":    rootExists,
		}
	}
	c.JSON(http.StatusOK, status)
}

// Usage returns the in-memory request statistics snapshot.
func (h *managementHandler) Usage(c *gin.Context) {
	if h.recorder == nil || !h.recorder.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "usage": h.recorder.Snapshot()})
}

// DryRunRoute classifies and routes a request without dispatching it, for
// operators tuning the scoring dimensions and tier boundaries.
func (h *managementHandler) DryRunRoute(c *gin.Context) {
	var body struct {
		Content string `json:"content"`
		Model   string `json:"model,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	decision, err := h.dispatcher.Route(&classifier.Request{Content: body.Content, ModelOverride: body.Model})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// ListProfiles returns all profiles with credentials redacted.
func (h *managementHandler) ListProfiles(c *gin.Context) {
	profiles := h.profiles.List()
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, viewOf(p))
	}
	c.JSON(http.StatusOK, gin.H{"profiles": views})
}

// UpsertProfile registers a credential. Upserting the same credential twice
// is idempotent and preserves usage statistics.
func (h *managementHandler) UpsertProfile(c *gin.Context) {
	var body struct {
		Provider   string            `json:"provider"`
		APIKey     string            `json:"api_key,omitempty"`
		Label      string            `json:"label,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	id, err := h.profiles.Upsert(c.Request.Context(), &authstore.Profile{
		Provider:   body.Provider,
		APIKey:     body.APIKey,
		Label:      body.Label,
		Attributes: body.Attributes,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Infof("management: upserted profile %s for provider %s", id, body.Provider)
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// DeleteProfile removes a profile permanently.
func (h *managementHandler) DeleteProfile(c *gin.Context) {
	id := c.Param("id")
	if err := h.profiles.Remove(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ClearCooldown forces one profile back to active.
func (h *managementHandler) ClearCooldown(c *gin.Context) {
	id := c.Param("id")
	if !h.profiles.ClearCooldown(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown profile " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": id})
}

// ResetCooldowns clears every cooldown and error indicator, returning how
// many profiles were actually flagged. Safe to repeat; a clean store
// resets nothing.
func (h *managementHandler) ResetCooldowns(c *gin.Context) {
	count := h.profiles.ResetAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"reset": count})
}
