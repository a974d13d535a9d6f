// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListModels returns every routable model in OpenAI list format, plus the
// "auto" pseudo-model that requests complexity-based routing.
func (s *Server) ListModels(c *gin.Context) {
	models := s.registry.AllModels()
	data := make([]gin.H, 0, len(models)+1)
	data = append(data, gin.H{
		"id":       autoModel,
		"object":   "model",
		"owned_by": "modelmux",
	})
	for _, m := range models {
		entry := gin.H{
			"id":       m.ID,
			"object":   m.Object,
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		}
		if m.DisplayName != "" {
			entry["display_name"] = m.DisplayName
		}
		if m.ContextLength > 0 {
			entry["context_length"] = m.ContextLength
		}
		data = append(data, entry)
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
