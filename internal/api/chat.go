// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/traylinx/modelmux/internal/classifier"
	"github.com/traylinx/modelmux/internal/dispatch"
)

// autoModel is the sentinel model name that requests automatic routing.
const autoModel = "auto"

// ChatCompletions accepts an OpenAI-style chat completion request, routes
// it by complexity, and proxies the winning provider's response verbatim.
func (s *Server) ChatCompletions(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body", "type": "invalid_request_error"}})
		return
	}
	if !gjson.ValidBytes(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "request body is not valid JSON", "type": "invalid_request_error"}})
		return
	}
	if gjson.GetBytes(payload, "stream").Bool() {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "streaming is not supported", "type": "invalid_request_error"}})
		return
	}

	req := &classifier.Request{
		Content:       extractContent(payload),
		ModelOverride: modelOverride(payload),
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "messages must contain text content", "type": "invalid_request_error"}})
		return
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), req, payload)
	if err != nil {
		s.writeDispatchError(c, err)
		return
	}

	c.Header("X-Modelmux-Model", result.Route.Model)
	c.Header("X-Modelmux-Provider", result.Route.Provider)
	c.Header("X-Modelmux-Tier", result.Decision.Scoring.Tier.String())
	c.Data(http.StatusOK, "application/json", result.Body)
}

func (s *Server) writeDispatchError(c *gin.Context, err error) {
	var chainErr *dispatch.ChainExhaustedError
	var reqErr *dispatch.RequestError
	var cfgErr *classifier.ConfigError
	switch {
	case errors.As(err, &chainErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{
				"message": chainErr.Error(),
				"type":    "chain_exhausted",
			},
			"attempts": chainErr.Attempts,
		})
	case errors.As(err, &reqErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": reqErr.Message,
				"type":    "invalid_request_error",
			},
			"attempts": reqErr.Attempts,
		})
	case errors.As(err, &cfgErr):
		log.Errorf("api: routing configuration error: %v", cfgErr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": cfgErr.Error(), "type": "configuration_error"}})
	default:
		log.Errorf("api: dispatch failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error(), "type": "internal_error"}})
	}
}

// modelOverride returns the explicit model request, or empty when the
// client asked for automatic routing.
func modelOverride(payload []byte) string {
	model := strings.TrimSpace(gjson.GetBytes(payload, "model").String())
	if model == "" || strings.EqualFold(model, autoModel) {
		return ""
	}
	return model
}

// extractContent flattens the chat messages into one text blob for
// classification. Both string contents and multi-part contents with text
// segments are supported; non-text parts are ignored.
func extractContent(payload []byte) string {
	var b strings.Builder
	gjson.GetBytes(payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text").String(); text != "" {
					if b.Len() > 0 {
						b.WriteByte('\n')
					}
					b.WriteString(text)
				}
				return true
			})
		}
		return true
	})
	return b.String()
}
