package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/ci"
	"geobatch/src/infrastructure/github"
)

type WebhookHandler struct {
	bridge *ci.Bridge
	secret string
}

func NewWebhookHandler(bridge *ci.Bridge, secret string) *WebhookHandler {
	return &WebhookHandler{
		bridge: bridge,
		secret: secret,
	}
}

// Event handles POST /api/github/event. The payload signature is
// verified before anything is parsed.
func (h *WebhookHandler) Event(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	signature := c.GetHeader("X-Hub-Signature-256")
	if !github.VerifySignature(h.secret, payload, signature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	ctx := c.Request.Context()
	switch c.GetHeader("X-GitHub-Event") {
	case "push":
		var event ci.PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push payload"})
			return
		}
		result, err := h.bridge.Push(ctx, event)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scheduled": result})
	case "pull_request":
		var event ci.PullEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed pull_request payload"})
			return
		}
		result, err := h.bridge.Pull(ctx, event)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scheduled": result})
	case "issue_comment":
		var event ci.IssueEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed issue_comment payload"})
			return
		}
		result, err := h.bridge.Issue(ctx, event)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scheduled": result})
	default:
		c.JSON(http.StatusOK, gin.H{"scheduled": nil})
	}
}
