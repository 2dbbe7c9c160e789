package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"geobatch/src/core/ci"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRouter(secret string) *gin.Engine {
	r := gin.New()
	h := NewWebhookHandler(&ci.Bridge{}, secret)
	r.POST("/api/github/event", h.Event)
	return r
}

func TestWebhookRejectsUnsignedPayload(t *testing.T) {
	r := webhookRouter("hook-secret")

	req := httptest.NewRequest("POST", "/api/github/event", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-GitHub-Event", "push")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookRejectsTamperedPayload(t *testing.T) {
	r := webhookRouter("hook-secret")

	payload := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest("POST", "/api/github/event", bytes.NewReader([]byte(`{"action":"evil"}`)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign("hook-secret", payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookIgnoresUnknownEvent(t *testing.T) {
	r := webhookRouter("hook-secret")

	payload := []byte(`{"zen":"keep it simple"}`)
	req := httptest.NewRequest("POST", "/api/github/event", bytes.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", sign("hook-secret", payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
