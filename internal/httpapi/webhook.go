package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cylvy/landscape-pipeline/internal/coordinator"
)

// verifySignature checks the X-Webhook-Signature header against an
// HMAC-SHA256 of the raw body, grounded on internal/webhook.go's
// generateSignature helper — here used to verify an inbound delivery
// rather than sign an outbound one. An empty secret disables
// verification (local development against a provider sandbox that
// does not sign payloads).
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	want := "sha256=" + hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(header)) == 1
}

// webhookQuery is the SERP provider's URL query convention: which
// (project, period) this delivery belongs to, since the payload body
// itself carries no project identity (spec §6).
type webhookQuery struct {
	Project    string `form:"project" binding:"required"`
	PeriodDate string `form:"period_date" binding:"required"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	var q webhookQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	if !verifySignature(s.webhookSecret, body, c.GetHeader("X-Webhook-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	var payload coordinator.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if err := s.coord.Accept(q.Project, q.PeriodDate, payload); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
