package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/pkg/models"
)

const signatureHeader = "X-Hub-Signature-256"

// Subscriber receives every change of an accepted webhook delivery.
type Subscriber interface {
	HandleChange(ctx context.Context, change models.Change) error
}

type SubscriberFunc func(ctx context.Context, change models.Change) error

func (f SubscriberFunc) HandleChange(ctx context.Context, change models.Change) error {
	return f(ctx, change)
}

type Handler struct {
	VerifyToken string
	// AppSecret enables payload signature checks when set.
	AppSecret   string
	Subscribers []Subscriber
	Logger      glog.Logger
}

func NewHandler(verifyToken, appSecret string, logger glog.Logger, subscribers ...Subscriber) *Handler {
	return &Handler{
		VerifyToken: verifyToken,
		AppSecret:   appSecret,
		Subscribers: subscribers,
		Logger:      glog.Ensure(logger),
	}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/webhook", h.VerifyWebhook)
	r.POST("/webhook", h.HandleMessage)
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := queryAny(c, "hub.mode", "mode")
	token := queryAny(c, "hub.verify_token", "verifyToken")
	challenge := queryAny(c, "hub.challenge", "challenge")

	if mode == "" || token == "" || challenge == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if err := h.verify(mode, token); err != nil {
		h.logger().Warn("webhook verification rejected", "mode", mode, "error", err)
		c.Status(apperr.HTTPStatus(err))
		return
	}
	h.logger().Info("Webhook verified successfully!")
	c.String(http.StatusOK, challenge)
}

func (h *Handler) verify(mode, token string) error {
	if mode != "subscribe" {
		return apperr.VerificationFailed("unsupported mode")
	}
	if h.VerifyToken == "" || !hmac.Equal([]byte(token), []byte(h.VerifyToken)) {
		return apperr.VerificationFailed("token mismatch")
	}
	return nil
}

func (h *Handler) HandleMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger().Error("Error reading webhook body", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}
	if h.AppSecret != "" && !validSignature(h.AppSecret, body, c.GetHeader(signatureHeader)) {
		h.logger().Warn("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	if !json.Valid(body) {
		h.logger().Warn("webhook payload is not valid JSON", "bytes", len(body))
		c.Status(http.StatusBadRequest)
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger().Error("Error decoding webhook payload", "error", err)
		c.Status(http.StatusOK)
		return
	}
	h.Process(c.Request.Context(), payload)
	c.Status(http.StatusOK)
}

// Process fans every change out to the subscribers. Failures are logged
// and never stop the remaining subscribers.
func (h *Handler) Process(ctx context.Context, payload models.WebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, sub := range h.Subscribers {
				if err := h.deliver(ctx, sub, change); err != nil {
					h.logger().Error("webhook subscriber failed", "field", change.Field, "entry", entry.ID, "error", err)
				}
			}
		}
	}
}

func (h *Handler) deliver(ctx context.Context, sub Subscriber, change models.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.HandleChange(ctx, change)
}

func (h *Handler) logger() glog.Logger {
	return glog.Ensure(h.Logger)
}

func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func queryAny(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}
