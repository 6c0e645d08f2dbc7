package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
)

// webhookEvents are the notification events a webhook may subscribe to.
var webhookEvents = []string{
	core.EventPrintStarted,
	core.EventPrintCompleted,
	core.EventPrintFailed,
	core.EventQueueFinished,
	core.EventStatus,
}

type WebhookTester interface {
	SendTest(ctx context.Context, w *db.Webhook) error
}

type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required,min=1"`
}

type WebhookResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	store  *db.Store
	tester WebhookTester
	log    log.FieldLogger
}

func NewWebhookHandler(store *db.Store, tester WebhookTester, logger log.FieldLogger) *WebhookHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &WebhookHandler{store: store, tester: tester, log: logger}
}

func (h *WebhookHandler) List(c *gin.Context) {
	hooks, err := h.store.ListWebhooks(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to list webhooks")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve webhooks"})
		return
	}
	out := make([]WebhookResponse, 0, len(hooks))
	for _, w := range hooks {
		out = append(out, toWebhookResponse(w))
	}
	c.JSON(http.StatusOK, out)
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	for _, ev := range req.Events {
		if !slices.Contains(webhookEvents, ev) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_event",
				Message: fmt.Sprintf("Unknown event %q", ev),
			})
			return
		}
	}

	w := db.NewWebhook(req.Name, req.URL, req.Secret, req.Events)
	if err := h.store.CreateWebhook(c.Request.Context(), w); err != nil {
		h.log.WithError(err).Error("failed to create webhook")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to create webhook"})
		return
	}
	w.CreatedAt = time.Now().UTC()
	h.log.WithFields(log.Fields{"webhook": w.ID, "events": req.Events}).Info("webhook registered")
	c.JSON(http.StatusCreated, toWebhookResponse(w))
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.store.DeleteWebhook(c.Request.Context(), w.ID); err != nil {
		h.log.WithError(err).Error("failed to delete webhook")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to delete webhook"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Test sends one signed delivery and reports the receiver's answer. A
// failed delivery is still a 200; Success carries the outcome.
func (h *WebhookHandler) Test(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.tester.SendTest(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Test delivery accepted"})
}

// lookup resolves the :id parameter, writing the error response itself
// when there is no such webhook.
func (h *WebhookHandler) lookup(c *gin.Context) (*db.Webhook, bool) {
	id, ok := paramID(c)
	if !ok {
		return nil, false
	}
	hooks, err := h.store.ListWebhooks(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("failed to list webhooks")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "database_error", Message: "Failed to retrieve webhook"})
		return nil, false
	}
	i := slices.IndexFunc(hooks, func(w *db.Webhook) bool { return w.ID == id })
	if i < 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "webhook not found"})
		return nil, false
	}
	return hooks[i], true
}

func toWebhookResponse(w *db.Webhook) WebhookResponse {
	events := []string{}
	if w.EventsJSON != "" {
		json.Unmarshal([]byte(w.EventsJSON), &events)
	}
	return WebhookResponse{
		ID:        w.ID,
		Name:      w.Name,
		URL:       w.URL,
		Events:    events,
		Enabled:   w.Enabled,
		CreatedAt: w.CreatedAt,
	}
}
