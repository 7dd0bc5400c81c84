// Package payments consumes Stripe webhooks and turns paid checkouts into
// credit grants. Event ids are recorded so provider retries are absorbed.
package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/clawdfather/clawdfather/internal/httpapi"
	"github.com/clawdfather/clawdfather/internal/logging"
	"github.com/clawdfather/clawdfather/internal/metrics"
	"github.com/clawdfather/clawdfather/internal/store"
)

// maxBodyBytes bounds the webhook payload; Stripe's own limit is lower.
const maxBodyBytes = 1 << 16

// Handler verifies and applies Stripe webhook events.
type Handler struct {
	store         store.Store
	webhookSecret string
}

// NewHandler wires the webhook endpoint. An empty secret disables processing;
// deliveries then fail server-side rather than skipping verification.
func NewHandler(s store.Store, webhookSecret string) *Handler {
	return &Handler{store: s, webhookSecret: webhookSecret}
}

// Register mounts the webhook route. No bearer auth; the signature is the
// authentication.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.Webhook)
}

// Webhook handles one delivery. The raw body is verified as-is; it is never
// re-serialized before the signature check.
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	if h.webhookSecret == "" {
		log.Error("stripe webhook received but no secret configured")
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal,
			"webhook secret not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "unreadable body")
		return
	}

	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		metrics.StripeEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "signature verification failed")
		return
	}
	eventType := string(event.Type)

	if seen, err := h.store.HasProcessedStripeEvent(ctx, event.ID); err == nil && seen {
		metrics.StripeEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"processed": false, "event_type": eventType})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		if err := h.applyCheckout(c, &event); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				metrics.StripeEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
				c.JSON(http.StatusOK, gin.H{"processed": false, "event_type": eventType})
				return
			}
			return // applyCheckout wrote the error response
		}
	default:
		// Unhandled types are still recorded so replays short-circuit.
		if err := h.store.RecordStripeEvent(ctx, event.ID, eventType); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				c.JSON(http.StatusOK, gin.H{"processed": false, "event_type": eventType})
				return
			}
			httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "event recording failed")
			return
		}
	}

	metrics.StripeEventsTotal.WithLabelValues(eventType, "ok").Inc()
	log.Info("stripe event processed", "event_id", event.ID, "event_type", eventType)
	c.JSON(http.StatusOK, gin.H{"processed": true, "event_type": eventType})
}

// applyCheckout grants the purchased credit. Recording the event id and
// bumping the balance happen atomically; a concurrent duplicate delivery
// loses on the unique event id and credits nothing.
func (h *Handler) applyCheckout(c *gin.Context, event *stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed checkout session")
		return err
	}

	accountID := sess.Metadata["accountId"]
	seconds, err := strconv.ParseInt(sess.Metadata["creditSeconds"], 10, 64)
	if accountID == "" || err != nil || seconds <= 0 {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation,
			"checkout metadata missing accountId or creditSeconds")
		return errors.New("payments: bad checkout metadata")
	}

	err = h.store.ApplyStripeCredit(c.Request.Context(), event.ID, string(event.Type), accountID, seconds)
	if err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "credit grant failed")
	}
	return err
}
