package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/api/middleware"
	"github.com/drfirst/go-rxrequest/internal/api/response"
	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
	"github.com/drfirst/go-rxrequest/internal/notification"
	"github.com/drfirst/go-rxrequest/internal/validation"
)

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	Save(ctx context.Context, sub *notification.Subscription) error
	Delete(ctx context.Context, userID, endpoint string) error
}

// SubscriptionHandler registers browser push subscriptions.
type SubscriptionHandler struct {
	store     SubscriptionStore
	publicKey string
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewSubscriptionHandler(store SubscriptionStore, vapidPublicKey string, logger *zap.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionHandler{store: store, publicKey: vapidPublicKey, validate: validation.New(), logger: logger}
}

func (h *SubscriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/vapid-public-key", h.PublicKey)
	r.Post("/subscriptions", h.Subscribe)
	r.Delete("/subscriptions", h.Unsubscribe)
	return r
}

// subscriptionRequest mirrors the browser's PushSubscription.toJSON().
type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PublicKey handles GET /notifications/vapid-public-key
func (h *SubscriptionHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		response.Fail(w, http.StatusNotFound, "PUSH_DISABLED", "push notifications are not configured")
		return
	}
	response.OK(w, http.StatusOK, map[string]string{"publicKey": h.publicKey}, "")
}

// Subscribe handles POST /notifications/subscriptions
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req subscriptionRequest
	if !decode(w, r, &req) {
		return
	}

	sub := &notification.Subscription{
		UserID:   actor.ID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := h.validate.Struct(sub); err != nil {
		response.Write(w, http.StatusBadRequest, response.Envelope{
			Message:   "invalid push subscription",
			ErrorCode: prescription.CodeValidation,
			Details:   validation.Messages(err),
		})
		return
	}

	if err := h.store.Save(r.Context(), sub); err != nil {
		h.logger.Error("failed to save push subscription",
			zap.String("user_id", actor.ID),
			zap.Error(err))
		response.Error(w, err)
		return
	}
	response.OK(w, http.StatusCreated, sub, "subscribed")
}

// Unsubscribe handles DELETE /notifications/subscriptions
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req subscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		response.Fail(w, http.StatusBadRequest, prescription.CodeValidation, "endpoint is required")
		return
	}

	if err := h.store.Delete(r.Context(), actor.ID, req.Endpoint); err != nil {
		h.logger.Error("failed to delete push subscription",
			zap.String("user_id", actor.ID),
			zap.Error(err))
		response.Error(w, err)
		return
	}
	response.OK(w, http.StatusOK, nil, "unsubscribed")
}
