package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrSubscriptionExpired is returned when the push service no longer knows
// the subscription. The subscription should be deleted.
var ErrSubscriptionExpired = errors.New("push subscription expired")

// PushSender delivers one push message to one subscription.
type PushSender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

// VAPIDConfig identifies this server to browser push services.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is a mailto: or https: contact for the push service.
	Subscriber string
	TTL        int
}

// WebPushSender sends Web Push messages signed with VAPID keys.
type WebPushSender struct {
	config VAPIDConfig
	client *http.Client
}

func NewWebPushSender(config VAPIDConfig, client *http.Client) *WebPushSender {
	if client == nil {
		client = http.DefaultClient
	}
	if config.TTL <= 0 {
		config.TTL = 24 * 60 * 60
	}
	return &WebPushSender{config: config, client: client}
}

func (s *WebPushSender) Send(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.config.Subscriber,
		VAPIDPublicKey:  s.config.PublicKey,
		VAPIDPrivateKey: s.config.PrivateKey,
		TTL:             s.config.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("push send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionExpired
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// pushPayload is what the service worker receives.
type pushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	URL            string `json:"url,omitempty"`
	PrescriptionID string `json:"prescriptionId"`
	Status         string `json:"status"`
}

func encodePush(msg Message, prescriptionID, status string) ([]byte, error) {
	return json.Marshal(pushPayload{
		Title:          msg.PushTitle,
		Body:           msg.PushBody,
		URL:            msg.URL,
		PrescriptionID: prescriptionID,
		Status:         status,
	})
}
