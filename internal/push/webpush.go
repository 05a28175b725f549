package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushConfig holds the VAPID identity used to sign Web Push requests.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is the contact (mailto: address or URL) sent in the VAPID claim.
	Subscriber string
	TTL        time.Duration
}

// WebPush sends notifications to browser push subscriptions. The target
// token is the subscription JSON the browser handed out.
type WebPush struct {
	cfg    WebPushConfig
	client *http.Client
}

// NewWebPush creates a Web Push sender. client may be nil.
func NewWebPush(cfg WebPushConfig, client *http.Client) *WebPush {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &WebPush{cfg: cfg, client: client}
}

// Send encrypts n for the subscription in t.Token and posts it to the
// subscription endpoint.
func (w *WebPush) Send(ctx context.Context, t Target, n Notification) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(t.Token), &sub); err != nil {
		return fmt.Errorf("%w: invalid subscription: %v", ErrGone, err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("%w: incomplete subscription", ErrGone)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: push service returned %d", ErrGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("web push: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
