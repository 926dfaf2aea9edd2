package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// WebhookClient delivers inbound-message events to the configured endpoint.
// Delivery is strictly best effort: one attempt, bounded timeout, failures
// logged and dropped. Message capture never depends on the receiver.
type WebhookClient struct {
	url     string
	secret  string
	client  *resty.Client
	metrics *Metrics
}

func NewWebhookClient(url, secret string, metrics *Metrics) *WebhookClient {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	return &WebhookClient{
		url:     url,
		secret:  secret,
		client:  client,
		metrics: metrics,
	}
}

func (w *WebhookClient) Enabled() bool {
	return w != nil && w.url != ""
}

// Emit posts one event. The signature is computed over the exact bytes sent
// as the request body, so receivers must verify against the raw payload
// before parsing.
func (w *WebhookClient) Emit(evt WebhookEvent) {
	if !w.Enabled() {
		return
	}

	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("userID", evt.UserID).Msg("Failed to marshal webhook payload")
		return
	}

	req := w.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if w.secret != "" {
		req.SetHeader(signatureHeader, w.sign(body))
	}

	resp, err := req.Post(w.url)
	if err != nil {
		w.outcome("error")
		log.Warn().Err(err).
			Str("userID", evt.UserID).
			Str("messageID", evt.MessageID).
			Msg("Webhook delivery failed")
		return
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		w.outcome("rejected")
		log.Warn().
			Int("status", resp.StatusCode()).
			Str("userID", evt.UserID).
			Str("messageID", evt.MessageID).
			Msg("Webhook receiver returned non-2xx")
		return
	}

	w.outcome("delivered")
	log.Debug().
		Str("userID", evt.UserID).
		Str("messageID", evt.MessageID).
		Msg("Webhook delivered")
}

func (w *WebhookClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookClient) outcome(result string) {
	if w.metrics != nil {
		w.metrics.WebhookDelivery(result)
	}
}
