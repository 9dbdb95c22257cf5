package shopify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/webhooks"
)

const (
	shopifyHeaderDeliveryID = "X-Shopify-Webhook-Id"
	shopifyHeaderTriggered  = "X-Shopify-Triggered-At"
)

const defaultWebhookReplayWindow = 5 * time.Minute

type WebhookConfig struct {
	Secret             string
	ReplayWindow       time.Duration
	Now                func() time.Time
	RequireTriggeredAt bool
}

func DefaultWebhookConfig(secret string) WebhookConfig {
	return WebhookConfig{
		Secret:       strings.TrimSpace(secret),
		ReplayWindow: defaultWebhookReplayWindow,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewWebhookTemplate extends the base Shopify template with a mandatory
// delivery id and a trigger time window.
func NewWebhookTemplate(cfg WebhookConfig) webhooks.ProviderTemplate {
	template := webhooks.NewShopifyTemplate(cfg.Secret)
	template.Verifier = WebhookVerifier{
		Signature:          template.Verifier,
		ReplayWindow:       cfg.ReplayWindow,
		Now:                cfg.Now,
		RequireTriggeredAt: cfg.RequireTriggeredAt,
	}
	return template
}

type WebhookVerifier struct {
	Signature          webhooks.Verifier
	ReplayWindow       time.Duration
	Now                func() time.Time
	RequireTriggeredAt bool
}

func (v WebhookVerifier) Verify(ctx context.Context, envelope core.WebhookEnvelope) error {
	if v.Signature == nil {
		return fmt.Errorf("providers/shopify: signature verifier is required")
	}
	if err := v.Signature.Verify(ctx, envelope); err != nil {
		return err
	}
	if strings.TrimSpace(envelope.Header(shopifyHeaderDeliveryID)) == "" {
		return fmt.Errorf("providers/shopify: %s header is required for dedupe", shopifyHeaderDeliveryID)
	}

	triggered := strings.TrimSpace(envelope.Header(shopifyHeaderTriggered))
	if triggered == "" {
		if v.RequireTriggeredAt {
			return fmt.Errorf("providers/shopify: %s header is required", shopifyHeaderTriggered)
		}
		return nil
	}
	triggeredAt, err := time.Parse(time.RFC3339Nano, triggered)
	if err != nil {
		return fmt.Errorf("providers/shopify: parse %s: %w", shopifyHeaderTriggered, err)
	}

	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	window := v.ReplayWindow
	if window <= 0 {
		window = defaultWebhookReplayWindow
	}
	delta := now.Sub(triggeredAt.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return fmt.Errorf("providers/shopify: webhook trigger time outside replay window")
	}
	return nil
}
