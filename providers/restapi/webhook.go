package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-integrations/core"
)

func (a *Adapter) HandlesEvent(eventType string) bool {
	_, ok := a.def.Events[strings.TrimSpace(eventType)]
	return ok
}

// HandleWebhook applies a delivery to the local cache. Replaying the same
// delivery leaves the cache unchanged.
func (a *Adapter) HandleWebhook(ctx context.Context, envelope core.WebhookEnvelope) error {
	if a.def.Verifier != nil {
		if err := a.def.Verifier.Verify(ctx, envelope); err != nil {
			return &core.WebhookSignatureError{Provider: a.ProviderID(), Reason: "signature rejected by adapter", Cause: err}
		}
	}
	event, ok := a.def.Events[strings.TrimSpace(envelope.EventType)]
	if !ok {
		core.Log(ctx, a.Logger(), core.LogDebug, "ignoring webhook event", map[string]any{
			"identity":   a.Identity().Key(),
			"event_type": envelope.EventType,
		})
		return nil
	}
	resource := a.resources[event.Resource]

	if event.Resync {
		return a.ScheduleResync(ctx, "webhook:"+envelope.EventType, resource.Name)
	}

	var payload map[string]any
	if err := json.Unmarshal(envelope.RawBody, &payload); err != nil {
		return core.BadInputError("body", fmt.Sprintf("malformed %s webhook payload: %v", a.ProviderID(), err))
	}
	item := payload
	field := event.PayloadField
	if field == "" {
		field = a.def.PayloadField
	}
	if field != "" {
		nested, ok := lookup(payload, field).(map[string]any)
		if !ok {
			return core.BadInputError("body", fmt.Sprintf("webhook payload has no %q object", field))
		}
		item = nested
	}
	observed := envelope.ReceivedAt
	if observed.IsZero() {
		observed = a.Now()
	}
	record, ok := a.toRecord(resource, item, observed)
	if !ok {
		return core.BadInputError("body", "webhook payload has no entity id")
	}

	cache := a.caches[resource.Name]
	if event.Delete {
		cache.Delete(record.ID)
		return nil
	}
	if !cache.Put(record.ID, record, record.UpdatedAt) {
		core.Log(ctx, a.Logger(), core.LogDebug, "webhook payload older than cached entity", map[string]any{
			"identity": a.Identity().Key(),
			"resource": resource.Name,
			"id":       record.ID,
		})
	}
	return nil
}
