package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	intsync "github.com/goliatone/go-integrations/sync"
	"github.com/goliatone/go-integrations/transport"
)

// SyncData fetches every declared resource concurrently. One resource
// failing does not stop the others.
func (a *Adapter) SyncData(ctx context.Context, lastSyncTime *time.Time) (core.SyncResult, error) {
	startedAt := a.Now()
	tasks := make([]intsync.Task, 0, len(a.def.Resources))
	for _, resource := range a.def.Resources {
		tasks = append(tasks, intsync.Task{
			Name: resource.Name,
			Run: func(ctx context.Context) (intsync.TaskOutcome, error) {
				return a.syncResource(ctx, resource, lastSyncTime, startedAt)
			},
		})
	}
	return a.orchestrator.SyncAll(ctx, a.Identity(), tasks)
}

// SyncResources syncs the named resources only.
func (a *Adapter) SyncResources(ctx context.Context, names []string, lastSyncTime *time.Time) (core.SyncResult, error) {
	startedAt := a.Now()
	var tasks []intsync.Task
	for _, name := range names {
		resource, ok := a.resources[strings.TrimSpace(strings.ToLower(name))]
		if !ok {
			return core.SyncResult{}, core.BadInputError("resources", fmt.Sprintf("unknown resource %q", name))
		}
		tasks = append(tasks, intsync.Task{
			Name: resource.Name,
			Run: func(ctx context.Context) (intsync.TaskOutcome, error) {
				return a.syncResource(ctx, resource, lastSyncTime, startedAt)
			},
		})
	}
	return a.orchestrator.SyncAll(ctx, a.Identity(), tasks)
}

func (a *Adapter) syncResource(ctx context.Context, resource Resource, lastSyncTime *time.Time, startedAt time.Time) (intsync.TaskOutcome, error) {
	var outcome intsync.TaskOutcome
	cache := a.caches[resource.Name]
	cursor := ""
	pages := 0
	for pages < resource.MaxPages {
		query := map[string]string{}
		path := resource.Path
		// a Link target already carries every filter of the first request
		linkPage := resource.CursorFromLink && cursor != ""
		if linkPage {
			path = cursor
		}
		if !linkPage && resource.SinceParam != "" && lastSyncTime != nil && !lastSyncTime.IsZero() {
			query[resource.SinceParam] = lastSyncTime.UTC().Format(time.RFC3339)
		}
		if cursor != "" && !linkPage {
			query[resource.CursorParam] = cursor
		}

		var body any
		var headers map[string]string
		err := a.Authorized(ctx, resource.operationClass(), func(ctx context.Context, credential core.Credential) error {
			res, err := a.client.Do(ctx, a.call(resource.operationClass()), transport.JSONRequest{
				Path:       path,
				Query:      query,
				Credential: &credential,
			}, &body)
			headers = res.Headers
			return err
		})
		if err != nil {
			return outcome, err
		}
		pages++

		items, ok := itemsOf(body, resource.ItemsField)
		if !ok {
			return outcome, &core.UpstreamError{
				Provider:       a.ProviderID(),
				OperationClass: resource.operationClass(),
				StatusCode:     200,
				Message:        fmt.Sprintf("response has no item list at %q", resource.ItemsField),
			}
		}
		for _, raw := range items {
			item, ok := raw.(map[string]any)
			if !ok || !hasFields(item, resource.RequiredFields) {
				outcome.Skipped++
				continue
			}
			record, ok := a.toRecord(resource, item, startedAt)
			if !ok {
				outcome.Skipped++
				continue
			}
			// observation time is the sync start so a webhook applied
			// meanwhile wins
			cache.Put(record.ID, record, observedAt(record, startedAt))
			outcome.Processed++
		}

		next := ""
		switch {
		case resource.CursorFromLink:
			next = a.nextLink(headers)
		case resource.CursorParam == "":
		case resource.CursorField != "":
			next, _ = lookup(body, resource.CursorField).(string)
		}
		if strings.TrimSpace(next) == "" || next == cursor {
			break
		}
		cursor = next
	}
	outcome.Metadata = map[string]any{"pages": pages}
	return outcome, nil
}

func (a *Adapter) toRecord(resource Resource, item map[string]any, fallback time.Time) (Record, bool) {
	id := stringValue(lookup(item, resource.IDField))
	if id == "" {
		return Record{}, false
	}
	record := Record{ID: id, Resource: resource.Name, Data: item, UpdatedAt: fallback}
	if raw, ok := lookup(item, resource.UpdatedAtField).(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			record.UpdatedAt = parsed.UTC()
		}
	}
	return record, true
}

// nextLink returns the rel="next" target of an RFC 8288 Link header. Targets
// on another host than the base URL are dropped so credentials stay put.
func (a *Adapter) nextLink(headers map[string]string) string {
	var header string
	for key, value := range headers {
		if strings.EqualFold(key, "Link") {
			header = value
			break
		}
	}
	for _, part := range strings.Split(header, ",") {
		target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
		if !ok || !strings.Contains(strings.ReplaceAll(params, " ", ""), `rel="next"`) {
			continue
		}
		next, err := url.Parse(strings.Trim(strings.TrimSpace(target), "<>"))
		if err != nil {
			return ""
		}
		base, err := url.Parse(a.def.BaseURL)
		if err != nil || (next.IsAbs() && !strings.EqualFold(next.Host, base.Host)) {
			return ""
		}
		return next.String()
	}
	return ""
}

func observedAt(record Record, startedAt time.Time) time.Time {
	if record.UpdatedAt.IsZero() || record.UpdatedAt.After(startedAt) {
		return startedAt
	}
	return record.UpdatedAt
}

func itemsOf(body any, field string) ([]any, bool) {
	if field != "" {
		body = lookup(body, field)
	}
	items, ok := body.([]any)
	return items, ok
}

func hasFields(item map[string]any, fields []string) bool {
	for _, field := range fields {
		value := lookup(item, field)
		if value == nil {
			return false
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

func lookup(payload any, path string) any {
	current := payload
	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]any:
			current = typed[segment]
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil
			}
			current = typed[index]
		default:
			return nil
		}
	}
	return current
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return ""
	}
}

func joinPath(base, id string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(id, "/")
}
