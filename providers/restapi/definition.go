package restapi

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/providers/oauth"
	"github.com/goliatone/go-integrations/webhooks"
)

const (
	OperationExchange   = "auth.exchange"
	OperationVerify     = "auth.verify"
	OperationConnection = "connection.test"

	defaultMaxPages = 50
)

// Resource declares one syncable collection of the provider API.
type Resource struct {
	Name string
	Path string
	// OperationClass defaults to "sync.<name>".
	OperationClass string
	// ItemsField is the dotted path of the item array. Empty means the body
	// itself is the array.
	ItemsField string
	// ItemField is the dotted path of the entity in a single-item response.
	// Empty falls back to the definition's PayloadField.
	ItemField string
	// ItemPath is the single-item path with an {id} placeholder. Empty means
	// Path + "/" + id.
	ItemPath       string
	IDField        string
	UpdatedAtField string
	// SinceParam carries the last sync time as RFC 3339 when set.
	SinceParam string
	// CursorField and CursorParam enable cursor pagination. CursorFromLink
	// follows the rel="next" Link header instead.
	CursorField    string
	CursorParam    string
	CursorFromLink bool
	MaxPages       int
	// RequiredFields marks items lacking any of them as skipped.
	RequiredFields []string
}

func (r Resource) operationClass() string {
	if strings.TrimSpace(r.OperationClass) != "" {
		return core.NormalizeOperationClass(r.OperationClass)
	}
	return "sync." + r.Name
}

func (r Resource) itemPath(id string) string {
	if strings.Contains(r.ItemPath, "{id}") {
		return strings.ReplaceAll(r.ItemPath, "{id}", url.PathEscape(id))
	}
	return joinPath(r.Path, url.PathEscape(id))
}

// Event maps a webhook event type onto the resource it touches.
type Event struct {
	Resource string
	Delete   bool
	// Resync schedules a narrow re-sync of the resource instead of applying
	// the payload.
	Resync bool
	// PayloadField overrides the definition's PayloadField for this event.
	PayloadField string
}

// Definition describes a provider declaratively.
type Definition struct {
	Provider string
	BaseURL  string
	OAuth    oauth.Config
	// VerifyPath is fetched after the code exchange and by TestConnection.
	VerifyPath   string
	Resources    []Resource
	Events       map[string]Event
	PayloadField string
	Capabilities []core.Capability
	Classifier   protect.ResponseClassifier
	// Verifier re-checks deliveries handed to HandleWebhook directly.
	Verifier webhooks.Verifier
	CacheTTL map[string]time.Duration
}

func (d Definition) normalized() (Definition, error) {
	d.Provider = strings.TrimSpace(strings.ToLower(d.Provider))
	if d.Provider == "" {
		return d, fmt.Errorf("restapi: provider is required")
	}
	if strings.TrimSpace(d.BaseURL) == "" {
		return d, fmt.Errorf("restapi: base url is required for %q", d.Provider)
	}
	if strings.TrimSpace(d.VerifyPath) == "" {
		return d, fmt.Errorf("restapi: verify path is required for %q", d.Provider)
	}
	d.OAuth.Provider = d.Provider

	seen := map[string]bool{}
	resources := make([]Resource, 0, len(d.Resources))
	for _, resource := range d.Resources {
		resource.Name = strings.TrimSpace(strings.ToLower(resource.Name))
		if resource.Name == "" || strings.TrimSpace(resource.Path) == "" {
			return d, fmt.Errorf("restapi: resource name and path are required for %q", d.Provider)
		}
		if seen[resource.Name] {
			return d, fmt.Errorf("restapi: resource %q declared twice", resource.Name)
		}
		seen[resource.Name] = true
		if resource.IDField == "" {
			resource.IDField = "id"
		}
		if resource.UpdatedAtField == "" {
			resource.UpdatedAtField = "updated_at"
		}
		if resource.MaxPages <= 0 {
			resource.MaxPages = defaultMaxPages
		}
		resources = append(resources, resource)
	}
	if len(resources) == 0 {
		return d, fmt.Errorf("restapi: at least one resource is required for %q", d.Provider)
	}
	d.Resources = resources

	events := make(map[string]Event, len(d.Events))
	for eventType, event := range d.Events {
		event.Resource = strings.TrimSpace(strings.ToLower(event.Resource))
		if !seen[event.Resource] {
			return d, fmt.Errorf("restapi: event %q targets unknown resource %q", eventType, event.Resource)
		}
		events[strings.TrimSpace(eventType)] = event
	}
	d.Events = events
	return d, nil
}
