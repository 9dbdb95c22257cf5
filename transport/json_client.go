package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/ratelimit"
)

// ResponseObserver receives every provider response so rate-limit headers
// update shared throttle state. *protect.Executor implements it.
type ResponseObserver interface {
	ObserveResponse(ctx context.Context, call core.Call, meta ratelimit.ResponseMeta) (core.RateLimitInfo, error)
}

type JSONRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    any
	// Credential adds an Authorization header when it carries an access token.
	Credential *core.Credential
}

// JSONClient speaks a provider's JSON dialect over an Adapter. Non 2xx
// answers come back as taxonomy errors so the executor can classify them.
type JSONClient struct {
	adapter    Adapter
	classifier protect.ResponseClassifier
	observer   ResponseObserver
	headers    map[string]string
}

type JSONClientOption func(*JSONClient)

func WithClassifier(classifier protect.ResponseClassifier) JSONClientOption {
	return func(c *JSONClient) {
		c.classifier = classifier
	}
}

func WithResponseObserver(observer ResponseObserver) JSONClientOption {
	return func(c *JSONClient) {
		c.observer = observer
	}
}

func WithHeader(key, value string) JSONClientOption {
	return func(c *JSONClient) {
		if strings.TrimSpace(key) != "" {
			c.headers[strings.TrimSpace(key)] = value
		}
	}
}

func NewJSONClient(adapter Adapter, opts ...JSONClientOption) *JSONClient {
	if adapter == nil {
		adapter = NewRESTAdapter(nil)
	}
	client := &JSONClient{
		adapter: adapter,
		headers: map[string]string{"Accept": "application/json"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Do sends req and decodes a successful body into out when out is non nil.
func (c *JSONClient) Do(ctx context.Context, call core.Call, req JSONRequest, out any) (Response, error) {
	headers := make(map[string]string, len(c.headers)+len(req.Headers)+2)
	for key, value := range c.headers {
		headers[key] = value
	}
	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, stageRequest.fail(err, "transport: encode request body", map[string]any{
				"provider":        call.Provider,
				"operation_class": call.OperationClass,
			})
		}
		body = encoded
		headers["Content-Type"] = "application/json"
	}
	if req.Credential != nil && strings.TrimSpace(req.Credential.AccessToken) != "" {
		headers["Authorization"] = authorizationValue(*req.Credential)
	}
	for key, value := range req.Headers {
		headers[key] = value
	}

	res, err := c.adapter.Do(ctx, Request{
		Method:  req.Method,
		URL:     req.Path,
		Query:   req.Query,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return Response{}, err
	}
	// 429s are recorded by the executor when it throttles the key.
	if c.observer != nil && res.StatusCode != http.StatusTooManyRequests {
		// quota tracking is best effort; the provider answer still stands
		_, _ = c.observer.ObserveResponse(ctx, call, ratelimit.ResponseMeta{
			StatusCode: res.StatusCode,
			Headers:    res.Headers,
		})
	}
	if err := c.classifier.Classify(call, protect.Response{
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		Body:       res.Body,
	}); err != nil {
		return res, err
	}
	if out != nil && len(res.Body) > 0 && res.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, &core.UpstreamError{
				Provider:       call.Provider,
				OperationClass: call.OperationClass,
				StatusCode:     res.StatusCode,
				Message:        "malformed response body",
				Cause:          err,
			}
		}
	}
	return res, nil
}

func authorizationValue(credential core.Credential) string {
	tokenType := strings.TrimSpace(credential.TokenType)
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + credential.AccessToken
}
