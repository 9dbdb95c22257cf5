package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 10 << 20 // 10 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type RESTAdapter struct {
	Client               HTTPDoer
	BaseURL              string
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

// NewRESTAdapter uses a default client when client is nil, including a nil
// *http.Client.
func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if hc, ok := client.(*http.Client); client == nil || (ok && hc == nil) {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
	}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req Request) (Response, error) {
	if a == nil || a.Client == nil {
		return Response{}, stageSetup.fail(nil, "transport: rest adapter requires an http client", map[string]any{
			"adapter": KindREST,
		})
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := a.resolveURL(req.URL)
	if err != nil {
		return Response{}, stageRequest.fail(err, "transport: invalid request url", map[string]any{
			"adapter": KindREST,
			"url":     strings.TrimSpace(req.URL),
		})
	}
	if parsedURL.Host == "" {
		return Response{}, stageRequest.fail(nil, "transport: request url must be absolute", map[string]any{
			"adapter": KindREST,
			"url":     parsedURL.String(),
		})
	}

	if len(req.Query) > 0 {
		query := parsedURL.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				query.Set(key, strings.TrimSpace(value))
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	requestCtx, cancel := withOptionalTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, stageRequest.fail(err, "transport: create http request", map[string]any{
			"adapter": KindREST,
			"method":  method,
			"url":     redactedURL(parsedURL),
		})
	}
	setHeaders(httpReq.Header, a.DefaultHeaders)
	setHeaders(httpReq.Header, req.Headers)

	startedAt := time.Now().UTC()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return Response{}, stageExchange.fail(err, "transport: execute http request", map[string]any{
			"adapter": KindREST,
			"method":  method,
			"url":     redactedURL(parsedURL),
		})
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return Response{}, stageResponse.fail(err, "transport: read response body", map[string]any{
			"adapter":     KindREST,
			"status_code": httpRes.StatusCode,
		})
	}
	if int64(len(body)) > maxBodyBytes {
		return Response{}, stageResponse.fail(nil, fmt.Sprintf("transport: response body exceeds limit of %d bytes", maxBodyBytes), map[string]any{
			"adapter":          KindREST,
			"status_code":      httpRes.StatusCode,
			"response_limit_b": maxBodyBytes,
		})
	}

	return Response{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Duration:   time.Since(startedAt),
	}, nil
}

func (a *RESTAdapter) resolveURL(raw string) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	base := strings.TrimSpace(a.BaseURL)
	if base == "" || target.IsAbs() {
		return target, nil
	}
	baseURL, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return nil, err
	}
	target.Path = strings.TrimLeft(target.Path, "/")
	return baseURL.ResolveReference(target), nil
}

func redactedURL(u *url.URL) string {
	clone := *u
	clone.RawQuery = ""
	clone.User = nil
	return clone.String()
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultRESTResponseBodyLimit
}

var _ Adapter = (*RESTAdapter)(nil)

func setHeaders(target http.Header, values map[string]string) {
	for key, value := range values {
		if key = strings.TrimSpace(key); key != "" {
			target.Set(key, strings.TrimSpace(value))
		}
	}
}

// withOptionalTimeout bounds only this request; the executor owns the call
// deadline.
func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
