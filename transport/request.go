package transport

import (
	"context"
	"time"
)

// Request is one provider HTTP exchange. URL may be relative when the adapter
// carries a base URL.
type Request struct {
	Method               string
	URL                  string
	Query                map[string]string
	Headers              map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Duration   time.Duration
}

type Adapter interface {
	Kind() string
	Do(ctx context.Context, req Request) (Response, error)
}
