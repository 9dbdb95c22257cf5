package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integrations/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Key scopes rate-limit state to one provider operation class.
type Key struct {
	Provider       string
	OperationClass string
}

func KeyFor(call core.Call) Key {
	return normalizeKey(Key{Provider: call.Provider, OperationClass: call.OperationClass})
}

func (k Key) Normalized() Key {
	return normalizeKey(k)
}

func (k Key) String() string {
	k = normalizeKey(k)
	return k.Provider + "/" + k.OperationClass
}

type State struct {
	Key            Key
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

func (s State) Info() core.RateLimitInfo {
	return core.RateLimitInfo{Limit: s.Limit, Remaining: s.Remaining, ResetAt: s.ResetAt}
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ResponseMeta is the part of a provider response the policy inspects.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

// Policy suppresses calls for keys the provider has throttled and backs off
// exponentially when throttling repeats without a retry hint.
type Policy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewPolicy(store StateStore) *Policy {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &Policy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

// BeforeCall returns a suppressed RateLimitError while key is throttled.
func (p *Policy) BeforeCall(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return suppressedError(key, until.Sub(now), state.Info())
	}
	return nil
}

// AfterResponse records quota headers from a provider response. A 429, or a
// response whose remaining header reads zero, throttles the key until its
// reset time.
func (p *Policy) AfterResponse(ctx context.Context, key Key, res ResponseMeta) (core.RateLimitInfo, error) {
	if p == nil || p.Store == nil {
		return core.RateLimitInfo{}, nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.load(ctx, key)
	if err != nil {
		return core.RateLimitInfo{}, err
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = mergeMetadata(state.Metadata, res.Metadata)

	info, _ := InfoFromHeaders(res.Headers)
	if info.Limit > 0 {
		state.Limit = info.Limit
	}
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	if hasRemaining {
		state.Remaining = remaining
	}
	exhausted := hasRemaining && remaining <= 0
	if info.ResetAt != nil {
		state.ResetAt = info.ResetAt
	}

	retryAfter, hasRetryAfter := retryAfterFrom(res, now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if res.StatusCode == http.StatusTooManyRequests || (res.StatusCode < 500 && exhausted) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.delayUntilReset(state, now)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return state.Info(), p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return state.Info(), p.Store.Upsert(ctx, state)
}

// Throttle suppresses key after a rate-limited call and returns the effective
// delay. A zero retryAfter falls back to exponential backoff.
func (p *Policy) Throttle(ctx context.Context, key Key, retryAfter time.Duration, info core.RateLimitInfo) (time.Duration, error) {
	if p == nil || p.Store == nil {
		return retryAfter, nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.load(ctx, key)
	if err != nil {
		return retryAfter, err
	}
	state.Attempts++
	state.LastStatus = http.StatusTooManyRequests
	state.UpdatedAt = now
	if info.Limit > 0 {
		state.Limit = info.Limit
		state.Remaining = info.Remaining
	}
	if info.ResetAt != nil {
		state.ResetAt = info.ResetAt
	}
	delay := retryAfter
	if delay <= 0 {
		delay = p.delayUntilReset(state, now)
		state.RetryAfter = nil
	} else {
		state.RetryAfter = &delay
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return delay, p.Store.Upsert(ctx, state)
}

func (p *Policy) State(ctx context.Context, key Key) (State, error) {
	if p == nil || p.Store == nil {
		return State{}, ErrStateNotFound
	}
	return p.Store.Get(ctx, normalizeKey(key))
}

func (p *Policy) load(ctx context.Context, key Key) (State, error) {
	state, err := p.Store.Get(ctx, key)
	if errors.Is(err, ErrStateNotFound) {
		return State{Key: key}, nil
	}
	if err != nil {
		return State{}, err
	}
	return state, nil
}

func (p *Policy) delayUntilReset(state State, now time.Time) time.Duration {
	if state.ResetAt != nil && state.ResetAt.After(now) {
		return state.ResetAt.Sub(now)
	}
	return p.nextBackoff(state.Attempts)
}

func (p *Policy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Policy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = p.defaultRetryHint()
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

func (p *Policy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

func suppressedError(key Key, retryAfter time.Duration, info core.RateLimitInfo) error {
	return &core.RateLimitError{
		Provider:       key.Provider,
		OperationClass: key.OperationClass,
		RetryAfter:     retryAfter,
		Info:           info,
		Suppressed:     true,
	}
}

// ParseRetryAfter reads a Retry-After header holding either delay seconds or
// an HTTP date.
func ParseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

// InfoFromHeaders reads the X-RateLimit-Limit/Remaining/Reset family. The
// reset header is a unix timestamp.
func InfoFromHeaders(headers map[string]string) (core.RateLimitInfo, bool) {
	var info core.RateLimitInfo
	found := false
	if limit, ok := parseHeaderInt(headers, "x-ratelimit-limit"); ok {
		info.Limit = limit
		found = true
	}
	if remaining, ok := parseHeaderInt(headers, "x-ratelimit-remaining"); ok {
		info.Remaining = remaining
		found = true
	}
	if resetAt, ok := parseHeaderResetAt(headers); ok {
		info.ResetAt = &resetAt
		found = true
	}
	return info, found
}

func retryAfterFrom(res ResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	return ParseRetryAfter(res.Headers, now)
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func httpDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if parsed, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("ratelimit: invalid http date %q", value)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key Key) Key {
	return Key{
		Provider:       strings.TrimSpace(strings.ToLower(key.Provider)),
		OperationClass: core.NormalizeOperationClass(key.OperationClass),
	}
}

func mergeMetadata(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for key, value := range existing {
		out[key] = value
	}
	for key, value := range incoming {
		out[key] = value
	}
	return out
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[Key]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[Key]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeKey(key)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = mergeMetadata(state.Metadata, nil)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	state.Key = normalizeKey(state.Key)
	state.Metadata = mergeMetadata(state.Metadata, nil)
	s.mu.Lock()
	s.items[state.Key] = state
	s.mu.Unlock()
	return nil
}
