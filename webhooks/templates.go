package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
)

var (
	ErrSignatureMissing  = errors.New("webhooks: signature header is missing")
	ErrSignatureMismatch = errors.New("webhooks: signature verification failed")
	ErrSignatureExpired  = errors.New("webhooks: signature timestamp outside tolerance")
)

// Verifier authenticates a delivery from its raw body and headers. It must
// not parse the body.
type Verifier interface {
	Verify(ctx context.Context, envelope core.WebhookEnvelope) error
}

type VerifierFunc func(ctx context.Context, envelope core.WebhookEnvelope) error

func (f VerifierFunc) Verify(ctx context.Context, envelope core.WebhookEnvelope) error {
	return f(ctx, envelope)
}

// DeliveryIDExtractor returns the provider delivery id used for dedupe.
type DeliveryIDExtractor func(envelope core.WebhookEnvelope) (string, bool)

// ProviderTemplate bundles how one provider signs, identifies and types its
// deliveries.
type ProviderTemplate struct {
	Provider        string
	Verifier        Verifier
	Extractor       DeliveryIDExtractor
	EventTypeHeader string
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, envelope core.WebhookEnvelope) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is not configured")
	}
	header := strings.TrimSpace(envelope.Header(v.Header))
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("%w: %s", ErrSignatureMissing, strings.TrimSpace(v.Header))
	}
	decoded, err := decodeSignature(signature, v.Encoding)
	if err != nil {
		return err
	}
	if !hmac.Equal(decoded, sign(secret, envelope.RawBody)) {
		return ErrSignatureMismatch
	}
	return nil
}

type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, envelope core.WebhookEnvelope) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is not configured")
	}
	actual := strings.TrimSpace(envelope.Header(v.Header))
	if actual == "" {
		return fmt.Errorf("%w: %s", ErrSignatureMissing, strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// TimestampedHMACVerifier checks signatures of the form "t=<unix>,v1=<hex>"
// computed over "<unix>.<body>", rejecting timestamps outside Tolerance.
type TimestampedHMACVerifier struct {
	Header    string
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v TimestampedHMACVerifier) Verify(_ context.Context, envelope core.WebhookEnvelope) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is not configured")
	}
	header := strings.TrimSpace(envelope.Header(v.Header))
	if header == "" {
		return fmt.Errorf("%w: %s", ErrSignatureMissing, strings.TrimSpace(v.Header))
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed %s", ErrSignatureMissing, strings.TrimSpace(v.Header))
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	signedAt := time.Unix(unix, 0).UTC()
	if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
		return ErrSignatureExpired
	}

	payload := make([]byte, 0, len(timestamp)+1+len(envelope.RawBody))
	payload = append(payload, timestamp...)
	payload = append(payload, '.')
	payload = append(payload, envelope.RawBody...)
	expected := sign(secret, payload)
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func decodeSignature(signature, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature is not base64", ErrSignatureMismatch)
		}
		return decoded, nil
	default:
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			return nil, fmt.Errorf("%w: signature is not hex", ErrSignatureMismatch)
		}
		return decoded, nil
	}
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(envelope core.WebhookEnvelope) (string, bool) {
		for _, key := range keys {
			if value := strings.TrimSpace(envelope.Header(key)); value != "" {
				return value, true
			}
		}
		return "", false
	}
}

// DefaultDeliveryID looks for a delivery id in metadata and common headers,
// falling back to a digest of the raw body so identical redeliveries dedupe.
func DefaultDeliveryID(envelope core.WebhookEnvelope) string {
	for _, key := range []string{"delivery_id", "message_id"} {
		if value, ok := envelope.Metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	for _, key := range []string{"X-Delivery-Id", "X-GitHub-Delivery", "X-Shopify-Webhook-Id", "X-Request-Id"} {
		if value := strings.TrimSpace(envelope.Header(key)); value != "" {
			return value
		}
	}
	digest := sha256.Sum256(envelope.RawBody)
	return "sha256:" + hex.EncodeToString(digest[:])
}

func NewHMACTemplate(provider, header, secret string) ProviderTemplate {
	return ProviderTemplate{
		Provider: provider,
		Verifier: HeaderHMACVerifier{
			Header:   header,
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor:       HeaderDeliveryIDExtractor("X-Delivery-Id", "X-Request-Id"),
		EventTypeHeader: "X-Event-Type",
	}
}

func NewShopifyTemplate(secret string) ProviderTemplate {
	return ProviderTemplate{
		Provider: "shopify",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Shopify-Hmac-Sha256",
			Secret:   strings.TrimSpace(secret),
			Encoding: "base64",
		},
		Extractor:       HeaderDeliveryIDExtractor("X-Shopify-Webhook-Id", "X-Shopify-Event-Id"),
		EventTypeHeader: "X-Shopify-Topic",
	}
}

func NewGitHubTemplate(secret string) ProviderTemplate {
	return ProviderTemplate{
		Provider: "github",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor:       HeaderDeliveryIDExtractor("X-GitHub-Delivery"),
		EventTypeHeader: "X-GitHub-Event",
	}
}

func NewMetaTemplate(secret string) ProviderTemplate {
	return ProviderTemplate{
		Provider: "meta",
		Verifier: HeaderHMACVerifier{
			Header:   "X-Hub-Signature-256",
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Extractor: HeaderDeliveryIDExtractor("X-Meta-Delivery-Id"),
	}
}

func NewStripeTemplate(secret string) ProviderTemplate {
	return ProviderTemplate{
		Provider: "stripe",
		Verifier: TimestampedHMACVerifier{
			Header: "Stripe-Signature",
			Secret: strings.TrimSpace(secret),
		},
	}
}

func NewGoogleTemplate(channelToken string) ProviderTemplate {
	return ProviderTemplate{
		Provider: "google",
		Verifier: HeaderTokenVerifier{
			Header: "X-Goog-Channel-Token",
			Token:  strings.TrimSpace(channelToken),
		},
		Extractor:       HeaderDeliveryIDExtractor("X-Goog-Message-Number"),
		EventTypeHeader: "X-Goog-Resource-State",
	}
}
