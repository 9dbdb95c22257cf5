package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
)

const CredentialPayloadVersion = 1

// CredentialCodec turns a credential into the plaintext handed to the
// SecretStore and back.
type CredentialCodec interface {
	Version() int
	Encode(credential core.Credential) ([]byte, error)
	Decode(payload []byte) (core.Credential, error)
}

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersion
}

type credentialPayload struct {
	Version      int            `json:"v"`
	TokenType    string         `json:"token_type,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (JSONCredentialCodec) Encode(credential core.Credential) ([]byte, error) {
	payload := credentialPayload{
		Version:      CredentialPayloadVersion,
		TokenType:    strings.TrimSpace(credential.TokenType),
		AccessToken:  strings.TrimSpace(credential.AccessToken),
		RefreshToken: strings.TrimSpace(credential.RefreshToken),
		ExpiresAt:    cloneTime(credential.ExpiresAt),
		Scopes:       core.NormalizeScopes(credential.Scopes),
		Metadata:     copyMetadata(credential.Metadata),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tokens: encode credential: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (core.Credential, error) {
	if len(payload) == 0 {
		return core.Credential{}, fmt.Errorf("tokens: credential payload is empty")
	}
	var decoded credentialPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return core.Credential{}, fmt.Errorf("tokens: decode credential: %w", err)
	}
	if decoded.Version > CredentialPayloadVersion {
		return core.Credential{}, fmt.Errorf("tokens: unsupported credential payload version %d", decoded.Version)
	}
	return core.Credential{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		TokenType:    decoded.TokenType,
		ExpiresAt:    cloneTime(decoded.ExpiresAt),
		Scopes:       decoded.Scopes,
		Metadata:     copyMetadata(decoded.Metadata),
	}, nil
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	clone := value.UTC()
	return &clone
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneCredential(credential core.Credential) core.Credential {
	credential.ExpiresAt = cloneTime(credential.ExpiresAt)
	credential.Scopes = append([]string(nil), credential.Scopes...)
	credential.Metadata = copyMetadata(credential.Metadata)
	return credential
}
