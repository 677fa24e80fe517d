// Package envelope decodes backend response bodies whose envelope shape is
// not firmly fixed: some deployments wrap payloads in {"data": ...}, some
// return the payload flat, and token fields appear as either "accessToken"
// or the legacy "token".
package envelope

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Unmarshal decodes body into v, unwrapping a {"data": ...} envelope when
// one is present and falling back to the flat body otherwise.
func Unmarshal(body []byte, v any) error {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && isObject(wrapped.Data) {
		if err := json.Unmarshal(wrapped.Data, v); err == nil {
			return nil
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "[envelope.Unmarshal] decode body")
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// TokenPayload is the token portion of login, verify and refresh responses.
type TokenPayload struct {
	AccessToken  string          `json:"accessToken"`
	LegacyToken  string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user,omitempty"`
}

// Access returns the access token regardless of which field name the
// backend used.
func (p TokenPayload) Access() string {
	if p.AccessToken != "" {
		return p.AccessToken
	}
	return p.LegacyToken
}

// DecodeTokenPayload decodes a token-bearing response body, tolerating both
// envelope shapes.
func DecodeTokenPayload(body []byte) (TokenPayload, error) {
	var payload TokenPayload
	if err := Unmarshal(body, &payload); err != nil {
		return TokenPayload{}, errors.Wrap(err, "[envelope.DecodeTokenPayload] unmarshal")
	}
	return payload, nil
}
