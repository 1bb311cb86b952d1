package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	SignatureHeader = "X-Aggregator-Signature"
	TimestampHeader = "X-Aggregator-Timestamp"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// secretPayload is the JSON shape stored in SSM for the signing secret.
type secretPayload struct {
	Secret string `json:"secret"`
}

// LoadSigningSecret reads the webhook signing secret from the parameter store.
func LoadSigningSecret(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("webhook: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("webhook: secret parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("webhook: fetch signing secret: %w", err)
	}
	var sp secretPayload
	if err := json.Unmarshal([]byte(raw), &sp); err != nil {
		return "", fmt.Errorf("webhook: unmarshal signing secret as JSON: %w", err)
	}
	if sp.Secret == "" {
		return "", errors.New("webhook: signing secret is empty")
	}
	return sp.Secret, nil
}

// Sign returns the signature header value for body sent at unix second ts.
// Receivers recompute it over "<ts>.<body>" and compare with hmac.Equal.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WithSigningSecret signs every request body. An empty secret disables signing.
func WithSigningSecret(secret string) Option {
	return func(c *Client) {
		c.secret = secret
	}
}
