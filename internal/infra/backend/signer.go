package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

const (
	headerAPIKey    = "API-Key"
	headerSignature = "API-Sign"
	headerTimestamp = "API-Timestamp"
)

// Signer authenticates requests to the aggregator backend.
type Signer struct {
	apiKey string
	secret string
	now    func() time.Time
}

// NewSigner creates a Signer for the given API credentials.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: secret, now: time.Now}
}

// Headers returns the authentication headers of a request.
// The signed payload is timestamp + method + requestURI + body.
func (s *Signer) Headers(method, requestURI string, body []byte) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	payload := timestamp + method + requestURI + string(body)

	return map[string]string{
		headerAPIKey:    s.apiKey,
		headerSignature: computeHmacSha256(payload, s.secret),
		headerTimestamp: timestamp,
	}
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
