package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Broker request header names.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
	HeaderSession   = "Authorization"
)

// HMACAuth holds the application credentials used to sign broker API
// requests. The user's session token travels separately.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers returns the signed headers for a broker request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (h *HMACAuth) Headers(method, path, body, session string) map[string]string {
	return h.HeadersAt(method, path, body, session, time.Now().Unix())
}

// HeadersAt is like Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body, session string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	out := map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
	if session != "" {
		out[HeaderSession] = "token " + h.Key + ":" + session
	}
	return out
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// SignWebhook returns the "sha256=<hex>" signature of a webhook body.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook reports whether sig is the signature of body under secret.
// The "sha256=" prefix is optional.
func VerifyWebhook(secret string, body []byte, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	if !strings.HasPrefix(sig, "sha256=") {
		sig = "sha256=" + sig
	}
	return hmac.Equal([]byte(SignWebhook(secret, body)), []byte(strings.ToLower(sig)))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
