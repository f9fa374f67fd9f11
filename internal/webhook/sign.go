package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const (
	HeaderTimestamp  = "X-Webhook-Ts"
	HeaderEvent      = "X-Webhook-Event"
	HeaderSignature  = "X-Webhook-Sign"
	HeaderDeliveryID = "X-Delivery-ID"
	UserAgent        = "walletcore-webhooks/1.0"
)

// Sign returns hex HMAC-SHA256(secret, ts + event + body).
func Sign(secret, ts, event string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(event))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, ts, event string, body []byte, signature string) bool {
	expected := Sign(secret, ts, event, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
