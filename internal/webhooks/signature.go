package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in signature headers.
const SignaturePrefix = "sha256="

// VerifyHMAC checks an HMAC-SHA256 signature header ("sha256=<hex>") over the
// raw body using the shared secret. An empty secret never verifies.
func VerifyHMAC(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// SignHMAC returns the "sha256=<lowercase hex>" header value for body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
