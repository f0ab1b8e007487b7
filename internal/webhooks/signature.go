package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SignatureHeader carries the payload HMAC on outbound deliveries.
const SignatureHeader = "Livepeer-Signature"

// SignHMAC returns lowercase hex of HMAC-SHA256 over the exact body bytes.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// SignatureHeaderValue formats the signature header: the send timestamp in
// unix millis plus the v1 scheme signature.
func SignatureHeaderValue(unixMillis int64, signature string) string {
	return fmt.Sprintf("t=%d,v1=%s", unixMillis, signature)
}

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body. Receivers use
// this to validate the signature header; tests use it to check our own.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}
