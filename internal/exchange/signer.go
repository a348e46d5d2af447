package exchange

import (
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the double-SHA256 request signature scheme used by most
// HMAC-over-nonce linear-perp APIs: sha256(sha256(nonce+ts+apiKey) + secret).
func sign(secret, nonce, apiKey, ts string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}
