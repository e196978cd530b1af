package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// signatureMaxSkew bounds how stale a signed request may be, guarding
// against replay.
const signatureMaxSkew = 5 * time.Minute

// VerifySignature checks a Slack request signature: v0 HMAC-SHA256 over
// "v0:<timestamp>:<body>" keyed with the signing secret, with the request
// timestamp no more than five minutes from now.
func VerifySignature(signingSecret, timestamp, signature string, body []byte) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
