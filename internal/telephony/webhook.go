package telephony

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// MaxSignatureClockSkew bounds how old or far in the future a signed webhook
// timestamp may be before it is rejected as a replay.
const MaxSignatureClockSkew = 5 * time.Minute

// VerifySignature validates a Twilio webhook signature: HMAC-SHA1 over the
// request URL concatenated with the form parameters sorted by name, base64
// encoded and compared in constant time against the X-Twilio-Signature header.
func VerifySignature(authToken, webhookURL string, form url.Values, signature string) error {
	if signature == "" {
		return fmt.Errorf("missing signature")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}

	data := webhookURL
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyEd25519Signature validates the alternate provider scheme: Ed25519
// over "timestamp|body" with the unix timestamp required to be within
// MaxSignatureClockSkew of now.
func VerifyEd25519Signature(publicKey ed25519.PublicKey, timestamp string, body []byte, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > MaxSignatureClockSkew || skew < -MaxSignatureClockSkew {
		return fmt.Errorf("timestamp outside allowed window")
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}
	signed := append([]byte(timestamp+"|"), body...)
	if !ed25519.Verify(publicKey, signed, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
