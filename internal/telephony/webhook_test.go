package telephony

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func signTwilio(authToken, webhookURL string, form url.Values) string {
	data := webhookURL
	for _, k := range []string{"CallSid", "CallStatus"} {
		for _, v := range form[k] {
			data += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA42"},
		"CallStatus": {"in-progress"},
	}
	webhookURL := "https://bridge.example.com/twiml"
	sig := signTwilio("secret", webhookURL, form)

	if err := VerifySignature("secret", webhookURL, form, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("other-token", webhookURL, form, sig); err == nil {
		t.Fatalf("signature with wrong token accepted")
	}
	if err := VerifySignature("secret", webhookURL, form, ""); err == nil {
		t.Fatalf("empty signature accepted")
	}
	form.Set("CallStatus", "completed")
	if err := VerifySignature("secret", webhookURL, form, sig); err == nil {
		t.Fatalf("tampered form accepted")
	}
}

func TestVerifyEd25519Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	body := []byte(`{"event":"call.ended"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, append([]byte(ts+"|"), body...)))

	if err := VerifyEd25519Signature(pub, ts, body, sig, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyEd25519Signature(pub, ts, []byte("tampered"), sig, now); err == nil {
		t.Fatalf("tampered body accepted")
	}

	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	staleSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, append([]byte(stale+"|"), body...)))
	if err := VerifyEd25519Signature(pub, stale, body, staleSig, now); err == nil {
		t.Fatalf("replayed timestamp accepted")
	}
}
