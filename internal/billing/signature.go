package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>" on every webhook request
const SignatureHeader = "X-Billing-Signature"

func computeSignature(secret, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign builds a signature header value for body at time ts
func Sign(secret, body []byte, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), computeSignature(secret, body, ts.Unix()))
}

// VerifySignature authenticates body against header. Any v1 entry may match, which lets
// the provider roll secrets. Timestamps outside tolerance are rejected to stop replays.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if len(secret) == 0 {
		return &domain.WebhookSignatureError{Reason: "no webhook secret configured"}
	}
	if header == "" {
		return &domain.WebhookSignatureError{Reason: "missing signature header"}
	}

	var (
		timestamp  int64
		haveTime   bool
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return &domain.WebhookSignatureError{Reason: "invalid timestamp"}
			}
			timestamp, haveTime = ts, true
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if !haveTime {
		return &domain.WebhookSignatureError{Reason: "missing timestamp"}
	}
	if len(signatures) == 0 {
		return &domain.WebhookSignatureError{Reason: "missing v1 signature"}
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return &domain.WebhookSignatureError{Reason: "timestamp outside tolerance"}
		}
	}

	expected := []byte(computeSignature(secret, body, timestamp))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return &domain.WebhookSignatureError{Reason: "signature mismatch"}
}
