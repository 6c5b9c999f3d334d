package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// Signature headers for webhook-style requests, inbound and outbound.
const (
	HeaderSignatureTimestamp = "X-Gantry-CI-Ts"
	HeaderSignature          = "X-Gantry-CI-Sig"
)

func computeWebhookMAC(secret string, ts string, method string, body []byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return nil, errors.New("timestamp is required")
	}

	sum := sha256.Sum256(body)
	msg := strings.Join([]string{
		ts,
		strings.ToUpper(strings.TrimSpace(method)),
		hex.EncodeToString(sum[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// ComputeWebhookSignature signs a timestamped request body.
func ComputeWebhookSignature(secret string, ts string, method string, body []byte) (string, error) {
	mac, err := computeWebhookMAC(secret, ts, method, body)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

// VerifyWebhookSignature checks a signature produced by
// ComputeWebhookSignature. Timestamp freshness is verified separately
// with CheckTimestampSkew.
func VerifyWebhookSignature(secret string, ts string, method string, body []byte, signature string) error {
	expected, err := computeWebhookMAC(secret, ts, method, body)
	if err != nil {
		return err
	}
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !hmac.Equal(expected, got) {
		return errors.New("invalid signature")
	}
	return nil
}
