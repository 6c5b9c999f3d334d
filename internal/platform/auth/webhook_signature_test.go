package auth

import (
	"net/http"
	"testing"
)

func TestWebhookSignature_Verify(t *testing.T) {
	secret := "hook-secret"
	ts := "1755000000"
	body := []byte(`{"event":"push","ref":"refs/tags/v1.0"}`)

	sig, err := ComputeWebhookSignature(secret, ts, http.MethodPost, body)
	if err != nil {
		t.Fatalf("ComputeWebhookSignature() err=%v", err)
	}
	if err := VerifyWebhookSignature(secret, ts, http.MethodPost, body, sig); err != nil {
		t.Fatalf("VerifyWebhookSignature() err=%v", err)
	}
	if err := VerifyWebhookSignature(secret, ts, http.MethodPost, []byte(`{"event":"push"}`), sig); err == nil {
		t.Fatalf("expected verification to fail when body changes")
	}
	if err := VerifyWebhookSignature(secret, "1755000001", http.MethodPost, body, sig); err == nil {
		t.Fatalf("expected verification to fail when timestamp changes")
	}
	if err := VerifyWebhookSignature("other-secret", ts, http.MethodPost, body, sig); err == nil {
		t.Fatalf("expected verification to fail when secret changes")
	}
	if err := VerifyWebhookSignature(secret, ts, http.MethodPost, body, "!!not-base64!!"); err == nil {
		t.Fatalf("expected verification to fail on malformed encoding")
	}
}

func TestWebhookSignature_RequiresSecret(t *testing.T) {
	if _, err := ComputeWebhookSignature("  ", "1755000000", http.MethodPost, nil); err == nil {
		t.Fatalf("expected blank secret to be rejected")
	}
}
