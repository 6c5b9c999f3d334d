package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSubject = "X-Gantry-Subject"
	HeaderEmail   = "X-Gantry-Email"
	HeaderRoles   = "X-Gantry-Roles"

	HeaderInternalAuthTimestamp = "X-Gantry-Auth-Ts"
	HeaderInternalAuthSignature = "X-Gantry-Auth-Sig"
)

// SignedRequest collects the fields the internal signature covers: the
// request coordinates plus the forwarded identity. The canonical form is
// the newline join of the fields in declaration order, each trimmed, so
// reordering or adding a field breaks every existing signer.
type SignedRequest struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (s SignedRequest) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(s.Timestamp),
		strings.ToUpper(strings.TrimSpace(s.Method)),
		strings.TrimSpace(s.Path),
		strings.TrimSpace(s.RequestID),
		strings.TrimSpace(s.Subject),
		strings.TrimSpace(s.Email),
		strings.TrimSpace(s.Roles),
	}, "\n")
}

// SignInternal computes the HMAC-SHA256 a trusted caller attaches to
// forwarded identity headers, encoded raw-URL base64.
func SignInternal(secret string, req SignedRequest) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(req.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(req.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyInternal recomputes the signature for the request and compares
// it in constant time.
func VerifyInternal(secret string, req SignedRequest, signature string) error {
	expected, err := SignInternal(secret, req)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// CheckTimestampSkew rejects a unix-second timestamp further than
// maxSkew from now. A non-positive maxSkew disables the window check
// but still demands a parseable timestamp.
func CheckTimestampSkew(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	age := now.Sub(time.Unix(parsed, 0).UTC())
	if age > maxSkew || age < -maxSkew {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
