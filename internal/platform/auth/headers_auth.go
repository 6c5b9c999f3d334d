package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ProxyHeadersAuthenticator trusts identity headers set by a fronting proxy,
// provided they carry a valid internal HMAC signature.
type ProxyHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
}

func NewProxyHeadersAuthenticator(secret string) (*ProxyHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("GANTRY_INTERNAL_AUTH_SECRET is required")
	}
	return &ProxyHeadersAuthenticator{
		Secret:  secret,
		MaxSkew: 5 * time.Minute,
	}, nil
}

func (a *ProxyHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	signed, sig := signedRequestFromHeaders(r)
	if signed.Subject == "" || signed.Timestamp == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	if err := CheckTimestampSkew(signed.Timestamp, time.Now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	if err := VerifyInternal(a.Secret, signed, sig); err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject: signed.Subject,
		Email:   signed.Email,
		Roles:   parseCSV(signed.Roles),
	}, nil
}

// signedRequestFromHeaders reconstructs the tuple the proxy signed, so
// verification covers every field the handler will later trust.
func signedRequestFromHeaders(r *http.Request) (SignedRequest, string) {
	header := func(name string) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
	signed := SignedRequest{
		Timestamp: header(HeaderInternalAuthTimestamp),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   header(HeaderSubject),
		Email:     header(HeaderEmail),
		Roles:     header(HeaderRoles),
	}
	return signed, header(HeaderInternalAuthSignature)
}
