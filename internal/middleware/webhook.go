package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// Header names checked by IntakeAuth.
const (
	HeaderIntakeSignature = "X-Signature-256"
	HeaderIntakeToken     = "X-Webhook-Token"
)

const maxIntakeBody = 256 << 10 // 256 KB

// IntakeAuth guards the inbound intake endpoint. When secret is set the body
// must carry a valid HMAC-SHA256 signature; otherwise, when token is set, a
// static token header must match. With neither configured requests pass.
func IntakeAuth(token, secret string) func(http.Handler) http.Handler {
	switch {
	case secret != "":
		return WebhookHMAC(secret, HeaderIntakeSignature)
	case token != "":
		return WebhookToken(token, HeaderIntakeToken)
	default:
		return func(next http.Handler) http.Handler { return next }
	}
}

// IntakeAuthFunc is IntakeAuth with credentials resolved on every request,
// so rotated credentials apply without rebuilding the router.
func IntakeAuthFunc(creds func() (token, secret string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, secret := creds()
			IntakeAuth(token, secret)(next).ServeHTTP(w, r)
		})
	}
}

// WebhookHMAC returns middleware that validates HMAC-SHA256 signatures over
// the raw request body. The header parameter names the signature header.
func WebhookHMAC(secret, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(header)
			if sig == "" {
				http.Error(w, "missing webhook signature", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIntakeBody+1))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxIntakeBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, secret) {
				http.Error(w, "invalid webhook signature", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifyHMAC checks an HMAC-SHA256 signature. Supports both raw hex and
// "sha256=<hex>" prefix formats.
func verifyHMAC(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(signature, "sha256=")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// WebhookToken returns middleware that validates a static token header.
func WebhookToken(token, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "invalid intake token", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
