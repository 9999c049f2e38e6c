// Package crypto signs outbound requests to the accounts service.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names set by Signer.
const (
	HeaderKey       = "X-Market-Key"
	HeaderTimestamp = "X-Market-Timestamp"
	HeaderSignature = "X-Market-Signature"
)

// Signer holds the shared credentials for HMAC-authenticated requests.
type Signer struct {
	Key    string
	Secret string
	now    func() time.Time
}

// NewSigner returns a Signer for key and secret.
func NewSigner(key, secret string) *Signer {
	return &Signer{Key: key, Secret: secret, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	return s != nil && s.Secret != ""
}

// Headers returns the authentication headers for a request. The signature
// is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (s *Signer) Headers(method, path, body string) map[string]string {
	return s.HeadersAt(method, path, body, s.now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (s *Signer) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       s.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(s.Secret), ts+method+path+body),
	}
}

// Sign sets the authentication headers on req. body must be the exact bytes
// sent as the request body.
func (s *Signer) Sign(req *http.Request, body []byte) {
	for k, v := range s.Headers(req.Method, req.URL.RequestURI(), string(body)) {
		req.Header.Set(k, v)
	}
}

// Verify checks the signature headers on a received request. Requests
// older than maxSkew are rejected.
func (s *Signer) Verify(req *http.Request, body []byte, maxSkew time.Duration) bool {
	ts := req.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := s.now().Sub(time.Unix(unix, 0)); d > maxSkew || d < -maxSkew {
		return false
	}
	want := hmacSHA256Base64([]byte(s.Secret), ts+req.Method+req.URL.RequestURI()+string(body))
	return hmac.Equal([]byte(want), []byte(req.Header.Get(HeaderSignature)))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *Signer) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("Signer{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}
