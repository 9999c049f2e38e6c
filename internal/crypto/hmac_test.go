package crypto

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHeadersAtDeterministic(t *testing.T) {
	s := NewSigner("key-1", "secret")
	a := s.HeadersAt("POST", "/players/p1/withdraw", `{"amount":"5"}`, 1700000000)
	b := s.HeadersAt("POST", "/players/p1/withdraw", `{"amount":"5"}`, 1700000000)
	if a[HeaderSignature] != b[HeaderSignature] {
		t.Fatal("signature not deterministic")
	}
	if a[HeaderTimestamp] != "1700000000" || a[HeaderKey] != "key-1" {
		t.Fatalf("headers = %v", a)
	}
	c := s.HeadersAt("POST", "/players/p1/withdraw", `{"amount":"6"}`, 1700000000)
	if a[HeaderSignature] == c[HeaderSignature] {
		t.Fatal("body change did not alter signature")
	}
}

func TestSignVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewSigner("k", "secret")
	s.now = func() time.Time { return now }

	body := []byte(`{"amount":"1.50"}`)
	req := httptest.NewRequest("POST", "/players/p1/deposit?x=1", strings.NewReader(string(body)))
	s.Sign(req, body)

	if !s.Verify(req, body, time.Minute) {
		t.Fatal("valid signature rejected")
	}
	if s.Verify(req, []byte(`{"amount":"150"}`), time.Minute) {
		t.Fatal("tampered body accepted")
	}

	other := NewSigner("k", "other")
	other.now = s.now
	if other.Verify(req, body, time.Minute) {
		t.Fatal("wrong secret accepted")
	}

	now = now.Add(2 * time.Minute)
	if s.Verify(req, body, time.Minute) {
		t.Fatal("stale request accepted")
	}
}

func TestStringRedacts(t *testing.T) {
	s := NewSigner("abcdefgh", "supersecret")
	if got := s.String(); strings.Contains(got, "supersecret") || strings.Contains(got, "abcdefgh") {
		t.Fatalf("String leaked credentials: %s", got)
	}
}
