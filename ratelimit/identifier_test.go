package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestForwardedIdentifier(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"first forwarded address", map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1"}, "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Real-IP": "2.2.2.2"}, "1.1.1.1"},
		{"empty forwarded element", map[string]string{"X-Forwarded-For": " , 4.4.4.4", "X-Real-IP": "3.3.3.3"}, "3.3.3.3"},
		{"fallback", nil, UnknownIdentifier},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in/email", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := (ForwardedIdentifier{}).Identify(req); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestForwardedIdentifierCustomFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := (ForwardedIdentifier{Fallback: "anonymous"}).Identify(req); got != "anonymous" {
		t.Fatalf("expected custom fallback, got %q", got)
	}
}

func TestRemoteAddrIdentifierIgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "6.6.6.6")
	if got := (RemoteAddrIdentifier{}).Identify(req); got != "192.0.2.10" {
		t.Fatalf("expected peer address, got %q", got)
	}
}

func TestIdentifierByName(t *testing.T) {
	if _, ok := IdentifierByName("forwarded"); !ok {
		t.Fatalf("expected forwarded policy")
	}
	if id, ok := IdentifierByName("remote"); !ok {
		t.Fatalf("expected remote policy")
	} else if _, isRemote := id.(RemoteAddrIdentifier); !isRemote {
		t.Fatalf("expected RemoteAddrIdentifier, got %T", id)
	}
	if _, ok := IdentifierByName("cloudflare"); ok {
		t.Fatalf("expected unknown policy to be rejected")
	}
}
