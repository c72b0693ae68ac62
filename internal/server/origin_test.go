package server

import (
	"net/http"
	"testing"
)

func requestWithOrigin(t *testing.T, origin string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/ws", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestOriginPolicyAllowList(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:4001", "https://Tracker.Example.com"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true}, // native clients send no Origin header
		{"http://localhost:4001", true},
		{"HTTP://LOCALHOST:4001", true},
		{"https://tracker.example.com", true},
		{"http://evil.example.com", false},
		{"https://localhost:4001", false}, // scheme is part of the origin
		{"not a url", false},
	}
	for _, tc := range cases {
		if got := policy.checkOrigin(requestWithOrigin(t, tc.origin)); got != tc.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"})

	for _, origin := range []string{"", "http://anywhere.example.com", "https://localhost"} {
		if !policy.checkOrigin(requestWithOrigin(t, origin)) {
			t.Errorf("checkOrigin(%q) = false with wildcard policy", origin)
		}
	}
}

func TestOriginPolicySkipsInvalidConfigEntries(t *testing.T) {
	policy := newOriginPolicy([]string{"", "   ", "no-scheme", "http://ok.example.com"})

	if !policy.checkOrigin(requestWithOrigin(t, "http://ok.example.com")) {
		t.Error("valid configured origin was not allowed")
	}
	if policy.checkOrigin(requestWithOrigin(t, "http://no-scheme")) {
		t.Error("invalid config entry became an allowed origin")
	}
}
