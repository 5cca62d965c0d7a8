package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in         string
		normalized string
		host       string
		ok         bool
	}{
		{in: "HTTPS://Example.COM:443", normalized: "https://example.com", host: "example.com", ok: true},
		{in: "http://localhost:5173/", normalized: "http://localhost:5173", host: "localhost:5173", ok: true},
		{in: "http://[::1]:8080", normalized: "http://[::1]:8080", host: "[::1]:8080", ok: true},
		{in: "null", normalized: "null", host: "", ok: true},
		{in: "ftp://example.com"},
		{in: "https://example.com/path"},
		{in: "https://example.com/?q=1"},
		{in: "https://user@example.com"},
		{in: "https://example.com/#frag"},
		{in: "https://example.com:0"},
		{in: ""},
	}
	for _, tc := range cases {
		normalized, host, ok := NormalizeHeader(tc.in)
		if ok != tc.ok || normalized != tc.normalized || host != tc.host {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, normalized, host, ok, tc.normalized, tc.host, tc.ok)
		}
	}
}

func TestPolicy(t *testing.T) {
	t.Run("default is same host only", func(t *testing.T) {
		p := NewPolicy(nil)
		if !p.Allows("https://app.example.com", "app.example.com") {
			t.Fatalf("expected same host to be allowed")
		}
		if !p.Allows("https://app.example.com", "app.example.com:443") {
			t.Fatalf("expected default port to be equivalent")
		}
		if p.Allows("https://evil.example.com", "app.example.com") {
			t.Fatalf("expected other host to be rejected")
		}
		if p.Allows("null", "app.example.com") {
			t.Fatalf("expected null origin to be rejected by default")
		}
	})

	t.Run("missing origin is a non-browser client", func(t *testing.T) {
		if !NewPolicy([]string{"https://app.example.com"}).Allows("", "relay.example.com") {
			t.Fatalf("expected missing origin to be allowed")
		}
	})

	t.Run("explicit list and star", func(t *testing.T) {
		p := NewPolicy([]string{"https://app.example.com"})
		if !p.Allows("https://app.example.com", "relay.example.com") {
			t.Fatalf("expected listed origin to be allowed")
		}
		if p.Allows("https://other.example.com", "relay.example.com") {
			t.Fatalf("expected unlisted origin to be rejected")
		}
		if !NewPolicy([]string{"*"}).Allows("https://anything.example", "relay.example.com") {
			t.Fatalf("expected * to allow any origin")
		}
		if p.Allows("not a url", "relay.example.com") {
			t.Fatalf("expected malformed origin to be rejected")
		}
	})
}
