package cli

import "testing"

func TestHTTPBaseURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ws://localhost:4180/ws", "http://localhost:4180"},
		{"wss://relay.example.com/ws", "https://relay.example.com"},
		{"ws://10.0.0.5:4180", "http://10.0.0.5:4180"},
		{"ws://host:4180/ws?token=x", "http://host:4180"},
	}
	for _, tc := range cases {
		if got := httpBaseURL(tc.in); got != tc.want {
			t.Errorf("httpBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
