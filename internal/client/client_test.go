package client

import "testing"

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws"},
		{"https://chat.example.com/", "wss://chat.example.com/ws"},
	}
	for _, tt := range tests {
		if got := websocketURL(tt.baseURL); got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.baseURL, got, tt.want)
		}
	}
}
