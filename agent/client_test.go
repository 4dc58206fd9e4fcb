package main

import "testing"

func TestWSURL(t *testing.T) {
	tests := []struct {
		relay   string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:3000", "ws://127.0.0.1:3000/ws", false},
		{"https://relay.example.com/", "wss://relay.example.com/ws", false},
		{"https://relay.example.com/drop", "wss://relay.example.com/drop/ws", false},
		{"ws://localhost:3000", "ws://localhost:3000/ws", false},
		{"ftp://localhost", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.relay, func(t *testing.T) {
			got, err := wsURL(tt.relay)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wsURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("wsURL() = %s, want %s", got, tt.want)
			}
		})
	}
}
