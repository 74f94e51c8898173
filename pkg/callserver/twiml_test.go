package callserver

import (
	"strings"
	"testing"
)

func TestStreamTwiML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		pause int
		want  string
	}{
		{
			name:  "with pause",
			pause: 40,
			want:  `<Response><Connect><Stream url="wss://host/ws/media/c1"></Stream></Connect><Pause length="40"></Pause></Response>`,
		},
		{
			name:  "without pause",
			pause: 0,
			want:  `<Response><Connect><Stream url="wss://host/ws/media/c1"></Stream></Connect></Response>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := StreamTwiML("wss://host/ws/media/c1", tt.pause)
			if err != nil {
				t.Fatal(err)
			}
			got := string(body)
			if !strings.HasPrefix(got, `<?xml version="1.0" encoding="UTF-8"?>`) {
				t.Fatalf("missing XML header: %s", got)
			}
			if !strings.HasSuffix(got, tt.want) {
				t.Fatalf("TwiML = %s\nwant suffix %s", got, tt.want)
			}
		})
	}
}
