package oauth

import "testing"

func TestExtractHandlePriority(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		ok      bool
	}{
		{
			name: "oauth profile wins",
			payload: map[string]any{
				"OAuthProfile": map[string]any{"data": map[string]any{"username": "first"}},
				"profile":      map[string]any{"data": map[string]any{"username": "second"}},
				"user":         map[string]any{"username": "third"},
			},
			want: "first", ok: true,
		},
		{
			name: "profile before user",
			payload: map[string]any{
				"profile": map[string]any{"data": map[string]any{"username": "second"}},
				"user":    map[string]any{"username": "third"},
			},
			want: "second", ok: true,
		},
		{
			name:    "users me response",
			payload: map[string]any{"data": map[string]any{"id": "1", "username": "@alice"}},
			want:    "alice", ok: true,
		},
		{
			name:    "user username",
			payload: map[string]any{"user": map[string]any{"username": "third"}},
			want:    "third", ok: true,
		},
		{
			name:    "falls back to squashed display name",
			payload: map[string]any{"user": map[string]any{"name": "Cluster  Protocol Fan"}},
			want:    "clusterprotocolfan", ok: true,
		},
		{
			name:    "wrong types are skipped",
			payload: map[string]any{"profile": "oops", "user": map[string]any{"username": 12, "name": "Bob"}},
			want:    "bob", ok: true,
		},
		{
			name:    "nothing usable",
			payload: map[string]any{"user": map[string]any{"username": "  "}},
			want:    "", ok: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractHandle(tt.payload)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ExtractHandle() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
