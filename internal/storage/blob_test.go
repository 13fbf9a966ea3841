package storage

import "testing"

func TestSafeObjectKey(t *testing.T) {
	cases := []struct {
		name    string
		prefix  string
		key     string
		want    string
		wantErr bool
	}{
		{name: "plain", prefix: "attachments", key: "1/tok/a.png", want: "attachments/1/tok/a.png"},
		{name: "no prefix", prefix: "", key: "a.png", want: "a.png"},
		{name: "leading slash stripped", prefix: "attachments", key: "/a.png", want: "attachments/a.png"},
		{name: "double slashes collapsed", prefix: "attachments/", key: "1//a.png", want: "attachments/1/a.png"},
		{name: "traversal rejected", prefix: "attachments", key: "../etc/passwd", wantErr: true},
		{name: "backslash rejected", prefix: "attachments", key: "a\\b.png", wantErr: true},
		{name: "empty rejected", prefix: "attachments", key: "   ", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SafeObjectKey(tc.prefix, tc.key)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
