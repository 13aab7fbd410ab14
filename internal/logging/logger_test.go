package logging

import "testing"

func TestNewPrefix(t *testing.T) {
	cases := []struct {
		component string
		want      string
	}{
		{"WORKER", "[WORKER] "},
		{"relay", "[RELAY] "},
		{"  queue  ", "[QUEUE] "},
		{"", "[PULSEWATCH] "},
	}
	for _, tc := range cases {
		if got := New(tc.component).Prefix(); got != tc.want {
			t.Errorf("New(%q).Prefix() = %q, want %q", tc.component, got, tc.want)
		}
	}
}
