package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("JSS_SET", "real")
	t.Setenv("JSS_EMPTY", "")
	t.Setenv("JSS_A", "alice")
	t.Setenv("JSS_B", "bob")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "path: ${JSS_SET}", "path: real"},
		{"unset", "path: ${JSS_UNSET_12345}", "path: "},
		{"default when unset", "path: ${JSS_UNSET_12345:-node}", "path: node"},
		{"default ignored when set", "path: ${JSS_SET:-node}", "path: real"},
		{"default when empty", "path: ${JSS_EMPTY:-node}", "path: node"},
		{"empty default", "path: ${JSS_UNSET_12345:-}", "path: "},
		{"multiple", "${JSS_A}:${JSS_B}", "alice:bob"},
		{"no vars", "no variables here", "no variables here"},
		{"bare dollar untouched", "cost: $5 and $JSS_SET", "cost: $5 and $JSS_SET"},
		{"nested yaml", "node:\n  env:\n    USER: ${JSS_A}\n", "node:\n  env:\n    USER: alice\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
