package notification

import "testing"

func TestResolveSenderID(t *testing.T) {
	tests := []struct {
		address string
		want    int
	}{
		{"room@x/42", 42},
		{"room@x/abc", 0},
		{"room@x/", 0},
		{"", 0},
		{"42", 42},
		{"room@x", 0},
		{"a/b/7", 7},
		{"room@x/-3", -3},
		{"room@x/+5", 5},
		{"room@x/0", 0},
		{"1234-56@chat.example.com/1234", 1234},
	}

	for _, tt := range tests {
		if got := ResolveSenderID(tt.address); got != tt.want {
			t.Errorf("ResolveSenderID(%q) = %d, want %d", tt.address, got, tt.want)
		}
	}
}
