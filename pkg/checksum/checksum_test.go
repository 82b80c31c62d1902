package checksum

import (
	"io"
	"strings"
	"testing"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestCalculateSHA256(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"hello", "hello", helloSHA256},
		{"empty seed", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateSHA256(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("CalculateSHA256() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CalculateSHA256(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("read error is propagated", func(t *testing.T) {
		if _, err := CalculateSHA256(errReader{}); err == nil {
			t.Error("CalculateSHA256() expected error from failing reader, got nil")
		}
	})
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		pinned string
		want   bool
	}{
		{"exact", helloSHA256, true},
		{"uppercase pin", strings.ToUpper(helloSHA256), true},
		{"padded pin", "  " + helloSHA256 + "\n", true},
		{"mismatch", strings.Repeat("0", 64), false},
		{"empty pin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(helloSHA256, tt.pinned); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.pinned, got, tt.want)
			}
		})
	}
}

// errReader is an io.Reader that always returns an error.
type errReader struct{}

func (errReader) Read(_ []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
