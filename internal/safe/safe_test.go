package safe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPath(t *testing.T) {
	tests := []struct {
		base, input string
		want        string
		wantErr     bool
	}{
		{"/etc/flagswap", "assets/mine.png", "/etc/flagswap/assets/mine.png", false},
		{"/etc/flagswap", "../passwd", "", true},
		{"/etc/flagswap", "a/../../b", "", true},
		{"/etc/flagswap", "/srv/flags/x.svg", "/srv/flags/x.svg", false},
	}
	for _, tt := range tests {
		got, err := Path(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Path(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Path(%q, %q) = %q, want %q", tt.base, tt.input, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://www.hltv.org", false},
		{"http://127.0.0.1:8081", false},
		{"ftp://www.hltv.org", true},
		{"javascript:alert(1)", true},
		{"https://", true},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"pirate", "white-blue-white", "my_flag.v2"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a b", "x/y", strings.Repeat("a", 65)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("%q: want error", bad)
		}
	}
}

func TestValidateToken(t *testing.T) {
	if err := ValidateToken("short"); !errors.Is(err, ErrTokenTooShort) {
		t.Errorf("got %v", err)
	}
	if err := ValidateToken(strings.Repeat("x", MinTokenLen)); err != nil {
		t.Errorf("got %v", err)
	}
}

func TestReadFile_Limit(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(p, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(p, 4); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
	data, err := ReadFile(p, 10)
	if err != nil || string(data) != "0123456789" {
		t.Errorf("got %q, %v", data, err)
	}
}
