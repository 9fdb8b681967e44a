// Package safe holds the input guards applied to operator-supplied values:
// identifiers, file paths, upstream URLs, control tokens, and bounded file
// reads.
package safe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// MinTokenLen is the shortest accepted control token.
const MinTokenLen = 16

var (
	// ErrPathTraversal is returned when a relative path escapes its base.
	ErrPathTraversal = errors.New("safe: path traversal detected")
	// ErrUnsafeScheme is returned for URLs that are not http or https.
	ErrUnsafeScheme = errors.New("safe: only http and https schemes are allowed")
	// ErrTokenTooShort is returned for tokens under MinTokenLen bytes.
	ErrTokenTooShort = fmt.Errorf("safe: token must be at least %d bytes", MinTokenLen)
	// ErrTooLarge is returned when a bounded read hits its limit.
	ErrTooLarge = errors.New("safe: input too large")
)

// Path resolves p against base, "" meaning the working directory.
// Absolute paths are returned cleaned; relative ones must stay under base.
func Path(base, p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	if strings.Contains(p, "..") {
		return "", ErrPathTraversal
	}
	b, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("safe: %w", err)
	}
	cleaned := filepath.Join(b, filepath.Clean("/"+p))
	if cleaned != b && !strings.HasPrefix(cleaned, b+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// ValidateURL checks that raw is an absolute http or https URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("safe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("safe: URL %q has no host", raw)
	}
	return nil
}

// ValidateIdentifier accepts ASCII letters, digits, underscore, hyphen and
// dot, up to 64 bytes. Asset ids travel in URL paths and tool arguments.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("safe: identifier must not be empty")
	}
	if len(s) > 64 {
		return errors.New("safe: identifier too long (max 64)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safe: invalid character %q in identifier %q", r, s)
		}
	}
	return nil
}

// ValidateToken checks the length of a control token.
func ValidateToken(token string) error {
	if len(token) < MinTokenLen {
		return ErrTokenTooShort
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// ReadFile reads path, refusing files over maxBytes.
func ReadFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := LimitedReadAll(f, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
