package match

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Target describes one national flag to detect.
type Target struct {
	// Code is the ISO 3166-1 alpha-2 code used in class names and
	// data-country / data-nation values.
	Code string `yaml:"code"`
	// Names are country names and abbreviations looked for as whole words
	// in alt, title, aria-label and nearby text.
	Names []string `yaml:"names"`
	// SourceTokens are looked for as delimited tokens inside image URLs.
	// Empty means the code alone.
	SourceTokens []string `yaml:"source_tokens"`
	// PathPatterns are regular expressions an image URL must match before
	// its source tokens count. Empty means generic flag paths plus
	// "/<code>/".
	PathPatterns []string `yaml:"path_patterns"`
}

// Russia is the default target.
func Russia() Target {
	return Target{
		Code:         "ru",
		Names:        []string{"russian federation", "russia", "россия", "руссия", "rus", "рф"},
		SourceTokens: []string{"russia", "rus", "ru"},
		PathPatterns: []string{`/ru[./]`, `russia`, `/flags?/`, `(^|[/_-])flags?[-_.]`},
	}
}

// wordStart and wordEnd stand in for \b, which is ASCII only in Go.
const (
	wordStart = `(?:^|[^\p{L}\p{N}_])`
	wordEnd   = `(?:$|[^\p{L}\p{N}_])`
)

// flagTokens are class tokens that name a flag without saying which.
var flagTokens = map[string]bool{
	"flag": true, "flags": true, "flag-icon": true, "fi": true, "country-flag": true,
}

// countryClass matches flag class conventions that carry a country code.
var countryClass = regexp.MustCompile(`^(?:(?:flag[-_]?icon[-_]|flag[-_]?|fi[-_]|country[-_]?)([a-z]{2,3})|([a-z]{2})[-_]flag)$`)

// classModifiers are short class suffixes that size or shape a flag
// rather than name a country.
var classModifiers = map[string]bool{
	"xs": true, "sm": true, "md": true, "lg": true, "xl": true, "xxl": true,
	"big": true, "img": true, "svg": true, "png": true, "bg": true, "box": true,
}

type compiled struct {
	code   string
	names  *regexp.Regexp
	source *regexp.Regexp
	paths  []*regexp.Regexp
	class  *regexp.Regexp
}

func compile(t Target) (*compiled, error) {
	code := strings.ToLower(strings.TrimSpace(t.Code))
	if code == "" {
		return nil, fmt.Errorf("match: target has no code")
	}
	c := &compiled{code: code}

	if alt := alternation(t.Names); alt != "" {
		re, err := regexp.Compile(`(?i)` + wordStart + alt + wordEnd)
		if err != nil {
			return nil, fmt.Errorf("match: target %s: names: %w", code, err)
		}
		c.names = re
	}

	tokens := alternation(t.SourceTokens)
	if tokens == "" {
		tokens = regexp.QuoteMeta(code)
	}
	re, err := regexp.Compile(`(?i)(?:^|[^\p{L}])` + tokens + `(?:$|[^\p{L}])`)
	if err != nil {
		return nil, fmt.Errorf("match: target %s: source tokens: %w", code, err)
	}
	c.source = re

	paths := t.PathPatterns
	if len(paths) == 0 {
		paths = []string{`/` + regexp.QuoteMeta(code) + `[./]`, `/flags?/`, `(^|[/_-])flags?[-_.]`}
	}
	for _, p := range paths {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("match: target %s: path pattern %q: %w", code, p, err)
		}
		c.paths = append(c.paths, re)
	}

	q := regexp.QuoteMeta(code)
	c.class = regexp.MustCompile(`(?i)(?:^|\s)(?:flag[-_]?` + q + `|country[-_]?` + q + `|` + q +
		`[-_]flag|fi[-_]` + q + `|flag-icon-` + q + `|flag\s+` + q + `)(?:$|\s)`)
	return c, nil
}

// alternation builds a non-capturing group, longest alternatives first so
// "russian federation" is tried before "russia". It returns "" for an empty
// list.
func alternation(words []string) string {
	var kept []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	slices.SortStableFunc(kept, func(a, b string) int { return len(b) - len(a) })
	quoted := make([]string, len(kept))
	for i, w := range kept {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return "(?:" + strings.Join(quoted, "|") + ")"
}
