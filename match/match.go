// Package match decides whether an element shows one of the targeted
// national flags. It is pure: it reads the element and its surroundings and
// never writes.
package match

import (
	"errors"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/flagswap/dom"
)

// Verdict is the outcome of classifying one element. Evidence names the
// signal that decided a match, prefixed with the target code ("ru:alt").
type Verdict struct {
	Match    bool
	Evidence string
}

// imageSources are the attributes that can carry an image URL.
var imageSources = []string{"src", "srcset", "data-src", "data-srcset", "data-lazy-src"}

var labelled = cascadia.MustCompile("[title], [aria-label]")

// Matcher classifies elements against a fixed set of targets.
type Matcher struct {
	targets []*compiled
}

// New compiles targets. At least one is required.
func New(targets ...Target) (*Matcher, error) {
	if len(targets) == 0 {
		return nil, errors.New("match: no targets")
	}
	m := &Matcher{}
	for _, t := range targets {
		c, err := compile(t)
		if err != nil {
			return nil, err
		}
		m.targets = append(m.targets, c)
	}
	return m, nil
}

// Default returns a Matcher for Russia.
func Default() *Matcher {
	m, err := New(Russia())
	if err != nil {
		panic(err)
	}
	return m
}

// Codes returns the target codes in order.
func (m *Matcher) Codes() []string {
	out := make([]string, len(m.targets))
	for i, t := range m.targets {
		out[i] = t.code
	}
	return out
}

// IsImage reports whether an <img> shows a target flag.
func (m *Matcher) IsImage(el *dom.Element) bool { return m.ClassifyImage(el).Match }

// IsElement reports whether a non-image element shows a target flag.
func (m *Matcher) IsElement(el *dom.Element) bool { return m.ClassifyElement(el).Match }

// Classify dispatches on the tag: images go through ClassifyImage, any
// other element through ClassifyElement. A nil element never matches.
func (m *Matcher) Classify(el *dom.Element) Verdict {
	if el == nil {
		return Verdict{}
	}
	if el.Is("img") {
		return m.ClassifyImage(el)
	}
	return m.ClassifyElement(el)
}

// ClassifyImage checks, in order: text attributes, image URLs, then the
// nearest labelled ancestor.
func (m *Matcher) ClassifyImage(el *dom.Element) Verdict {
	if el == nil {
		return Verdict{}
	}
	for _, t := range m.targets {
		for _, attr := range []string{"alt", "title", "aria-label"} {
			if t.hasName(el.Attr(attr)) {
				return t.verdict(attr)
			}
		}
		for _, attr := range imageSources {
			for _, u := range candidates(attr, el.Attr(attr)) {
				if t.isFlagURL(u) {
					return t.verdict(attr)
				}
			}
		}
		if t.hasName(ancestorLabel(el)) {
			return t.verdict("ancestor-label")
		}
	}
	return Verdict{}
}

// ClassifyElement checks class conventions, data-country / data-nation,
// text attributes, and last a bare flag class corroborated by nearby text.
func (m *Matcher) ClassifyElement(el *dom.Element) Verdict {
	if el == nil {
		return Verdict{}
	}
	classes := el.Classes()
	for _, t := range m.targets {
		if t.classMatch(el.ClassName(), classes) {
			return t.verdict("class")
		}
		if otherCountryClass(classes, t.code) {
			continue
		}
		for _, attr := range []string{"data-country", "data-nation"} {
			if strings.EqualFold(strings.TrimSpace(el.Attr(attr)), t.code) {
				return t.verdict(attr)
			}
		}
		for _, attr := range []string{"title", "aria-label"} {
			if t.hasName(el.Attr(attr)) {
				return t.verdict(attr)
			}
		}
		if hasFlagClass(classes) {
			if t.hasName(ancestorLabel(el)) {
				return t.verdict("ancestor-label")
			}
			if p := el.Parent(); p != nil && t.hasName(p.TextContent()) {
				return t.verdict("parent-text")
			}
		}
	}
	return Verdict{}
}

func (c *compiled) verdict(evidence string) Verdict {
	return Verdict{Match: true, Evidence: c.code + ":" + evidence}
}

func (c *compiled) hasName(s string) bool {
	return c.names != nil && s != "" && c.names.MatchString(s)
}

// candidates splits a srcset into its URLs. Other attributes hold one.
func candidates(attr, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if !strings.HasSuffix(attr, "srcset") {
		return []string{v}
	}
	var out []string
	for _, c := range strings.Split(v, ",") {
		if f := strings.Fields(c); len(f) > 0 {
			out = append(out, f[0])
		}
	}
	return out
}

// urlPath drops scheme, host, query and fragment. Only the path says
// which flag an image is.
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// isFlagURL requires both a flag-like path and a delimited source token,
// both found in the URL path.
func (c *compiled) isFlagURL(raw string) bool {
	u := urlPath(raw)
	if u == "" || !c.source.MatchString(u) {
		return false
	}
	for _, p := range c.paths {
		if p.MatchString(u) {
			return true
		}
	}
	return false
}

func (c *compiled) classMatch(raw string, classes []string) bool {
	if raw == "" {
		return false
	}
	if c.class.MatchString(raw) {
		return true
	}
	hasCode := false
	for _, cl := range classes {
		if strings.EqualFold(cl, c.code) {
			hasCode = true
			break
		}
	}
	return hasCode && hasFlagClass(classes)
}

// hasFlagClass reports a generic flag class token: one that is, or has a
// word that is, "flag" ("flag", "team-flag", "flag-icon") without naming a
// country ("flag-de" does not count).
func hasFlagClass(classes []string) bool {
	for _, cl := range classes {
		cl = strings.ToLower(cl)
		if _, ok := classCountry(cl); ok {
			continue
		}
		if flagTokens[cl] {
			return true
		}
		for _, w := range strings.FieldsFunc(cl, func(r rune) bool { return r == '-' || r == '_' }) {
			if w == "flag" || w == "flags" {
				return true
			}
		}
	}
	return false
}

// ancestorLabel returns title and aria-label of the nearest ancestor that
// has either, starting above el.
func ancestorLabel(el *dom.Element) string {
	p := el.Parent()
	if p == nil {
		return ""
	}
	a := p.Closest(labelled)
	if a == nil {
		return ""
	}
	return a.Attr("title") + " " + a.Attr("aria-label")
}

// classCountry extracts the country code from a flag class convention
// ("flag-de", "fi-de", "flag-icon-de", "country-de", "de-flag").
func classCountry(cl string) (string, bool) {
	m := countryClass.FindStringSubmatch(strings.ToLower(cl))
	if m == nil {
		return "", false
	}
	code := m[1] + m[2]
	if classModifiers[code] {
		return "", false
	}
	return code, true
}

// otherCountryClass reports classes that name the flag of a country other
// than code, either through a convention or as a bare code next to a
// generic flag class ("flag de").
func otherCountryClass(classes []string, code string) bool {
	for _, cl := range classes {
		if c, ok := classCountry(cl); ok && c != code {
			return true
		}
	}
	if !hasFlagClass(classes) {
		return false
	}
	for _, cl := range classes {
		cl = strings.ToLower(cl)
		if len(cl) == 2 && cl != code && !classModifiers[cl] && isLetters(cl) {
			return true
		}
	}
	return false
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
