// Package exclusion lists entities (players, coaches, teams) whose flags are
// never replaced with the preferred asset. An excluded flag still gets the
// default asset so the page stays consistent.
package exclusion

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/flagswap/dom"
)

// Entity is a profile reference such as player/7998.
type Entity struct {
	Kind string
	ID   string
}

func (e Entity) String() string { return e.Kind + "/" + e.ID }

var (
	entityPath = regexp.MustCompile(`/(player|coach|team)/(\d+)(?:/|$)`)
	entryRe    = regexp.MustCompile(`^(?:(player|coach|team)/)?(\d+)$`)
	anchors    = cascadia.MustCompile("a[href]")
)

// List is an immutable set of excluded entities. Bare ids exclude every
// kind. The zero value and nil exclude nothing.
type List struct {
	entities map[Entity]bool
	ids      map[string]bool
}

// New builds a List from entries like "player/7998", "team/4608" or "7998".
func New(entries ...string) (*List, error) {
	l := &List{entities: make(map[Entity]bool), ids: make(map[string]bool)}
	for _, raw := range entries {
		e := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "/"))
		if e == "" {
			continue
		}
		m := entryRe.FindStringSubmatch(e)
		if m == nil {
			return nil, fmt.Errorf("exclusion: invalid entry %q", raw)
		}
		if m[1] == "" {
			l.ids[m[2]] = true
		} else {
			l.entities[Entity{Kind: m[1], ID: m[2]}] = true
		}
	}
	return l, nil
}

type fileFormat struct {
	Exclusions []string `yaml:"exclusions"`
}

// Parse reads YAML that is either a plain sequence of entries or a mapping
// with an "exclusions" sequence.
func Parse(data []byte) (*List, error) {
	entries, err := ReadEntries(data)
	if err != nil {
		return nil, err
	}
	return New(entries...)
}

// ReadEntries decodes the entries of an exclusion file without validating
// them, so callers can merge several sources before calling New.
func ReadEntries(data []byte) ([]string, error) {
	var seq []string
	if err := yaml.Unmarshal(data, &seq); err == nil {
		return seq, nil
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("exclusion: parse: %w", err)
	}
	return ff.Exclusions, nil
}

// LoadFile reads a YAML exclusion file.
func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("exclusion: read %s: %w", path, err)
	}
	return Parse(data)
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entities) + len(l.ids)
}

// Contains reports whether e is excluded.
func (l *List) Contains(e Entity) bool {
	if l == nil {
		return false
	}
	return l.entities[e] || l.ids[e.ID]
}

// EntityRef extracts the entity an href points to. Relative and absolute
// URLs are accepted.
func EntityRef(href string) (Entity, bool) {
	if href == "" {
		return Entity{}, false
	}
	path := href
	if u, err := url.Parse(href); err == nil {
		path = u.Path
	}
	m := entityPath.FindStringSubmatch(strings.ToLower(path))
	if m == nil {
		return Entity{}, false
	}
	return Entity{Kind: m[1], ID: m[2]}, true
}

// ExcludesLocation reports whether the page itself is an excluded
// entity's page.
func (l *List) ExcludesLocation(u *url.URL) bool {
	if l.Len() == 0 || u == nil {
		return false
	}
	e, ok := EntityRef(u.Path)
	return ok && l.Contains(e)
}

// Excludes reports whether el belongs to an excluded entity, and which.
func (l *List) Excludes(el *dom.Element) (Entity, bool) {
	if l.Len() == 0 || el == nil {
		return Entity{}, false
	}
	e, ok := EntityOf(el)
	if !ok || !l.Contains(e) {
		return Entity{}, false
	}
	return e, true
}

// EntityOf finds the entity link associated with el: the enclosing anchor
// (el itself included), then anchors inside el, then the nearest following
// sibling that is or holds an entity anchor.
func EntityOf(el *dom.Element) (Entity, bool) {
	if a := el.Closest(anchors); a != nil {
		if e, ok := EntityRef(a.Attr("href")); ok {
			return e, true
		}
	}
	for _, a := range el.QueryAll(anchors) {
		if e, ok := EntityRef(a.Attr("href")); ok {
			return e, true
		}
	}
	for s := el.NextElementSibling(); s != nil; s = s.NextElementSibling() {
		if s.Matches(anchors) {
			if e, ok := EntityRef(s.Attr("href")); ok {
				return e, true
			}
		}
		for _, a := range s.QueryAll(anchors) {
			if e, ok := EntityRef(a.Attr("href")); ok {
				return e, true
			}
		}
	}
	return Entity{}, false
}
