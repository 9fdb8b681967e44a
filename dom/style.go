package dom

import (
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
)

// Style returns the parsed inline style declarations, in source order.
// Property names are lower-cased.
func (e *Element) Style() []*css.Declaration {
	return ParseInlineStyle(e.Attr("style"))
}

// StyleProperty returns the value of one inline style property, without
// the !important flag, or "".
func (e *Element) StyleProperty(name string) string {
	name = strings.ToLower(name)
	var v string
	for _, d := range e.Style() {
		if d.Property == name {
			v = d.Value
		}
	}
	return v
}

// SetStyleProperty sets one inline style property, replacing earlier
// declarations of the same property.
func (e *Element) SetStyleProperty(name, value string, important bool) {
	e.SetStyle(&css.Declaration{Property: name, Value: value, Important: important})
}

// SetStyle merges decls into the inline style and writes the attribute once.
func (e *Element) SetStyle(decls ...*css.Declaration) {
	cur := e.Style()
	for _, d := range decls {
		prop := strings.ToLower(d.Property)
		kept := cur[:0]
		for _, c := range cur {
			if c.Property != prop {
				kept = append(kept, c)
			}
		}
		cur = append(kept, &css.Declaration{Property: prop, Value: d.Value, Important: d.Important})
	}
	e.SetAttr("style", FormatInlineStyle(cur))
}

// ParseInlineStyle parses the body of a style attribute. Malformed
// declarations are skipped.
func ParseInlineStyle(s string) []*css.Declaration {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	// the parser drops the value of a final declaration with no terminator
	if !strings.HasSuffix(s, ";") {
		s += ";"
	}
	decls, err := parser.ParseDeclarations(s)
	if err != nil {
		decls = decls[:0]
		for _, part := range strings.Split(s, ";") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			one, err := parser.ParseDeclarations(part + ";")
			if err != nil {
				continue
			}
			decls = append(decls, one...)
		}
	}
	out := decls[:0]
	for _, d := range decls {
		if d.Property == "" {
			continue
		}
		d.Property = strings.ToLower(d.Property)
		out = append(out, d)
	}
	return out
}

// FormatInlineStyle renders declarations as a style attribute value.
func FormatInlineStyle(decls []*css.Declaration) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, " ")
}
