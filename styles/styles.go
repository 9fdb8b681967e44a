// Package styles keeps flags drawn by stylesheets, including ::before and
// ::after pseudo-elements, in line with the selected asset. A static
// <style> element refers to a custom property that is set on the root
// element, so a preference change is a single attribute write.
package styles

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/flagswap/dom"
)

const (
	// ElementID is the id of the injected <style> element.
	ElementID = "flagswap-style"
	// Var is the custom property holding the asset URL.
	Var = "--flagswap-asset"
)

var styleSel = cascadia.MustCompile("style#" + ElementID)

// Build returns the override stylesheet for the given target codes.
func Build(codes []string) *css.Stylesheet {
	sheet := css.NewStylesheet()
	for _, code := range codes {
		code = strings.ToLower(code)
		var sel []string
		for _, base := range classSelectors(code) {
			sel = append(sel, base, base+"::before", base+"::after")
		}
		sheet.Rules = append(sheet.Rules, &css.Rule{
			Kind:      css.QualifiedRule,
			Selectors: sel,
			Declarations: []*css.Declaration{
				{Property: "background-image", Value: "var(" + Var + ")", Important: true},
				{Property: "background-position", Value: "center", Important: true},
				{Property: "background-repeat", Value: "no-repeat", Important: true},
				{Property: "background-size", Value: "contain", Important: true},
			},
		})
	}
	return sheet
}

func classSelectors(code string) []string {
	return []string{
		".flag-" + code,
		".flag_" + code,
		".flag" + code,
		".country-" + code,
		"." + code + "-flag",
		".fi-" + code,
		".flag-icon-" + code,
		".flag." + code,
		fmt.Sprintf(`[data-country="%s" i]`, code),
		fmt.Sprintf(`[data-nation="%s" i]`, code),
	}
}

// Injector installs and refreshes the override stylesheet in a document.
type Injector struct {
	text    string
	enabled bool
}

// NewInjector prepares the stylesheet for codes. A disabled injector does
// nothing.
func NewInjector(codes []string, enabled bool) *Injector {
	return &Injector{text: Build(codes).String(), enabled: enabled}
}

// Stylesheet returns the CSS text.
func (in *Injector) Stylesheet() string { return in.text }

// Enabled reports whether Apply writes anything.
func (in *Injector) Enabled() bool { return in != nil && in.enabled }

// Apply makes sure the <style> element exists and points the custom
// property at url. Repeated calls with the same url write nothing.
func (in *Injector) Apply(doc *dom.Document, url string) {
	if !in.Enabled() {
		return
	}
	root := doc.DocumentElement()
	if root == nil {
		return
	}
	if root.Query(styleSel) == nil {
		parent := doc.Head()
		if parent == nil {
			parent = root
		}
		n := &html.Node{
			Type:     html.ElementNode,
			Data:     "style",
			DataAtom: atom.Style,
			Attr:     []html.Attribute{{Key: "id", Val: ElementID}},
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: in.text})
		doc.AppendChild(parent.Node(), n)
	}
	root.SetStyleProperty(Var, `url("`+url+`")`, false)
}
