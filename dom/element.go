package dom

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Element is a view over an element node of a Document. It is cheap to
// create; two Elements over the same node are interchangeable.
type Element struct {
	doc  *Document
	node *html.Node
}

// Node returns the underlying node.
func (e *Element) Node() *html.Node { return e.node }

// Document returns the owning document.
func (e *Element) Document() *Document { return e.doc }

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return strings.ToLower(e.node.Data) }

// Is reports whether the element has the given tag name.
func (e *Element) Is(tag string) bool { return strings.EqualFold(e.node.Data, tag) }

// Attr returns the attribute value, or "" when absent.
func (e *Element) Attr(name string) string {
	v, _ := e.lookup(name)
	return v
}

// HasAttr reports whether the attribute is present.
func (e *Element) HasAttr(name string) bool {
	_, ok := e.lookup(name)
	return ok
}

func (e *Element) lookup(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets an attribute and queues an attributes record. Writing the
// value the attribute already has is a no-op.
func (e *Element) SetAttr(name, value string) {
	name = strings.ToLower(name)
	for i, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			if a.Val == value {
				return
			}
			e.node.Attr[i].Val = value
			e.doc.enqueue(MutationRecord{
				Type:          Attributes,
				Target:        e.node,
				AttributeName: name,
				OldValue:      a.Val,
			})
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: name, Val: value})
	e.doc.enqueue(MutationRecord{
		Type:          Attributes,
		Target:        e.node,
		AttributeName: name,
	})
}

// RemoveAttr removes an attribute if present and queues a record.
func (e *Element) RemoveAttr(name string) {
	for i, a := range e.node.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			e.node.Attr = append(e.node.Attr[:i], e.node.Attr[i+1:]...)
			e.doc.enqueue(MutationRecord{
				Type:          Attributes,
				Target:        e.node,
				AttributeName: strings.ToLower(name),
				OldValue:      a.Val,
			})
			return
		}
	}
}

// ClassName returns the raw class attribute.
func (e *Element) ClassName() string { return e.Attr("class") }

// Classes returns the class tokens in document order.
func (e *Element) Classes() []string { return strings.Fields(e.ClassName()) }

// HasClass reports whether the class list contains name (case-insensitive).
func (e *Element) HasClass(name string) bool {
	for _, c := range e.Classes() {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Dataset returns the data-* attribute named key ("country" for
// data-country).
func (e *Element) Dataset(key string) string { return e.Attr("data-" + key) }

// Parent returns the parent element, or nil at the top of the tree.
func (e *Element) Parent() *Element { return e.doc.Element(e.node.Parent) }

// NextElementSibling returns the next sibling element, or nil.
func (e *Element) NextElementSibling() *Element {
	for s := e.node.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return e.doc.Element(s)
		}
	}
	return nil
}

// Children returns the element children.
func (e *Element) Children() []*Element {
	var out []*Element
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.doc.Element(c))
		}
	}
	return out
}

// Matches reports whether the element matches m.
func (e *Element) Matches(m goquery.Matcher) bool { return m.Match(e.node) }

// Closest returns the nearest inclusive ancestor matching m.
func (e *Element) Closest(m goquery.Matcher) *Element {
	sel := e.selection().ClosestMatcher(m)
	if sel.Length() == 0 {
		return nil
	}
	return e.doc.Element(sel.Get(0))
}

// QueryAll returns the descendants matching m in document order. The
// element itself is not included.
func (e *Element) QueryAll(m goquery.Matcher) []*Element {
	sel := e.selection().FindMatcher(m)
	out := make([]*Element, 0, sel.Length())
	for _, n := range sel.Nodes {
		out = append(out, e.doc.Element(n))
	}
	return out
}

// Query returns the first descendant matching m, or nil.
func (e *Element) Query(m goquery.Matcher) *Element {
	sel := e.selection().FindMatcher(m)
	if sel.Length() == 0 {
		return nil
	}
	return e.doc.Element(sel.Get(0))
}

// TextContent returns the concatenated text of all descendant text nodes.
func (e *Element) TextContent() string { return e.selection().Text() }

// Metrics measures the element with the document's layout function.
func (e *Element) Metrics() Metrics {
	if e.doc.layout == nil {
		return Metrics{}
	}
	return e.doc.layout(e)
}

func (e *Element) selection() *goquery.Selection {
	return goquery.NewDocumentFromNode(e.node).Selection
}
