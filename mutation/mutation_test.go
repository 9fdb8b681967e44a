package mutation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/flagswap/dom"
)

func parse(t *testing.T, src string) *dom.Document {
	t.Helper()
	d, err := dom.ParseString(src, "https://www.hltv.org/")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	return d
}

func sel(t *testing.T, d *dom.Document, s string) *dom.Element {
	t.Helper()
	el := d.DocumentElement().Query(cascadia.MustCompile(s))
	if el == nil {
		t.Fatalf("no element for %q", s)
	}
	return el
}

func TestXPath_SiblingIndex(t *testing.T) {
	d := parse(t, `<body><div></div><p></p><div><img id="a"><img id="b"></div></body>`)

	tests := []struct {
		sel  string
		want string
	}{
		{"#a", "/html/body/div[2]/img"},
		{"#b", "/html/body/div[2]/img[2]"},
		{"p", "/html/body/p"},
	}
	for _, tc := range tests {
		el := sel(t, d, tc.sel)
		if got := XPath(el.Node()); got != tc.want {
			t.Errorf("XPath(%s): got %q, want %q", tc.sel, got, tc.want)
		}
		if back := Resolve(d.Root(), tc.want); back != el.Node() {
			t.Errorf("Resolve(%q) did not return %s", tc.want, tc.sel)
		}
	}
}

func TestXPath_Detached(t *testing.T) {
	d := parse(t, `<body><span id="s"></span></body>`)
	s := sel(t, d, "#s")
	d.RemoveChild(s.Node().Parent, s.Node())
	if got := XPath(s.Node()); got != "" {
		t.Errorf("detached: got %q, want empty", got)
	}
}

func TestResolve_Malformed(t *testing.T) {
	d := parse(t, `<body></body>`)
	for _, p := range []string{"", "html", "/html/body/div", "/html/body[0]", "/html/body/text()", "/html/body[x]"} {
		if n := Resolve(d.Root(), p); n != nil {
			t.Errorf("Resolve(%q): got node %s, want nil", p, n.Data)
		}
	}
}

func TestCompress_ConsecutiveAttr(t *testing.T) {
	records := []Record{
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "a", OldValue: "orig"},
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "b", OldValue: "a"},
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "c", OldValue: "b"},
	}
	got := Compress(records)
	if len(got) != 1 {
		t.Fatalf("Compress: got %d records, want 1", len(got))
	}
	if got[0].Value != "c" || got[0].OldValue != "orig" {
		t.Errorf("got value=%q old=%q", got[0].Value, got[0].OldValue)
	}
}

func TestCompress_AttrThenDelete(t *testing.T) {
	got := Compress([]Record{
		{Op: OpAttr, XPath: "/img", Name: "srcset", Value: "x"},
		{Op: OpAttrDel, XPath: "/img", Name: "srcset"},
	})
	if len(got) != 1 || got[0].Op != OpAttrDel {
		t.Fatalf("Compress: got %+v", got)
	}
}

func TestCompress_InsertBreaksRun(t *testing.T) {
	got := Compress([]Record{
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "a"},
		{Op: OpInsert, XPath: "/div/span"},
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "b"},
		{Op: OpInsert, XPath: "/div/b"},
		{Op: OpInsert, XPath: "/div/i"},
	})
	if len(got) != 5 {
		t.Fatalf("Compress: got %d records, want 5", len(got))
	}
}

func TestApply_Insert(t *testing.T) {
	d := parse(t, `<body><ul><li>a</li><li>c</li></ul></body>`)
	err := Apply(d, Record{Op: OpInsert, XPath: "/html/body/ul/li[2]", Index: 1, HTML: `<li class="flag">b</li>`})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ul := sel(t, d, "ul")
	if got := ul.TextContent(); got != "abc" {
		t.Errorf("text: got %q, want %q", got, "abc")
	}
	if !sel(t, d, "li:nth-child(2)").HasClass("flag") {
		t.Error("inserted element not at index 1")
	}
}

func TestApply_AttrAndRemove(t *testing.T) {
	d := parse(t, `<body><img src="a.png"><p></p></body>`)
	if err := Apply(d, Record{Op: OpAttr, XPath: "/html/body/img", Name: "src", Value: "b.png"}); err != nil {
		t.Fatalf("Apply attr: %v", err)
	}
	if got := sel(t, d, "img").Attr("src"); got != "b.png" {
		t.Errorf("src: got %q", got)
	}
	if err := Apply(d, Record{Op: OpRemove, XPath: "/html/body/p"}); err != nil {
		t.Fatalf("Apply remove: %v", err)
	}
	if d.DocumentElement().Query(cascadia.MustCompile("p")) != nil {
		t.Error("p still present")
	}
	err := Apply(d, Record{Op: OpAttrDel, XPath: "/html/body/p", Name: "x"})
	if !errors.Is(err, ErrNoNode) {
		t.Errorf("missing node: got %v, want ErrNoNode", err)
	}
}

func TestApply_DocResetKeepsRootObservers(t *testing.T) {
	d := parse(t, `<html lang="fr"><body><p>old</p></body></html>`)
	var added int
	d.Observe(d.DocumentElement().Node(), dom.ObserveOptions{ChildList: true, Subtree: true}, func(recs []dom.MutationRecord) {
		for _, r := range recs {
			added += len(r.AddedNodes)
		}
	})
	root := d.DocumentElement().Node()
	if err := Apply(d, Record{Op: OpDocReset, HTML: `<html><body><img alt="Russia"></body></html>`}); err != nil {
		t.Fatalf("Apply reset: %v", err)
	}
	d.DeliverMutations()
	if d.DocumentElement().Node() != root {
		t.Error("document element replaced")
	}
	if d.DocumentElement().HasAttr("lang") {
		t.Error("stale attribute kept")
	}
	if sel(t, d, "img").Attr("alt") != "Russia" {
		t.Error("new content missing")
	}
	if added == 0 {
		t.Error("observer saw no insertions")
	}
}

func TestFromDOM_RoundTrip(t *testing.T) {
	local := parse(t, `<head></head><body><div><img src="a.png"></div></body>`)
	page := parse(t, `<head></head><body><div><img src="a.png"></div></body>`)

	var recs []Record
	local.Observe(local.DocumentElement().Node(), dom.ObserveOptions{ChildList: true, Subtree: true, Attributes: true},
		func(batch []dom.MutationRecord) {
			for _, r := range batch {
				recs = append(recs, FromDOM(r)...)
			}
		})
	img := sel(t, local, "img")
	img.SetAttr("src", "data:image/svg+xml;base64,AA")
	img.RemoveAttr("srcset") // absent: no record
	img.SetAttr("data-pirate-flag-swapped", "e1")
	nodes, _ := local.ParseFragment(`<style id="flagswap-style">:root{}</style>`, local.Head().Node())
	local.AppendChild(local.Head().Node(), nodes[0])
	local.DeliverMutations()

	if len(recs) != 3 {
		t.Fatalf("records: got %d, want 3: %+v", len(recs), recs)
	}
	for _, r := range Compress(recs) {
		if err := Apply(page, r); err != nil {
			t.Fatalf("Apply %+v: %v", r, err)
		}
	}
	if got := sel(t, page, "img").Attr("src"); !strings.HasPrefix(got, "data:image/svg+xml") {
		t.Errorf("page src: got %q", got)
	}
	if sel(t, page, "#flagswap-style").TextContent() != ":root{}" {
		t.Error("style element not mirrored")
	}
}

func TestBatchJSON(t *testing.T) {
	b := NewBatch("https://www.hltv.org/", "p1", 7, []Record{{Op: OpAttr, XPath: "/html", Name: "class", Value: "x"}})
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	var got Batch
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || got.ID != b.ID || got.Seq != 7 || len(got.Records) != 1 {
		t.Errorf("batch: got %+v", got)
	}
}
