package dom

import (
	"strconv"
	"strings"
)

// Metrics are the measured dimensions of an element, in CSS pixels.
// Zero means unknown.
type Metrics struct {
	Width         float64
	Height        float64
	NaturalWidth  float64
	NaturalHeight float64
}

// LayoutFunc measures an element. Hosts with a renderer supply their own;
// StaticLayout is used otherwise.
type LayoutFunc func(*Element) Metrics

// StaticLayout derives rendered size from inline style pixel values, then
// from the width and height attributes. Natural size comes from
// data-natural-width and data-natural-height when a host recorded them.
func StaticLayout(e *Element) Metrics {
	return Metrics{
		Width:         firstPx(e.StyleProperty("width"), e.Attr("width")),
		Height:        firstPx(e.StyleProperty("height"), e.Attr("height")),
		NaturalWidth:  parsePx(e.Attr("data-natural-width")),
		NaturalHeight: parsePx(e.Attr("data-natural-height")),
	}
}

func firstPx(vals ...string) float64 {
	for _, v := range vals {
		if px := parsePx(v); px > 0 {
			return px
		}
	}
	return 0
}

// parsePx reads "12", "12px" or "12.5px". Other units yield 0.
func parsePx(v string) float64 {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimSuffix(v, "px")
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
