// Package asset holds the replacement flags and turns an asset id into a
// URL the page can load without any network access.
package asset

import (
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/flagswap/internal/safe"
)

// ID names a replacement asset.
type ID string

const (
	Pirate         ID = "pirate"
	Neutral        ID = "neutral"
	Blue           ID = "blue"
	WhiteBlueWhite ID = "white-blue-white"
	Ukraine        ID = "ukraine"
)

// DefaultID is served when no preference is stored, when the preference
// cannot be read, and for excluded entities.
const DefaultID = Neutral

// MaxFileSize caps custom asset files. They are inlined as data URLs.
const MaxFileSize = 1 << 20

// ErrUnknown is returned for ids the catalog does not hold.
var ErrUnknown = errors.New("asset: unknown id")

//go:embed flags/*.svg
var builtinFS embed.FS

// Asset is one replacement image.
type Asset struct {
	ID        ID     `json:"id"`
	Label     string `json:"label"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	url       string
}

// URL returns the asset as a data URL.
func (a *Asset) URL() string { return a.url }

// Catalog is an ordered, read-only set of assets once built.
type Catalog struct {
	byID  map[ID]*Asset
	order []ID
	def   ID
}

var builtins = []struct {
	id    ID
	label string
}{
	{Pirate, "Pirate flag"},
	{Neutral, "Neutral flag"},
	{Blue, "Blue flag"},
	{WhiteBlueWhite, "White-blue-white flag"},
	{Ukraine, "Flag of Ukraine"},
}

// Builtin returns a catalog of the embedded flags with DefaultID as default.
func Builtin() *Catalog {
	c := &Catalog{byID: make(map[ID]*Asset), def: DefaultID}
	for _, b := range builtins {
		data, err := builtinFS.ReadFile("flags/" + string(b.id) + ".svg")
		if err != nil {
			panic(fmt.Sprintf("asset: embedded %s: %v", b.id, err))
		}
		if err := c.Add(Asset{ID: b.id, Label: b.label, MediaType: "image/svg+xml", Data: data}); err != nil {
			panic(err)
		}
	}
	return c
}

// Add registers a, replacing any asset with the same id.
func (c *Catalog) Add(a Asset) error {
	if err := safe.ValidateIdentifier(string(a.ID)); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	if len(a.Data) == 0 {
		return fmt.Errorf("asset: %s: no data", a.ID)
	}
	if a.MediaType == "" {
		a.MediaType = "image/svg+xml"
	}
	if a.Label == "" {
		a.Label = string(a.ID)
	}
	a.url = "data:" + a.MediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
	if _, ok := c.byID[a.ID]; !ok {
		c.order = append(c.order, a.ID)
	}
	c.byID[a.ID] = &a
	return nil
}

// AddFile registers an image file under id. The media type comes from the
// extension.
func (c *Catalog) AddFile(id ID, label, path string) error {
	data, err := safe.ReadFile(path, MaxFileSize)
	if err != nil {
		return fmt.Errorf("asset: %s: %w", id, err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	if !strings.HasPrefix(mt, "image/") {
		return fmt.Errorf("asset: %s: %s is not an image (%q)", id, path, mt)
	}
	return c.Add(Asset{ID: id, Label: label, MediaType: mt, Data: data})
}

// SetDefault changes the fallback asset.
func (c *Catalog) SetDefault(id ID) error {
	if !c.Has(id) {
		return fmt.Errorf("asset: default %q: %w", id, ErrUnknown)
	}
	c.def = id
	return nil
}

// Default returns the fallback asset id.
func (c *Catalog) Default() ID { return c.def }

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id ID) bool {
	_, ok := c.byID[id]
	return ok
}

// Lookup returns the asset for id.
func (c *Catalog) Lookup(id ID) (*Asset, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// Get is Lookup falling back to the default asset.
func (c *Catalog) Get(id ID) *Asset {
	if a, ok := c.byID[id]; ok {
		return a
	}
	return c.byID[c.def]
}

// Resolve returns the data URL for id, or the default asset's URL when id
// is unknown. It never fails.
func (c *Catalog) Resolve(id ID) string { return c.Get(id).URL() }

// Label returns the human label for id, with the same fallback as Resolve.
func (c *Catalog) Label(id ID) string { return c.Get(id).Label }

// List returns the assets in registration order.
func (c *Catalog) List() []*Asset {
	out := make([]*Asset, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
