package asset

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()
	if c.Default() != Neutral {
		t.Errorf("Default: got %q, want %q", c.Default(), Neutral)
	}
	ids := []ID{Pirate, Neutral, Blue, WhiteBlueWhite, Ukraine}
	list := c.List()
	if len(list) != len(ids) {
		t.Fatalf("List: got %d assets, want %d", len(list), len(ids))
	}
	for i, a := range list {
		if a.ID != ids[i] {
			t.Errorf("List[%d]: got %q, want %q", i, a.ID, ids[i])
		}
		if !strings.HasPrefix(a.URL(), "data:image/svg+xml;base64,") {
			t.Errorf("%s: URL %q", a.ID, a.URL()[:40])
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(a.URL(), "data:image/svg+xml;base64,"))
		if err != nil {
			t.Fatalf("%s: decode: %v", a.ID, err)
		}
		if !strings.Contains(string(raw), `viewBox="0 0 640 480"`) {
			t.Errorf("%s: svg lost its viewBox", a.ID)
		}
	}
}

func TestResolve_UnknownFallsBack(t *testing.T) {
	c := Builtin()
	if c.Resolve("tricolour") != c.Resolve(Neutral) {
		t.Error("unknown id should resolve to the default asset")
	}
	if c.Label("") != "Neutral flag" {
		t.Errorf("Label: got %q", c.Label(""))
	}
	if c.Resolve(Pirate) == c.Resolve(Neutral) {
		t.Error("pirate and neutral resolve to the same URL")
	}
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "custom.png")
	if err := os.WriteFile(png, []byte("\x89PNG fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Builtin()
	if err := c.AddFile("custom", "Custom", png); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if !strings.HasPrefix(c.Resolve("custom"), "data:image/png;base64,") {
		t.Errorf("custom URL: %q", c.Resolve("custom"))
	}
	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("x"), 0o644)
	if err := c.AddFile("notes", "", txt); err == nil {
		t.Error("non-image file accepted")
	}
}

func TestSetDefault(t *testing.T) {
	c := Builtin()
	if err := c.SetDefault("nope"); !errors.Is(err, ErrUnknown) {
		t.Errorf("SetDefault unknown: got %v", err)
	}
	if err := c.SetDefault(Pirate); err != nil {
		t.Fatal(err)
	}
	if c.Resolve("nope") != c.Resolve(Pirate) {
		t.Error("fallback did not follow the new default")
	}
}
