package align

import (
	"bytes"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func renderFixture() *Scene {
	res := sceneFixture()
	ref := res.Transform
	return NewRegistrationScene(res, ViewOptions{Reference: &ref, CorrectRadius: 0.1, AllCandidates: true})
}

func TestSceneRenderer_SVG(t *testing.T) {
	var buf bytes.Buffer
	if err := NewSceneRenderer(renderFixture()).RenderToSVG(&buf); err != nil {
		t.Fatalf("RenderToSVG: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<svg") {
		t.Fatalf("output is not svg: %.80s", out)
	}
	if !strings.Contains(out, "<path") {
		t.Error("svg has no paths")
	}
}

func TestSceneRenderer_PNG(t *testing.T) {
	r := NewSceneRenderer(renderFixture())
	r.Title = []string{"sample-1", "rot 0.00 deg"}
	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		t.Fatalf("RenderToPNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decoding png: %v", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		t.Fatalf("empty image: %v", b)
	}
	// The first legend swatch is the source colour.
	got := color.NRGBAModel.Convert(img.At(12, 15+2*16-5)).(color.NRGBA)
	want := ColorSource.nrgba(255)
	if got != want {
		t.Errorf("legend swatch = %v, want %v", got, want)
	}
}

func TestSceneRenderer_Layout(t *testing.T) {
	s := &Scene{Points: []Vec3{{0, 0, 5}, {4, 2, -5}}, Colors: []Color{ColorSource, ColorTarget}}
	r := NewSceneRenderer(s)
	r.Extent = 100
	r.Padding = 5
	_, scale, w, h := r.layout()
	if scale != 25 {
		t.Errorf("scale = %g, want 25", scale)
	}
	if w != 110 || h != 60 {
		t.Errorf("page = %gx%g, want 110x60", w, h)
	}

	r.Axes = [2]int{0, 2}
	_, scale, _, h = r.layout()
	if scale != 10 || h != 110 {
		t.Errorf("xz layout: scale %g height %g", scale, h)
	}
}

func TestRenderScene(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.svg", "b.PNG"} {
		path := filepath.Join(dir, "renders", name)
		if err := RenderScene(path, renderFixture(), "title"); err != nil {
			t.Fatalf("RenderScene(%s): %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	if err := RenderScene(filepath.Join(dir, "c.gif"), renderFixture()); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestNRGBAToRGBA(t *testing.T) {
	if got := nrgbaToRGBA(color.NRGBA{R: 200, G: 100, B: 50, A: 0}); got != (color.RGBA{}) {
		t.Errorf("transparent = %v", got)
	}
	if got := nrgbaToRGBA(color.NRGBA{R: 200, G: 100, B: 50, A: 255}); got != (color.RGBA{200, 100, 50, 255}) {
		t.Errorf("opaque = %v", got)
	}
	if got := nrgbaToRGBA(color.NRGBA{R: 200, G: 100, B: 50, A: 127}); got != (color.RGBA{99, 49, 24, 127}) {
		t.Errorf("half = %v", got)
	}
}
