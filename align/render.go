package align

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// nrgbaToRGBA premultiplies alpha, which canvas paints expect
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * a) / 255),
		G: uint8((uint32(c.G) * a) / 255),
		B: uint8((uint32(c.B) * a) / 255),
		A: c.A,
	}
}

func (c Color) nrgba(alpha uint8) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: alpha}
}

// SceneRenderer draws a Scene projected onto two of its axes
type SceneRenderer struct {
	Scene       *Scene
	Axes        [2]int            // projected coordinates, default X and Y
	Scale       float64           // millimetres per world unit; 0 fits the scene into Extent
	Extent      float64           // target size of the longer side in mm when Scale is 0
	Padding     float64           // mm
	PointRadius float64           // mm
	EdgeWidth   float64           // mm
	EdgeAlpha   uint8             // opacity of match edges
	Resolution  canvas.Resolution // PNG only
	Title       []string          // PNG legend header lines
}

// NewSceneRenderer creates a renderer with default settings
func NewSceneRenderer(s *Scene) *SceneRenderer {
	return &SceneRenderer{
		Scene:       s,
		Axes:        [2]int{0, 1},
		Extent:      200,
		Padding:     10,
		PointRadius: 0.4,
		EdgeWidth:   0.15,
		EdgeAlpha:   160,
		Resolution:  canvas.DPI(150),
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *SceneRenderer) project(p Vec3) orb.Point {
	return orb.Point{p[r.Axes[0]], p[r.Axes[1]]}
}

// layout returns the projected bounds, the mm-per-unit scale and the page size
func (r *SceneRenderer) layout() (orb.Bound, float64, float64, float64) {
	mp := make(orb.MultiPoint, 0, len(r.Scene.Points))
	for _, p := range r.Scene.Points {
		mp = append(mp, r.project(p))
	}
	b := mp.Bound()
	scale := r.Scale
	if scale <= 0 {
		longest := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
		scale = 1
		if longest > 0 {
			scale = r.Extent / longest
		}
	}
	width := (b.Max[0]-b.Min[0])*scale + 2*r.Padding
	height := (b.Max[1]-b.Min[1])*scale + 2*r.Padding
	return b, scale, width, height
}

// RenderToSVG writes the scene as SVG
func (r *SceneRenderer) RenderToSVG(w io.Writer) error {
	b, scale, width, height := r.layout()
	out := svg.New(w, width, height, nil)
	r.renderToCanvas(out, b, scale, width, height)
	return out.Close()
}

// RenderToPNG rasterizes the scene and overlays a text legend
func (r *SceneRenderer) RenderToPNG(w io.Writer) error {
	b, scale, width, height := r.layout()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, b, scale, width, height)
	r.drawLegend(rast)
	return png.Encode(w, rast)
}

func (r *SceneRenderer) renderToCanvas(out canvasRenderer, b orb.Bound, scale, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	toCanvas := func(p Vec3) (float64, float64) {
		q := r.project(p)
		return (q[0]-b.Min[0])*scale + r.Padding, (q[1]-b.Min[1])*scale + r.Padding
	}

	for _, e := range r.Scene.Edges {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(e.Color.nrgba(r.EdgeAlpha))}
		style.StrokeWidth = r.EdgeWidth
		x1, y1 := toCanvas(r.Scene.Points[e.A])
		x2, y2 := toCanvas(r.Scene.Points[e.B])
		path := &canvas.Path{}
		path.MoveTo(x1, y1)
		path.LineTo(x2, y2)
		out.RenderPath(path, style, canvas.Identity)
	}

	// keypoints last so they sit on top
	keypoints := make([]int, 0)
	for i, p := range r.Scene.Points {
		if r.Scene.Colors[i] == ColorKeypoint {
			keypoints = append(keypoints, i)
			continue
		}
		r.drawPoint(out, toCanvas, p, r.Scene.Colors[i], r.PointRadius)
	}
	for _, i := range keypoints {
		r.drawPoint(out, toCanvas, r.Scene.Points[i], ColorKeypoint, 2*r.PointRadius)
	}
}

func (r *SceneRenderer) drawPoint(out canvasRenderer, toCanvas func(Vec3) (float64, float64), p Vec3, c Color, radius float64) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: nrgbaToRGBA(c.nrgba(255))}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}
	x, y := toCanvas(p)
	out.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
}

var legendEntries = []struct {
	label string
	color Color
}{
	{"source", ColorSource},
	{"target", ColorTarget},
	{"keypoint", ColorKeypoint},
	{"correct match", ColorCorrect},
	{"wrong match", ColorWrong},
}

// drawLegend writes the title lines and colour swatches in the top-left corner
func (r *SceneRenderer) drawLegend(img draw.Image) {
	black := color.RGBA{0, 0, 0, 255}
	y := 15
	for _, line := range r.Title {
		drawText(img, 10, y, line, black)
		y += 16
	}
	for _, e := range legendEntries {
		c := e.color.nrgba(255)
		for dy := 0; dy < 10; dy++ {
			for dx := 0; dx < 10; dx++ {
				img.Set(10+dx, y+dy-9, c)
			}
		}
		drawText(img, 26, y, e.label, black)
		y += 16
	}
}

func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// RenderScene writes s to path, choosing SVG or PNG by extension
func RenderScene(path string, s *Scene, title ...string) error {
	r := NewSceneRenderer(s)
	r.Title = title
	var render func(io.Writer) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		render = r.RenderToSVG
	case ".png":
		render = r.RenderToPNG
	default:
		return fmt.Errorf("unsupported render format: %s", path)
	}
	return writeFile(path, render)
}
