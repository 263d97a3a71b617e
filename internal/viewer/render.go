package viewer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
)

const (
	headerHeight = 24
	panelWidth   = 120
	swatchHeight = 16
)

var (
	background  = color.NRGBA{0, 0, 0, 255}
	headerColor = color.NRGBA{40, 40, 48, 255}
	panelColor  = color.NRGBA{30, 30, 36, 255}
)

// Screenshot renders the current view to PNG. With canvasOnly false the
// image also contains the window chrome: a title bar and a layer list.
func (v *Viewer) Screenshot(canvasOnly bool) ([]byte, error) {
	return v.ScreenshotScaled(canvasOnly, 1)
}

// ScreenshotScaled renders at a fraction of the configured canvas size.
func (v *Viewer) ScreenshotScaled(canvasOnly bool, scale float64) ([]byte, error) {
	if v.closed {
		return nil, ErrClosed
	}
	if scale <= 0 || scale > 1 {
		return nil, fmt.Errorf("%w: scale %v outside (0, 1]", ErrInvalidArgument, scale)
	}
	img := v.render(canvasOnly, scale)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (v *Viewer) render(canvasOnly bool, scale float64) *image.NRGBA {
	canvasW := max(1, int(math.Round(float64(v.width)*scale)))
	canvasH := max(1, int(math.Round(float64(v.height)*scale)))

	canvas := image.Rect(0, 0, canvasW, canvasH)
	bounds := canvas
	if !canvasOnly {
		bounds = image.Rect(0, 0, canvasW+panelWidth, canvasH+headerHeight)
		canvas = image.Rect(panelWidth, headerHeight, panelWidth+canvasW, headerHeight+canvasH)
	}

	img := image.NewNRGBA(bounds)
	draw.Draw(img, bounds, &image.Uniform{C: background}, image.Point{}, draw.Src)
	if !canvasOnly {
		v.drawChrome(img)
	}

	visible := make([]*Layer, 0, len(v.layers))
	for _, layer := range v.layers {
		if layer.Visible && layer.Opacity > 0 {
			visible = append(visible, layer)
		}
	}
	if len(visible) == 0 {
		return img
	}

	if !v.grid.Enabled || len(visible) == 1 {
		view := v.viewport(canvas, scale)
		for _, layer := range visible {
			v.drawLayer(img, view, layer)
		}
		return img
	}

	rows, cols := v.gridShape(len(visible))
	cellW, cellH := canvas.Dx()/cols, canvas.Dy()/rows
	stride := max(1, v.grid.Stride)
	for i, layer := range visible {
		cell := (i / stride) % (rows * cols)
		x0 := canvas.Min.X + (cell%cols)*cellW
		y0 := canvas.Min.Y + (cell/cols)*cellH
		rect := image.Rect(x0, y0, x0+cellW, y0+cellH)
		cellScale := scale * math.Min(float64(cellW)/float64(canvas.Dx()), float64(cellH)/float64(canvas.Dy()))
		v.drawLayer(img, v.viewport(rect, cellScale), layer)
	}
	return img
}

func (v *Viewer) gridShape(layers int) (int, int) {
	rows, cols := v.grid.Rows, v.grid.Cols
	stride := max(1, v.grid.Stride)
	cells := (layers + stride - 1) / stride
	switch {
	case rows > 0 && cols > 0:
	case rows > 0:
		cols = (cells + rows - 1) / rows
	case cols > 0:
		rows = (cells + cols - 1) / cols
	default:
		cols = int(math.Ceil(math.Sqrt(float64(cells))))
		rows = (cells + cols - 1) / cols
	}
	return max(1, rows), max(1, cols)
}

// viewport maps world (row, col) coordinates onto a pixel rectangle.
type viewport struct {
	rect      image.Rectangle
	centerRow float64
	centerCol float64
	zoom      float64
}

func (v *Viewer) viewport(rect image.Rectangle, scale float64) viewport {
	center := v.camera.Center
	var centerRow, centerCol float64
	if len(center) >= 2 {
		centerRow, centerCol = center[len(center)-2], center[len(center)-1]
	}
	return viewport{
		rect:      rect,
		centerRow: centerRow,
		centerCol: centerCol,
		zoom:      v.camera.Zoom * scale,
	}
}

func (vp viewport) toPixel(row, col float64) (float64, float64) {
	x := float64(vp.rect.Min.X) + float64(vp.rect.Dx())/2 + (col-vp.centerCol)*vp.zoom
	y := float64(vp.rect.Min.Y) + float64(vp.rect.Dy())/2 + (row-vp.centerRow)*vp.zoom
	return x, y
}

func (vp viewport) toWorld(x, y int) (float64, float64) {
	col := vp.centerCol + (float64(x-vp.rect.Min.X)+0.5-float64(vp.rect.Dx())/2)/vp.zoom
	row := vp.centerRow + (float64(y-vp.rect.Min.Y)+0.5-float64(vp.rect.Dy())/2)/vp.zoom
	return row, col
}

func (v *Viewer) drawLayer(img *image.NRGBA, vp viewport, layer *Layer) {
	switch layer.Type {
	case LayerImage, LayerLabels:
		v.drawRaster(img, vp, layer)
	case LayerPoints:
		v.drawPoints(img, vp, layer)
	case LayerShapes:
		v.drawShapes(img, vp, layer)
	}
}

// layerLeading returns the slider positions for the leading axes of a
// layer, aligning its axes to the trailing world axes.
func (v *Viewer) layerLeading(layerNDim int) []int {
	world := v.CurrentStep()
	offset := len(world) - layerNDim
	leading := make([]int, 0, max(0, layerNDim-2))
	for axis := 0; axis < layerNDim-2; axis++ {
		worldAxis := offset + axis
		if worldAxis >= 0 && worldAxis < len(world) {
			leading = append(leading, world[worldAxis])
		} else {
			leading = append(leading, 0)
		}
	}
	return leading
}

func (v *Viewer) drawRaster(img *image.NRGBA, vp viewport, layer *Layer) {
	leading := v.layerLeading(layer.Data.NDim())
	var rows, cols int
	var plane []float64
	if v.ndisplay == 3 && layer.Type == LayerImage {
		rows, cols, plane = layer.Data.Project(leading)
	} else {
		rows, cols, plane = layer.Data.Plane(leading)
	}
	if rows == 0 || cols == 0 {
		return
	}

	clip := vp.rect.Intersect(img.Bounds())
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			row, col := vp.toWorld(x, y)
			r, c := int(math.Floor(row)), int(math.Floor(col))
			if r < 0 || c < 0 || r >= rows || c >= cols {
				continue
			}
			value := plane[r*cols+c]
			var src color.NRGBA
			if layer.Type == LayerLabels {
				if value == 0 {
					continue
				}
				src = labelColor(value)
			} else {
				src = mapIntensity(value, layer)
			}
			blend(img, x, y, src, layer.Opacity, layer.Blending)
		}
	}
}

func (v *Viewer) drawPoints(img *image.NRGBA, vp viewport, layer *Layer) {
	face, err := ParseColor(layer.FaceColor)
	if err != nil {
		face = namedColors["white"]
	}
	world := v.CurrentStep()
	radius := math.Max(1, layer.PointSize/2*vp.zoom)
	clip := vp.rect.Intersect(img.Bounds())

	for _, point := range layer.Points {
		if !v.onCurrentSlice(point, world) {
			continue
		}
		cx, cy := vp.toPixel(point[len(point)-2]+0.5, point[len(point)-1]+0.5)
		minX, maxX := int(math.Floor(cx-radius)), int(math.Ceil(cx+radius))
		minY, maxY := int(math.Floor(cy-radius)), int(math.Ceil(cy+radius))
		for py := max(minY, clip.Min.Y); py < min(maxY+1, clip.Max.Y); py++ {
			for px := max(minX, clip.Min.X); px < min(maxX+1, clip.Max.X); px++ {
				dx, dy := float64(px)+0.5-cx, float64(py)+0.5-cy
				if dx*dx+dy*dy <= radius*radius {
					blend(img, px, py, face, layer.Opacity, layer.Blending)
				}
			}
		}
	}
}

func (v *Viewer) drawShapes(img *image.NRGBA, vp viewport, layer *Layer) {
	edge, err := ParseColor(layer.EdgeColor)
	if err != nil {
		edge = namedColors["red"]
	}
	var face *color.NRGBA
	if layer.FaceColor != "" {
		if parsed, err := ParseColor(layer.FaceColor); err == nil {
			face = &parsed
		}
	}
	world := v.CurrentStep()
	clip := vp.rect.Intersect(img.Bounds())
	plot := func(x, y int) {
		if image.Pt(x, y).In(clip) {
			blend(img, x, y, edge, layer.Opacity, layer.Blending)
		}
	}

	for _, shape := range layer.Shapes {
		if !v.onCurrentSlice(shape.Vertices[0], world) {
			continue
		}
		pixels := make([][2]float64, 0, len(shape.Vertices))
		for _, vertex := range shape.Vertices {
			x, y := vp.toPixel(vertex[len(vertex)-2], vertex[len(vertex)-1])
			pixels = append(pixels, [2]float64{x, y})
		}

		switch shape.Type {
		case "rectangle":
			a, b := pixels[0], pixels[len(pixels)-1]
			if len(pixels) == 4 {
				b = pixels[2]
			}
			minX, maxX := math.Min(a[0], b[0]), math.Max(a[0], b[0])
			minY, maxY := math.Min(a[1], b[1]), math.Max(a[1], b[1])
			if face != nil {
				for y := max(int(minY), clip.Min.Y); y < min(int(maxY), clip.Max.Y); y++ {
					for x := max(int(minX), clip.Min.X); x < min(int(maxX), clip.Max.X); x++ {
						blend(img, x, y, *face, layer.Opacity, layer.Blending)
					}
				}
			}
			corners := [][2]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}}
			polyline(corners, true, plot)
		case "ellipse":
			a, b := pixels[0], pixels[len(pixels)-1]
			cx, cy := (a[0]+b[0])/2, (a[1]+b[1])/2
			rx, ry := math.Abs(b[0]-a[0])/2, math.Abs(b[1]-a[1])/2
			const segments = 64
			outline := make([][2]float64, 0, segments)
			for i := range segments {
				theta := 2 * math.Pi * float64(i) / segments
				outline = append(outline, [2]float64{cx + rx*math.Cos(theta), cy + ry*math.Sin(theta)})
			}
			polyline(outline, true, plot)
		case "line":
			polyline(pixels[:2], false, plot)
		case "path":
			polyline(pixels, false, plot)
		default:
			polyline(pixels, true, plot)
		}
	}
}

// onCurrentSlice reports whether the leading coordinates of a vertex
// match the current slider positions. Everything is on-slice in 3D.
func (v *Viewer) onCurrentSlice(vertex []float64, world []int) bool {
	if v.ndisplay == 3 {
		return true
	}
	offset := len(world) - len(vertex)
	for axis := 0; axis < len(vertex)-2; axis++ {
		worldAxis := offset + axis
		if worldAxis < 0 || worldAxis >= len(world) {
			continue
		}
		if int(math.Round(vertex[axis])) != world[worldAxis] {
			return false
		}
	}
	return true
}

func polyline(points [][2]float64, closed bool, plot func(x, y int)) {
	for i := 0; i+1 < len(points); i++ {
		line(points[i], points[i+1], plot)
	}
	if closed && len(points) > 2 {
		line(points[len(points)-1], points[0], plot)
	}
}

// line rasterizes a segment with Bresenham's algorithm.
func line(from, to [2]float64, plot func(x, y int)) {
	x0, y0 := int(math.Round(from[0])), int(math.Round(from[1]))
	x1, y1 := int(math.Round(to[0])), int(math.Round(to[1]))
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		plot(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func (v *Viewer) drawChrome(img *image.NRGBA) {
	bounds := img.Bounds()
	draw.Draw(img, image.Rect(0, 0, bounds.Dx(), headerHeight), &image.Uniform{C: headerColor}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, headerHeight, panelWidth, bounds.Dy()), &image.Uniform{C: panelColor}, image.Point{}, draw.Src)

	// Top of the stack is listed first, like a layer list widget.
	for i := len(v.layers) - 1; i >= 0; i-- {
		layer := v.layers[i]
		row := len(v.layers) - 1 - i
		y0 := headerHeight + 4 + row*(swatchHeight+4)
		if y0+swatchHeight > bounds.Dy() {
			break
		}
		swatch := swatchColor(layer)
		if !layer.Visible {
			swatch.A = 80
		}
		rect := image.Rect(8, y0, panelWidth-8, y0+swatchHeight)
		draw.Draw(img, rect, &image.Uniform{C: swatch}, image.Point{}, draw.Over)
		if layer.Name == v.selected {
			outline := [][2]float64{
				{float64(rect.Min.X - 2), float64(rect.Min.Y - 2)},
				{float64(rect.Max.X + 1), float64(rect.Min.Y - 2)},
				{float64(rect.Max.X + 1), float64(rect.Max.Y + 1)},
				{float64(rect.Min.X - 2), float64(rect.Max.Y + 1)},
			}
			polyline(outline, true, func(x, y int) {
				img.SetNRGBA(x, y, namedColors["white"])
			})
		}
	}
}

func swatchColor(layer *Layer) color.NRGBA {
	switch layer.Type {
	case LayerLabels:
		return labelColor(1)
	case LayerPoints:
		if parsed, err := ParseColor(layer.FaceColor); err == nil {
			return parsed
		}
	case LayerShapes:
		if parsed, err := ParseColor(layer.EdgeColor); err == nil {
			return parsed
		}
	default:
		if stops, ok := colormaps[layer.Colormap]; ok {
			return stops[len(stops)-1]
		}
	}
	return namedColors["gray"]
}

func blend(img *image.NRGBA, x, y int, src color.NRGBA, opacity float64, mode string) {
	dst := img.NRGBAAt(x, y)
	alpha := opacity * float64(src.A) / 255
	mix := func(d, s uint8) uint8 {
		switch mode {
		case BlendingAdditive:
			return uint8(math.Min(255, float64(d)+float64(s)*alpha))
		case BlendingOpaque:
			return uint8(math.Round(float64(s) * alpha))
		default:
			return uint8(math.Round(float64(s)*alpha + float64(d)*(1-alpha)))
		}
	}
	img.SetNRGBA(x, y, color.NRGBA{R: mix(dst.R, src.R), G: mix(dst.G, src.G), B: mix(dst.B, src.B), A: 255})
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}
