// Package viewer is a headless, in-memory image viewer: an ordered stack
// of layers with a camera, dims sliders and a grid mode, rendered to PNG
// on demand. A Viewer is not safe for concurrent use; the bridge only
// touches it from the adapter goroutine.
package viewer

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	// ErrLayerNotFound indicates no layer has the requested name.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrInvalidArgument indicates a value the viewer cannot apply.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed indicates the viewer was already closed.
	ErrClosed = errors.New("viewer is closed")
)

// LayerType names the kind of data a layer holds.
type LayerType string

const (
	LayerImage  LayerType = "Image"
	LayerLabels LayerType = "Labels"
	LayerPoints LayerType = "Points"
	LayerShapes LayerType = "Shapes"
)

// Blending modes.
const (
	BlendingTranslucent = "translucent"
	BlendingAdditive    = "additive"
	BlendingOpaque      = "opaque"
)

// Options configures a new viewer.
type Options struct {
	Title  string
	Width  int
	Height int
}

// Shape is one vector shape of a shapes layer.
type Shape struct {
	Type     string      `cbor:"shape_type"`
	Vertices [][]float64 `cbor:"data"`
}

// Layer is one entry of the layer stack.
type Layer struct {
	Name           string
	Type           LayerType
	Visible        bool
	Opacity        float64
	Colormap       string
	Blending       string
	ContrastLimits [2]float64
	Gamma          float64

	Data      Array
	Points    [][]float64
	PointSize float64
	Shapes    []Shape
	EdgeColor string
	FaceColor string
}

// NDim returns the number of world axes the layer spans.
func (l *Layer) NDim() int {
	switch l.Type {
	case LayerPoints:
		return vertexDims(l.Points)
	case LayerShapes:
		ndim := 0
		for _, shape := range l.Shapes {
			ndim = max(ndim, vertexDims(shape.Vertices))
		}
		return ndim
	default:
		return l.Data.NDim()
	}
}

// Extent returns the size of the layer along each of its axes.
func (l *Layer) Extent() []float64 {
	switch l.Type {
	case LayerPoints:
		return vertexExtent(l.Points, l.NDim())
	case LayerShapes:
		var all [][]float64
		for _, shape := range l.Shapes {
			all = append(all, shape.Vertices...)
		}
		return vertexExtent(all, l.NDim())
	default:
		extent := make([]float64, len(l.Data.Shape))
		for i, size := range l.Data.Shape {
			extent[i] = float64(size)
		}
		return extent
	}
}

// Camera holds the 2D view transform. Center is in (row, col) world
// coordinates of the displayed plane.
type Camera struct {
	Center []float64
	Zoom   float64
	Angles []float64
}

// Grid tiles layers side by side instead of overlaying them.
type Grid struct {
	Enabled bool
	Rows    int
	Cols    int
	Stride  int
}

// Viewer is the owned, stateful subsystem.
type Viewer struct {
	title  string
	width  int
	height int

	layers      []*Layer
	selected    string
	camera      Camera
	ndisplay    int
	currentStep []int
	grid        Grid
	closed      bool
}

// New creates an empty viewer.
func New(options Options) (*Viewer, error) {
	if options.Width < 0 || options.Height < 0 {
		return nil, fmt.Errorf("%w: canvas size %dx%d", ErrInvalidArgument, options.Width, options.Height)
	}
	if options.Width == 0 {
		options.Width = 800
	}
	if options.Height == 0 {
		options.Height = 600
	}
	title := strings.TrimSpace(options.Title)
	if title == "" {
		title = "cmdbridge"
	}
	return &Viewer{
		title:    title,
		width:    options.Width,
		height:   options.Height,
		camera:   Camera{Center: []float64{0, 0}, Zoom: 1, Angles: []float64{0, 0, 90}},
		ndisplay: 2,
		grid:     Grid{Stride: 1},
	}, nil
}

// Close releases the layer stack. Closing twice returns ErrClosed.
func (v *Viewer) Close() error {
	if v.closed {
		return ErrClosed
	}
	v.closed = true
	v.layers = nil
	v.selected = ""
	return nil
}

// Title returns the window title.
func (v *Viewer) Title() string {
	return v.title
}

// Layers returns the layer stack from bottom to top.
func (v *Viewer) Layers() []*Layer {
	return slices.Clone(v.layers)
}

// Layer returns the named layer.
func (v *Viewer) Layer(name string) (*Layer, error) {
	index := v.indexOf(name)
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return v.layers[index], nil
}

// Selected returns the active layer name, or "" when none is active.
func (v *Viewer) Selected() string {
	return v.selected
}

// Camera returns a copy of the camera state.
func (v *Viewer) Camera() Camera {
	return Camera{
		Center: slices.Clone(v.camera.Center),
		Zoom:   v.camera.Zoom,
		Angles: slices.Clone(v.camera.Angles),
	}
}

// NDisplay returns the number of displayed dimensions.
func (v *Viewer) NDisplay() int {
	return v.ndisplay
}

// Grid returns the grid state.
func (v *Viewer) Grid() Grid {
	return v.grid
}

// CanvasSize returns the configured canvas size in pixels.
func (v *Viewer) CanvasSize() (int, int) {
	return v.width, v.height
}

// NDim returns the number of world axes spanned by all layers.
func (v *Viewer) NDim() int {
	ndim := 2
	for _, layer := range v.layers {
		ndim = max(ndim, layer.NDim())
	}
	return ndim
}

// NSteps returns the number of slider positions per world axis. Layers
// with fewer axes are aligned to the trailing world axes.
func (v *Viewer) NSteps() []int {
	ndim := v.NDim()
	steps := make([]int, ndim)
	for i := range steps {
		steps[i] = 1
	}
	for _, layer := range v.layers {
		extent := layer.Extent()
		offset := ndim - len(extent)
		for axis, size := range extent {
			steps[offset+axis] = max(steps[offset+axis], int(math.Ceil(size)))
		}
	}
	return steps
}

// CurrentStep returns the slider position for every world axis.
func (v *Viewer) CurrentStep() []int {
	ndim := v.NDim()
	steps := make([]int, ndim)
	offset := ndim - len(v.currentStep)
	for i, value := range v.currentStep {
		if offset+i >= 0 {
			steps[offset+i] = value
		}
	}
	return steps
}

// addLayer appends layer on top of the stack and selects it. An empty
// name is derived from the layer type; a taken name gets a numeric
// suffix.
func (v *Viewer) addLayer(layer *Layer) (*Layer, error) {
	if v.closed {
		return nil, ErrClosed
	}
	if layer == nil {
		return nil, fmt.Errorf("%w: layer is nil", ErrInvalidArgument)
	}
	applyLayerDefaults(layer)
	layer.Name = v.uniqueName(layer.Name, string(layer.Type))

	firstLayer := len(v.layers) == 0
	v.layers = append(v.layers, layer)
	v.selected = layer.Name
	v.syncSteps()
	if firstLayer {
		v.ResetView()
	}
	return layer, nil
}

// RemoveLayer drops the named layer.
func (v *Viewer) RemoveLayer(name string) error {
	index := v.indexOf(name)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	v.layers = slices.Delete(v.layers, index, index+1)
	if v.selected == name {
		v.selected = ""
		if len(v.layers) > 0 {
			v.selected = v.layers[len(v.layers)-1].Name
		}
	}
	v.syncSteps()
	return nil
}

// LayerProperties holds optional property updates; nil fields are left
// unchanged.
type LayerProperties struct {
	Visible        *bool
	Opacity        *float64
	Colormap       *string
	Blending       *string
	ContrastLimits *[2]float64
	Gamma          *float64
	NewName        *string
}

// SetLayerProperties applies every non-nil property to the named layer.
func (v *Viewer) SetLayerProperties(name string, properties LayerProperties) (*Layer, error) {
	layer, err := v.Layer(name)
	if err != nil {
		return nil, err
	}

	if properties.Opacity != nil && (*properties.Opacity < 0 || *properties.Opacity > 1) {
		return nil, fmt.Errorf("%w: opacity %v outside [0, 1]", ErrInvalidArgument, *properties.Opacity)
	}
	if properties.Gamma != nil && *properties.Gamma <= 0 {
		return nil, fmt.Errorf("%w: gamma must be positive", ErrInvalidArgument)
	}
	if properties.ContrastLimits != nil && properties.ContrastLimits[0] >= properties.ContrastLimits[1] {
		return nil, fmt.Errorf("%w: contrast limits must be increasing", ErrInvalidArgument)
	}
	if properties.Blending != nil && !validBlending(*properties.Blending) {
		return nil, fmt.Errorf("%w: unknown blending %q", ErrInvalidArgument, *properties.Blending)
	}
	if properties.Colormap != nil && !KnownColormap(*properties.Colormap) {
		return nil, fmt.Errorf("%w: unknown colormap %q", ErrInvalidArgument, *properties.Colormap)
	}
	if properties.NewName != nil {
		newName := strings.TrimSpace(*properties.NewName)
		if newName == "" {
			return nil, fmt.Errorf("%w: new name must not be empty", ErrInvalidArgument)
		}
		if newName != layer.Name && v.indexOf(newName) >= 0 {
			return nil, fmt.Errorf("%w: layer %q already exists", ErrInvalidArgument, newName)
		}
	}

	if properties.Visible != nil {
		layer.Visible = *properties.Visible
	}
	if properties.Opacity != nil {
		layer.Opacity = *properties.Opacity
	}
	if properties.Colormap != nil {
		layer.Colormap = strings.ToLower(*properties.Colormap)
	}
	if properties.Blending != nil {
		layer.Blending = strings.ToLower(*properties.Blending)
	}
	if properties.ContrastLimits != nil {
		layer.ContrastLimits = *properties.ContrastLimits
	}
	if properties.Gamma != nil {
		layer.Gamma = *properties.Gamma
	}
	if properties.NewName != nil {
		newName := strings.TrimSpace(*properties.NewName)
		if v.selected == layer.Name {
			v.selected = newName
		}
		layer.Name = newName
	}
	return layer, nil
}

// ReorderLayer moves the named layer. Exactly one of index, before or
// after must be set. It returns the final index of the layer.
func (v *Viewer) ReorderLayer(name string, index *int, before, after *string) (int, error) {
	current := v.indexOf(name)
	if current < 0 {
		return 0, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	set := 0
	for _, present := range []bool{index != nil, before != nil, after != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return 0, fmt.Errorf("%w: provide exactly one of index, before, or after", ErrInvalidArgument)
	}

	target := current
	switch {
	case index != nil:
		target = clamp(*index, 0, len(v.layers)-1)
	case before != nil:
		target = v.indexOf(*before)
		if target < 0 {
			return 0, fmt.Errorf("%w: %s", ErrLayerNotFound, *before)
		}
	case after != nil:
		target = v.indexOf(*after)
		if target < 0 {
			return 0, fmt.Errorf("%w: %s", ErrLayerNotFound, *after)
		}
		target++
	}

	if target != current {
		layer := v.layers[current]
		v.layers = slices.Delete(v.layers, current, current+1)
		if target > current {
			target--
		}
		target = clamp(target, 0, len(v.layers))
		v.layers = slices.Insert(v.layers, target, layer)
	}
	return v.indexOf(name), nil
}

// SetActiveLayer selects the named layer.
func (v *Viewer) SetActiveLayer(name string) error {
	if v.indexOf(name) < 0 {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	v.selected = name
	return nil
}

// ResetView centers the camera on the data and zooms to fit the canvas.
func (v *Viewer) ResetView() {
	rows, cols := v.worldPlaneSize()
	v.camera.Center = []float64{rows / 2, cols / 2}
	v.camera.Zoom = 1
	if rows > 0 && cols > 0 {
		v.camera.Zoom = 0.95 * math.Min(float64(v.height)/rows, float64(v.width)/cols)
	}
	v.camera.Angles = []float64{0, 0, 90}
}

// SetCamera updates any non-nil camera field.
func (v *Viewer) SetCamera(center []float64, zoom *float64, angle *float64) (Camera, error) {
	if zoom != nil && *zoom <= 0 {
		return Camera{}, fmt.Errorf("%w: zoom must be positive", ErrInvalidArgument)
	}
	if center != nil {
		if len(center) < 2 || len(center) > 3 {
			return Camera{}, fmt.Errorf("%w: center needs 2 or 3 values", ErrInvalidArgument)
		}
		v.camera.Center = slices.Clone(center[len(center)-2:])
	}
	if zoom != nil {
		v.camera.Zoom = *zoom
	}
	if angle != nil {
		v.camera.Angles = []float64{*angle}
	}
	return v.Camera(), nil
}

// SetNDisplay switches between 2D and 3D display.
func (v *Viewer) SetNDisplay(ndisplay int) error {
	if ndisplay != 2 && ndisplay != 3 {
		return fmt.Errorf("%w: ndisplay must be 2 or 3, got %d", ErrInvalidArgument, ndisplay)
	}
	v.ndisplay = ndisplay
	return nil
}

// SetCurrentStep moves the slider of one world axis. The value is
// clamped to the axis range.
func (v *Viewer) SetCurrentStep(axis, value int) (int, error) {
	nsteps := v.NSteps()
	if axis < 0 || axis >= len(nsteps) {
		return 0, fmt.Errorf("%w: axis %d outside 0-%d", ErrInvalidArgument, axis, len(nsteps)-1)
	}
	v.syncSteps()
	value = clamp(value, 0, nsteps[axis]-1)
	v.currentStep[axis] = value
	return value, nil
}

// SetGrid toggles grid mode. Zero rows or cols pick a square layout.
func (v *Viewer) SetGrid(enabled bool, rows, cols, stride int) (Grid, error) {
	if rows < 0 || cols < 0 {
		return Grid{}, fmt.Errorf("%w: grid shape must not be negative", ErrInvalidArgument)
	}
	if stride == 0 {
		stride = 1
	}
	v.grid = Grid{Enabled: enabled, Rows: rows, Cols: cols, Stride: stride}
	return v.grid, nil
}

func (v *Viewer) indexOf(name string) int {
	name = strings.TrimSpace(name)
	for i, layer := range v.layers {
		if layer.Name == name {
			return i
		}
	}
	return -1
}

func (v *Viewer) uniqueName(name, fallback string) string {
	base := strings.TrimSpace(name)
	if base == "" {
		base = fallback
	}
	candidate := base
	for suffix := 1; v.indexOf(candidate) >= 0; suffix++ {
		candidate = fmt.Sprintf("%s [%d]", base, suffix)
	}
	return candidate
}

// syncSteps resizes the slider vector to the current world dimensionality.
func (v *Viewer) syncSteps() {
	ndim := v.NDim()
	if len(v.currentStep) == ndim {
		return
	}
	v.currentStep = v.CurrentStep()
	nsteps := v.NSteps()
	for axis := range v.currentStep {
		v.currentStep[axis] = clamp(v.currentStep[axis], 0, nsteps[axis]-1)
	}
}

// worldPlaneSize returns the extent of the two displayed axes.
func (v *Viewer) worldPlaneSize() (float64, float64) {
	nsteps := v.NSteps()
	if len(v.layers) == 0 {
		return 0, 0
	}
	return float64(nsteps[len(nsteps)-2]), float64(nsteps[len(nsteps)-1])
}

func applyLayerDefaults(layer *Layer) {
	if layer.Gamma <= 0 {
		layer.Gamma = 1
	}
	if layer.Blending == "" {
		layer.Blending = BlendingTranslucent
	}
	if layer.Colormap == "" {
		layer.Colormap = "gray"
	}
	if layer.PointSize == 0 {
		layer.PointSize = 10
	}
	if layer.Type == LayerImage && layer.ContrastLimits == [2]float64{} {
		lo, hi := layer.Data.MinMax()
		if hi <= lo {
			hi = lo + 1
		}
		layer.ContrastLimits = [2]float64{lo, hi}
	}
}

func validBlending(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case BlendingTranslucent, BlendingAdditive, BlendingOpaque:
		return true
	default:
		return false
	}
}

func vertexDims(vertices [][]float64) int {
	ndim := 0
	for _, vertex := range vertices {
		ndim = max(ndim, len(vertex))
	}
	return ndim
}

func vertexExtent(vertices [][]float64, ndim int) []float64 {
	extent := make([]float64, ndim)
	for _, vertex := range vertices {
		offset := ndim - len(vertex)
		for axis, coordinate := range vertex {
			extent[offset+axis] = math.Max(extent[offset+axis], coordinate+1)
		}
	}
	return extent
}
