package viewer

import (
	"fmt"
	"math"
	"strings"
)

// ImageSpec describes an image or labels layer to add. Exactly one of
// Path or Data must be set.
type ImageSpec struct {
	Name           string
	Path           string
	Data           any
	Colormap       string
	Blending       string
	ContrastLimits *[2]float64
	Gamma          *float64
	Opacity        *float64
	Visible        *bool
}

// PointsSpec describes a points layer.
type PointsSpec struct {
	Name      string
	Points    [][]float64
	Size      float64
	FaceColor string
}

// ShapesSpec describes a shapes layer.
type ShapesSpec struct {
	Name      string
	Shapes    []Shape
	EdgeColor string
	FaceColor string
}

// AddImage adds an intensity image layer.
func (v *Viewer) AddImage(spec ImageSpec) (*Layer, error) {
	data, err := loadSpecData(spec)
	if err != nil {
		return nil, err
	}
	layer := &Layer{
		Name:     spec.Name,
		Type:     LayerImage,
		Visible:  true,
		Opacity:  1,
		Gamma:    1,
		Data:     data,
		Colormap: strings.ToLower(strings.TrimSpace(spec.Colormap)),
		Blending: strings.ToLower(strings.TrimSpace(spec.Blending)),
	}
	if layer.Colormap != "" && !KnownColormap(layer.Colormap) {
		return nil, fmt.Errorf("%w: unknown colormap %q", ErrInvalidArgument, spec.Colormap)
	}
	if layer.Blending != "" && !validBlending(layer.Blending) {
		return nil, fmt.Errorf("%w: unknown blending %q", ErrInvalidArgument, spec.Blending)
	}
	if err := applyImageOverrides(layer, spec); err != nil {
		return nil, err
	}
	return v.addLayer(layer)
}

// AddLabels adds an integer label layer. Label 0 is background.
func (v *Viewer) AddLabels(spec ImageSpec) (*Layer, error) {
	data, err := loadSpecData(spec)
	if err != nil {
		return nil, err
	}
	for i, value := range data.Values {
		if value < 0 || value != math.Trunc(value) {
			return nil, fmt.Errorf("%w: label data must hold non-negative integers (element %d is %v)", ErrInvalidArgument, i, value)
		}
	}
	layer := &Layer{
		Name:     spec.Name,
		Type:     LayerLabels,
		Visible:  true,
		Data:     data,
		Colormap: "labels",
	}
	if spec.Opacity != nil {
		layer.Opacity = *spec.Opacity
	} else {
		layer.Opacity = 0.7
	}
	if spec.Visible != nil {
		layer.Visible = *spec.Visible
	}
	return v.addLayer(layer)
}

// AddPoints adds a points layer.
func (v *Viewer) AddPoints(spec PointsSpec) (*Layer, error) {
	if len(spec.Points) == 0 {
		return nil, fmt.Errorf("%w: points must not be empty", ErrInvalidArgument)
	}
	ndim := len(spec.Points[0])
	if ndim < 2 {
		return nil, fmt.Errorf("%w: points need at least 2 coordinates", ErrInvalidArgument)
	}
	for i, point := range spec.Points {
		if len(point) != ndim {
			return nil, fmt.Errorf("%w: point %d has %d coordinates, want %d", ErrInvalidArgument, i, len(point), ndim)
		}
	}
	if spec.Size < 0 {
		return nil, fmt.Errorf("%w: size must not be negative", ErrInvalidArgument)
	}
	faceColor := strings.TrimSpace(spec.FaceColor)
	if faceColor == "" {
		faceColor = "white"
	}
	if _, err := ParseColor(faceColor); err != nil {
		return nil, err
	}
	return v.addLayer(&Layer{
		Name:      spec.Name,
		Type:      LayerPoints,
		Visible:   true,
		Opacity:   1,
		Points:    clonePoints(spec.Points),
		PointSize: spec.Size,
		FaceColor: faceColor,
	})
}

// AddShapes adds a vector shapes layer.
func (v *Viewer) AddShapes(spec ShapesSpec) (*Layer, error) {
	if len(spec.Shapes) == 0 {
		return nil, fmt.Errorf("%w: shapes must not be empty", ErrInvalidArgument)
	}
	shapes := make([]Shape, 0, len(spec.Shapes))
	for i, shape := range spec.Shapes {
		shapeType := strings.ToLower(strings.TrimSpace(shape.Type))
		if shapeType == "" {
			shapeType = "polygon"
		}
		minVertices, ok := shapeVertexMinimum[shapeType]
		if !ok {
			return nil, fmt.Errorf("%w: shape %d has unknown type %q", ErrInvalidArgument, i, shape.Type)
		}
		if len(shape.Vertices) < minVertices {
			return nil, fmt.Errorf("%w: %s shape %d needs at least %d vertices", ErrInvalidArgument, shapeType, i, minVertices)
		}
		for _, vertex := range shape.Vertices {
			if len(vertex) < 2 {
				return nil, fmt.Errorf("%w: shape %d has a vertex with fewer than 2 coordinates", ErrInvalidArgument, i)
			}
		}
		shapes = append(shapes, Shape{Type: shapeType, Vertices: clonePoints(shape.Vertices)})
	}
	edgeColor := strings.TrimSpace(spec.EdgeColor)
	if edgeColor == "" {
		edgeColor = "red"
	}
	for _, color := range []string{edgeColor, spec.FaceColor} {
		if strings.TrimSpace(color) == "" {
			continue
		}
		if _, err := ParseColor(color); err != nil {
			return nil, err
		}
	}
	return v.addLayer(&Layer{
		Name:      spec.Name,
		Type:      LayerShapes,
		Visible:   true,
		Opacity:   1,
		Shapes:    shapes,
		EdgeColor: edgeColor,
		FaceColor: strings.TrimSpace(spec.FaceColor),
	})
}

var shapeVertexMinimum = map[string]int{
	"rectangle": 2,
	"ellipse":   2,
	"line":      2,
	"path":      2,
	"polygon":   3,
}

func loadSpecData(spec ImageSpec) (Array, error) {
	path := strings.TrimSpace(spec.Path)
	switch {
	case path != "" && spec.Data != nil:
		return Array{}, fmt.Errorf("%w: provide either path or data, not both", ErrInvalidArgument)
	case path != "":
		return LoadImage(path)
	case spec.Data != nil:
		data, err := ParseArray(spec.Data)
		if err != nil {
			return Array{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		if data.NDim() < 2 {
			return Array{}, fmt.Errorf("%w: data needs at least 2 dimensions, got %d", ErrInvalidArgument, data.NDim())
		}
		return data, nil
	default:
		return Array{}, fmt.Errorf("%w: either path or data must be provided", ErrInvalidArgument)
	}
}

func applyImageOverrides(layer *Layer, spec ImageSpec) error {
	if spec.ContrastLimits != nil {
		if spec.ContrastLimits[0] >= spec.ContrastLimits[1] {
			return fmt.Errorf("%w: contrast limits must be increasing", ErrInvalidArgument)
		}
		layer.ContrastLimits = *spec.ContrastLimits
	}
	if spec.Gamma != nil {
		if *spec.Gamma <= 0 {
			return fmt.Errorf("%w: gamma must be positive", ErrInvalidArgument)
		}
		layer.Gamma = *spec.Gamma
	}
	if spec.Opacity != nil {
		if *spec.Opacity < 0 || *spec.Opacity > 1 {
			return fmt.Errorf("%w: opacity %v outside [0, 1]", ErrInvalidArgument, *spec.Opacity)
		}
		layer.Opacity = *spec.Opacity
	}
	if spec.Visible != nil {
		layer.Visible = *spec.Visible
	}
	return nil
}

func clonePoints(points [][]float64) [][]float64 {
	out := make([][]float64, len(points))
	for i, point := range points {
		out[i] = append([]float64(nil), point...)
	}
	return out
}
