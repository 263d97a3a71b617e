package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

// withViewer adapts fn into a handler that needs a running session.
func withViewer(fn func(v *viewer.Viewer) (any, error)) bridge.Handler {
	return func(_ context.Context, sessions *session.Manager) (any, error) {
		v, err := sessions.Require()
		if err != nil {
			return nil, err
		}
		return fn(v)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", bridge.ErrValidation, fmt.Sprintf(format, args...))
}

func buildInitViewer(g *Gateway, args Args) (bridge.Handler, error) {
	options := g.defaults
	if title := strings.TrimSpace(args.String("title")); title != "" {
		options.Title = title
	}
	if args.Has("width") {
		options.Width = args.Int("width")
	}
	if args.Has("height") {
		options.Height = args.Int("height")
	}
	if options.Width <= 0 || options.Height <= 0 {
		return nil, invalid("canvas size must be positive, got %dx%d", options.Width, options.Height)
	}
	return func(ctx context.Context, sessions *session.Manager) (any, error) {
		status, created, err := sessions.Init(ctx, options)
		if err != nil {
			return nil, err
		}
		return LifecycleResult{Changed: created, Session: status}, nil
	}, nil
}

func buildCloseViewer(*Gateway, Args) (bridge.Handler, error) {
	return func(ctx context.Context, sessions *session.Manager) (any, error) {
		closed, err := sessions.Close(ctx)
		if err != nil {
			return nil, err
		}
		return LifecycleResult{Changed: closed, Session: sessions.Status()}, nil
	}, nil
}

func buildSessionInformation(*Gateway, Args) (bridge.Handler, error) {
	return func(_ context.Context, sessions *session.Manager) (any, error) {
		info := SessionInfo{Session: sessions.Status(), Layers: []LayerInfo{}}
		if !info.Session.Running() {
			return info, nil
		}
		v, err := sessions.Require()
		if err != nil {
			return nil, err
		}
		info.Viewer = describeViewer(v)
		info.Layers = describeLayers(v)
		return info, nil
	}, nil
}

func buildListLayers(*Gateway, Args) (bridge.Handler, error) {
	return withViewer(func(v *viewer.Viewer) (any, error) {
		return describeLayers(v), nil
	}), nil
}

func imageSpec(args Args) (viewer.ImageSpec, error) {
	spec := viewer.ImageSpec{
		Name:     args.String("name"),
		Path:     args.String("path"),
		Data:     nested(args["data"]),
		Colormap: args.String("colormap"),
		Blending: args.String("blending"),
		Gamma:    args.FloatPtr("gamma"),
		Opacity:  args.FloatPtr("opacity"),
		Visible:  args.BoolPtr("visible"),
	}
	if strings.TrimSpace(spec.Path) == "" && spec.Data == nil {
		return spec, invalid("either path or data must be provided")
	}
	limits, err := contrastLimits(args)
	if err != nil {
		return spec, err
	}
	spec.ContrastLimits = limits
	return spec, nil
}

func contrastLimits(args Args) (*[2]float64, error) {
	if !args.Has("contrast_limits") {
		return nil, nil
	}
	values, err := args.Floats("contrast_limits")
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, invalid("contrast_limits needs exactly 2 values, got %d", len(values))
	}
	return &[2]float64{values[0], values[1]}, nil
}

func layerResult(v *viewer.Viewer, layer *viewer.Layer) (any, error) {
	info, err := describeLayerNamed(v, layer.Name)
	if err != nil {
		return nil, err
	}
	return LayerResult{Status: "ok", Layer: info}, nil
}

func buildAddImage(_ *Gateway, args Args) (bridge.Handler, error) {
	spec, err := imageSpec(args)
	if err != nil {
		return nil, err
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		layer, err := v.AddImage(spec)
		if err != nil {
			return nil, err
		}
		return layerResult(v, layer)
	}), nil
}

func buildAddLabels(_ *Gateway, args Args) (bridge.Handler, error) {
	spec, err := imageSpec(args)
	if err != nil {
		return nil, err
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		layer, err := v.AddLabels(spec)
		if err != nil {
			return nil, err
		}
		return layerResult(v, layer)
	}), nil
}

func buildAddPoints(_ *Gateway, args Args) (bridge.Handler, error) {
	points, err := args.Matrix("points")
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, invalid("points must not be empty")
	}
	spec := viewer.PointsSpec{
		Name:      args.String("name"),
		Points:    points,
		Size:      args.Float("size"),
		FaceColor: args.String("face_color"),
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		layer, err := v.AddPoints(spec)
		if err != nil {
			return nil, err
		}
		return layerResult(v, layer)
	}), nil
}

func buildAddShapes(_ *Gateway, args Args) (bridge.Handler, error) {
	var shapes []viewer.Shape
	if args.Has("data") {
		shapeType := args.String("shape_type")
		for i, item := range args.Array("data") {
			vertices, ok := toArray(item)
			if !ok {
				return nil, invalid("data[%d] must be a list of vertices", i)
			}
			matrix, err := toMatrix(fmt.Sprintf("data[%d]", i), vertices)
			if err != nil {
				return nil, err
			}
			shapes = append(shapes, viewer.Shape{Type: shapeType, Vertices: matrix})
		}
	}
	for i, item := range args.Array("shapes") {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("shapes[%d] must be an object", i)
		}
		shapeType, _ := object["shape_type"].(string)
		vertices, ok := toArray(object["data"])
		if !ok {
			return nil, invalid("shapes[%d].data must be a list of vertices", i)
		}
		matrix, err := toMatrix(fmt.Sprintf("shapes[%d].data", i), vertices)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, viewer.Shape{Type: shapeType, Vertices: matrix})
	}
	if len(shapes) == 0 {
		return nil, invalid("provide data or shapes")
	}
	spec := viewer.ShapesSpec{
		Name:      args.String("name"),
		Shapes:    shapes,
		EdgeColor: args.String("edge_color"),
		FaceColor: args.String("face_color"),
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		layer, err := v.AddShapes(spec)
		if err != nil {
			return nil, err
		}
		return layerResult(v, layer)
	}), nil
}

func buildRemoveLayer(_ *Gateway, args Args) (bridge.Handler, error) {
	name := args.String("name")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		if err := v.RemoveLayer(name); err != nil {
			return nil, err
		}
		return map[string]any{"status": "removed", "name": name}, nil
	}), nil
}

func buildSetLayerProperties(_ *Gateway, args Args) (bridge.Handler, error) {
	limits, err := contrastLimits(args)
	if err != nil {
		return nil, err
	}
	name := args.String("name")
	properties := viewer.LayerProperties{
		Visible:        args.BoolPtr("visible"),
		Opacity:        args.FloatPtr("opacity"),
		Colormap:       args.StringPtr("colormap"),
		Blending:       args.StringPtr("blending"),
		ContrastLimits: limits,
		Gamma:          args.FloatPtr("gamma"),
		NewName:        args.StringPtr("new_name"),
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		layer, err := v.SetLayerProperties(name, properties)
		if err != nil {
			return nil, err
		}
		return layerResult(v, layer)
	}), nil
}

func buildReorderLayer(_ *Gateway, args Args) (bridge.Handler, error) {
	name := args.String("name")
	index := args.IntPtr("index")
	before := args.StringPtr("before")
	after := args.StringPtr("after")
	set := 0
	for _, present := range []bool{index != nil, before != nil, after != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, invalid("provide exactly one of index, before, or after")
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		final, err := v.ReorderLayer(name, index, before, after)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "name": name, "index": final}, nil
	}), nil
}

func buildSetActiveLayer(_ *Gateway, args Args) (bridge.Handler, error) {
	name := args.String("name")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		if err := v.SetActiveLayer(name); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "active": name}, nil
	}), nil
}

func buildResetView(*Gateway, Args) (bridge.Handler, error) {
	return withViewer(func(v *viewer.Viewer) (any, error) {
		v.ResetView()
		return describeCamera(v.Camera()), nil
	}), nil
}

func buildSetCamera(_ *Gateway, args Args) (bridge.Handler, error) {
	center, err := args.Floats("center")
	if err != nil {
		return nil, err
	}
	zoom := args.FloatPtr("zoom")
	angle := args.FloatPtr("angle")
	if center == nil && zoom == nil && angle == nil {
		return nil, invalid("provide at least one of center, zoom, or angle")
	}
	return withViewer(func(v *viewer.Viewer) (any, error) {
		camera, err := v.SetCamera(center, zoom, angle)
		if err != nil {
			return nil, err
		}
		return describeCamera(camera), nil
	}), nil
}

func buildSetNDisplay(_ *Gateway, args Args) (bridge.Handler, error) {
	ndisplay := args.Int("ndisplay")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		if err := v.SetNDisplay(ndisplay); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "ndisplay": ndisplay}, nil
	}), nil
}

func buildSetDimsCurrentStep(_ *Gateway, args Args) (bridge.Handler, error) {
	axis, value := args.Int("axis"), args.Int("value")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		applied, err := v.SetCurrentStep(axis, value)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "axis": axis, "value": applied, "current_step": v.CurrentStep()}, nil
	}), nil
}

func buildSetGrid(_ *Gateway, args Args) (bridge.Handler, error) {
	enabled := args.Bool("enabled")
	rows, cols, stride := args.Int("rows"), args.Int("cols"), args.Int("stride")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		grid, err := v.SetGrid(enabled, rows, cols, stride)
		if err != nil {
			return nil, err
		}
		return describeGrid(grid), nil
	}), nil
}

func buildScreenshot(_ *Gateway, args Args) (bridge.Handler, error) {
	canvasOnly := args.Bool("canvas_only")
	return withViewer(func(v *viewer.Viewer) (any, error) {
		data, err := v.Screenshot(canvasOnly)
		if err != nil {
			return nil, err
		}
		return encodePNG(data), nil
	}), nil
}

func buildTimelapseScreenshot(g *Gateway, args Args) (bridge.Handler, error) {
	axis := args.Int("axis")
	sliceRange := args.String("slice_range")
	canvasOnly := args.Bool("canvas_only")
	interpolate := args.Bool("interpolate_to_fit")
	budget := g.timelapseBudget
	return withViewer(func(v *viewer.Viewer) (any, error) {
		timelapse, err := v.SweepAxis(axis, sliceRange, canvasOnly, interpolate, budget)
		if err != nil {
			return nil, err
		}
		result := TimelapseResult{
			Axis:     timelapse.Axis,
			AxisSize: timelapse.AxisSize,
			Indices:  timelapse.Indices,
			Scale:    timelapse.Scale,
			Frames:   make([]FrameResult, 0, len(timelapse.Frames)),
		}
		for _, frame := range timelapse.Frames {
			encoded := encodePNG(frame.PNG)
			result.Frames = append(result.Frames, FrameResult{Step: frame.Step, MimeType: encoded.MimeType, Base64Data: encoded.Base64Data})
		}
		return result, nil
	}), nil
}
