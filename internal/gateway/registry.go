package gateway

import "github.com/ship-commander/cmdbridge/internal/bridge"

func queued(name, description string, params []Param, build buildFunc) *Operation {
	return &Operation{Name: name, Description: description, Class: bridge.ClassStandard, Route: RouteQueued, Params: params, build: build}
}

func extended(name, description string, params []Param, build buildFunc) *Operation {
	return &Operation{Name: name, Description: description, Class: bridge.ClassExtended, Route: RouteQueued, Params: params, build: build}
}

func control(name, description string, params []Param, run directFunc) *Operation {
	return &Operation{Name: name, Description: description, Route: RouteControl, Params: params, direct: run}
}

func direct(name, description string, params []Param, run directFunc) *Operation {
	return &Operation{Name: name, Description: description, Route: RouteDirect, Params: params, direct: run}
}

var (
	nameParam      = Param{Name: "name", Type: TypeString, Required: true, Description: "Layer name."}
	lineLimitParam = Param{Name: "line_limit", Type: TypeInteger, Description: "Lines of output to return; -1 returns everything."}
	timeoutParam   = Param{Name: "timeout", Type: TypeNumber, Description: "Process timeout in seconds."}
)

func registry() []*Operation {
	return []*Operation{
		queued("init_viewer", "Create the viewer session, or return the running one.", []Param{
			{Name: "title", Type: TypeString, Description: "Window title."},
			{Name: "width", Type: TypeInteger, Description: "Canvas width in pixels."},
			{Name: "height", Type: TypeInteger, Description: "Canvas height in pixels."},
		}, buildInitViewer),
		queued("close_viewer", "Close the viewer session.", nil, buildCloseViewer),
		queued("session_information", "Report the session, viewer state and layers.", nil, buildSessionInformation),
		queued("list_layers", "List layers from bottom to top.", nil, buildListLayers),
		queued("add_image", "Add an image layer from a file path or an array.", []Param{
			{Name: "name", Type: TypeString, Description: "Layer name."},
			{Name: "path", Type: TypeString, Description: "Image file to load."},
			{Name: "data", Type: TypeAny, Description: "Nested numeric array with at least 2 dimensions."},
			{Name: "colormap", Type: TypeString},
			{Name: "blending", Type: TypeString},
			{Name: "contrast_limits", Type: TypeArray, Description: "[min, max]."},
			{Name: "gamma", Type: TypeNumber},
			{Name: "opacity", Type: TypeNumber},
			{Name: "visible", Type: TypeBoolean},
		}, buildAddImage),
		queued("add_labels", "Add an integer label layer from a file path or an array.", []Param{
			{Name: "name", Type: TypeString, Description: "Layer name."},
			{Name: "path", Type: TypeString, Description: "Label image file to load."},
			{Name: "data", Type: TypeAny, Description: "Nested integer array."},
			{Name: "opacity", Type: TypeNumber},
			{Name: "visible", Type: TypeBoolean},
		}, buildAddLabels),
		queued("add_points", "Add a points layer.", []Param{
			{Name: "points", Type: TypeArray, Required: true, Description: "List of coordinates."},
			{Name: "name", Type: TypeString, Description: "Layer name."},
			{Name: "size", Type: TypeNumber, Default: 10.0},
			{Name: "face_color", Type: TypeString},
		}, buildAddPoints),
		queued("add_shapes", "Add a shapes layer.", []Param{
			{Name: "data", Type: TypeArray, Description: "List of vertex lists, one per shape."},
			{Name: "shapes", Type: TypeArray, Description: "List of {shape_type, data} objects."},
			{Name: "shape_type", Type: TypeString, Default: "polygon", Description: "Type applied to every entry of data."},
			{Name: "name", Type: TypeString, Description: "Layer name."},
			{Name: "edge_color", Type: TypeString},
			{Name: "face_color", Type: TypeString},
		}, buildAddShapes),
		queued("remove_layer", "Remove a layer.", []Param{nameParam}, buildRemoveLayer),
		queued("set_layer_properties", "Change properties of a layer.", []Param{
			nameParam,
			{Name: "visible", Type: TypeBoolean},
			{Name: "opacity", Type: TypeNumber},
			{Name: "colormap", Type: TypeString},
			{Name: "blending", Type: TypeString},
			{Name: "contrast_limits", Type: TypeArray},
			{Name: "gamma", Type: TypeNumber},
			{Name: "new_name", Type: TypeString},
		}, buildSetLayerProperties),
		queued("reorder_layer", "Move a layer; give exactly one of index, before or after.", []Param{
			nameParam,
			{Name: "index", Type: TypeInteger},
			{Name: "before", Type: TypeString},
			{Name: "after", Type: TypeString},
		}, buildReorderLayer),
		queued("set_active_layer", "Select a layer.", []Param{nameParam}, buildSetActiveLayer),
		queued("reset_view", "Fit the camera to the data.", nil, buildResetView),
		queued("set_camera", "Set camera center, zoom or angle.", []Param{
			{Name: "center", Type: TypeArray},
			{Name: "zoom", Type: TypeNumber},
			{Name: "angle", Type: TypeNumber},
		}, buildSetCamera),
		queued("set_ndisplay", "Switch between 2D and 3D display.", []Param{
			{Name: "ndisplay", Type: TypeInteger, Required: true},
		}, buildSetNDisplay),
		queued("set_dims_current_step", "Move the slider of one axis.", []Param{
			{Name: "axis", Type: TypeInteger, Required: true},
			{Name: "value", Type: TypeInteger, Required: true},
		}, buildSetDimsCurrentStep),
		queued("set_grid", "Toggle grid mode.", []Param{
			{Name: "enabled", Type: TypeBoolean, Default: true},
			{Name: "rows", Type: TypeInteger, Default: 0},
			{Name: "cols", Type: TypeInteger, Default: 0},
			{Name: "stride", Type: TypeInteger, Default: 1},
		}, buildSetGrid),
		queued("screenshot", "Render the viewer to a PNG.", []Param{
			{Name: "canvas_only", Type: TypeBoolean, Default: true},
		}, buildScreenshot),
		queued("timelapse_screenshot", "Render one PNG per step of an axis.", []Param{
			{Name: "axis", Type: TypeInteger, Required: true},
			{Name: "slice_range", Type: TypeString, Default: ":", Description: "start:stop[:step], an index, or a comma separated list."},
			{Name: "canvas_only", Type: TypeBoolean, Default: true},
			{Name: "interpolate_to_fit", Type: TypeBoolean, Default: false},
		}, buildTimelapseScreenshot),

		extended("execute_command", "Run an executable and capture its output.", []Param{
			{Name: "command", Type: TypeString, Required: true, Description: "Shell-style command line."},
			{Name: "args", Type: TypeArray, Description: "Extra arguments appended verbatim."},
			{Name: "cwd", Type: TypeString},
			timeoutParam,
			lineLimitParam,
		}, buildExecuteCommand),
		extended("install_packages", "Install packages with pip.", []Param{
			{Name: "packages", Type: TypeArray, Required: true},
			{Name: "upgrade", Type: TypeBoolean, Default: false},
			{Name: "no_deps", Type: TypeBoolean, Default: false},
			{Name: "pre", Type: TypeBoolean, Default: false},
			{Name: "index_url", Type: TypeString},
			{Name: "extra_index_url", Type: TypeString},
			timeoutParam,
			lineLimitParam,
		}, buildInstallPackages),

		control("detect_viewers", "Report local and external availability without switching.", nil, runDetectViewers),
		control("set_target_mode", "Route commands locally, to the external peer, or by policy.", []Param{
			{Name: "mode", Type: TypeString, Required: true, Description: "local, external or auto."},
		}, runSetTargetMode),

		direct("list_operations", "List every operation with its arguments.", nil, runListOperations),
		direct("read_output", "Read stored output of an extended command.", []Param{
			{Name: "output_id", Type: TypeString, Required: true},
			{Name: "start", Type: TypeInteger, Default: 0},
			{Name: "end", Type: TypeInteger, Default: -1},
			{Name: "stream", Type: TypeString, Description: "combined, stdout or stderr."},
		}, runReadOutput),
		direct("bridge_status", "Report queue, session, routing and output store state.", nil, runBridgeStatus),
		direct("handshake", "Answer a protocol handshake.", []Param{
			{Name: "protocol_version", Type: TypeString},
		}, runHandshake),
	}
}
