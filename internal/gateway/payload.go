package gateway

import (
	"encoding/base64"

	"github.com/ship-commander/cmdbridge/internal/session"
	"github.com/ship-commander/cmdbridge/internal/viewer"
)

const mimePNG = "image/png"

// LayerInfo describes one layer.
type LayerInfo struct {
	Index          int       `cbor:"index"`
	Name           string    `cbor:"name"`
	Type           string    `cbor:"type"`
	Visible        bool      `cbor:"visible"`
	Opacity        float64   `cbor:"opacity"`
	Colormap       string    `cbor:"colormap,omitempty"`
	Blending       string    `cbor:"blending,omitempty"`
	ContrastLimits []float64 `cbor:"contrast_limits,omitempty"`
	Gamma          float64   `cbor:"gamma,omitempty"`
	NDim           int       `cbor:"ndim"`
	Shape          []int     `cbor:"shape,omitempty"`
	Extent         []float64 `cbor:"extent,omitempty"`
	Selected       bool      `cbor:"selected"`
}

// CameraInfo is the camera state.
type CameraInfo struct {
	Center []float64 `cbor:"center"`
	Zoom   float64   `cbor:"zoom"`
	Angles []float64 `cbor:"angles"`
}

// GridInfo is the grid state.
type GridInfo struct {
	Enabled bool `cbor:"enabled"`
	Rows    int  `cbor:"rows"`
	Cols    int  `cbor:"cols"`
	Stride  int  `cbor:"stride"`
}

// ViewerInfo describes the running viewer.
type ViewerInfo struct {
	Title       string     `cbor:"title"`
	Width       int        `cbor:"width"`
	Height      int        `cbor:"height"`
	NDisplay    int        `cbor:"ndisplay"`
	NDim        int        `cbor:"ndim"`
	NSteps      []int      `cbor:"nsteps"`
	CurrentStep []int      `cbor:"current_step"`
	Camera      CameraInfo `cbor:"camera"`
	Grid        GridInfo   `cbor:"grid"`
	Selected    string     `cbor:"selected_layer,omitempty"`
	LayerCount  int        `cbor:"n_layers"`
}

// SessionInfo is the session_information payload.
type SessionInfo struct {
	Session session.Status `cbor:"session"`
	Viewer  *ViewerInfo    `cbor:"viewer,omitempty"`
	Layers  []LayerInfo    `cbor:"layers"`
}

// LifecycleResult answers init_viewer and close_viewer.
type LifecycleResult struct {
	Changed bool           `cbor:"changed"`
	Session session.Status `cbor:"session"`
}

// LayerResult answers layer mutations.
type LayerResult struct {
	Status string    `cbor:"status"`
	Layer  LayerInfo `cbor:"layer"`
}

// ImageResult is an encoded screenshot.
type ImageResult struct {
	MimeType   string `cbor:"mime_type"`
	Base64Data string `cbor:"base64_data"`
}

// FrameResult is one encoded timelapse frame.
type FrameResult struct {
	Step       int    `cbor:"step"`
	MimeType   string `cbor:"mime_type"`
	Base64Data string `cbor:"base64_data"`
}

// TimelapseResult answers timelapse_screenshot.
type TimelapseResult struct {
	Axis     int           `cbor:"axis"`
	AxisSize int           `cbor:"axis_size"`
	Indices  []int         `cbor:"indices"`
	Scale    float64       `cbor:"scale"`
	Frames   []FrameResult `cbor:"frames"`
}

// OutputPage answers read_output.
type OutputPage struct {
	OutputID   string   `cbor:"output_id"`
	ToolName   string   `cbor:"tool_name"`
	Lines      []string `cbor:"lines"`
	TotalLines int      `cbor:"total_lines"`
	LineRange  [2]int   `cbor:"line_range"`
	ResultRepr string   `cbor:"result_repr,omitempty"`
	Truncated  bool     `cbor:"truncated"`
}

func describeLayer(v *viewer.Viewer, index int, layer *viewer.Layer) LayerInfo {
	info := LayerInfo{
		Index:    index,
		Name:     layer.Name,
		Type:     string(layer.Type),
		Visible:  layer.Visible,
		Opacity:  layer.Opacity,
		Colormap: layer.Colormap,
		Blending: layer.Blending,
		NDim:     layer.NDim(),
		Extent:   layer.Extent(),
		Selected: v.Selected() == layer.Name,
	}
	if layer.Type == viewer.LayerImage || layer.Type == viewer.LayerLabels {
		info.Shape = append([]int(nil), layer.Data.Shape...)
		info.Gamma = layer.Gamma
		if layer.Type == viewer.LayerImage {
			info.ContrastLimits = []float64{layer.ContrastLimits[0], layer.ContrastLimits[1]}
		}
	}
	return info
}

func describeLayers(v *viewer.Viewer) []LayerInfo {
	layers := v.Layers()
	infos := make([]LayerInfo, 0, len(layers))
	for i, layer := range layers {
		infos = append(infos, describeLayer(v, i, layer))
	}
	return infos
}

func describeLayerNamed(v *viewer.Viewer, name string) (LayerInfo, error) {
	for i, layer := range v.Layers() {
		if layer.Name == name {
			return describeLayer(v, i, layer), nil
		}
	}
	_, err := v.Layer(name)
	return LayerInfo{}, err
}

func describeCamera(camera viewer.Camera) CameraInfo {
	return CameraInfo{Center: camera.Center, Zoom: camera.Zoom, Angles: camera.Angles}
}

func describeGrid(grid viewer.Grid) GridInfo {
	return GridInfo{Enabled: grid.Enabled, Rows: grid.Rows, Cols: grid.Cols, Stride: grid.Stride}
}

func describeViewer(v *viewer.Viewer) *ViewerInfo {
	width, height := v.CanvasSize()
	return &ViewerInfo{
		Title:       v.Title(),
		Width:       width,
		Height:      height,
		NDisplay:    v.NDisplay(),
		NDim:        v.NDim(),
		NSteps:      v.NSteps(),
		CurrentStep: v.CurrentStep(),
		Camera:      describeCamera(v.Camera()),
		Grid:        describeGrid(v.Grid()),
		Selected:    v.Selected(),
		LayerCount:  len(v.Layers()),
	}
}

func encodePNG(data []byte) ImageResult {
	return ImageResult{MimeType: mimePNG, Base64Data: base64.StdEncoding.EncodeToString(data)}
}
