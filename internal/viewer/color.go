package viewer

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var namedColors = map[string]color.NRGBA{
	"white":   {255, 255, 255, 255},
	"black":   {0, 0, 0, 255},
	"red":     {255, 0, 0, 255},
	"green":   {0, 255, 0, 255},
	"blue":    {0, 0, 255, 255},
	"yellow":  {255, 255, 0, 255},
	"cyan":    {0, 255, 255, 255},
	"magenta": {255, 0, 255, 255},
	"orange":  {255, 165, 0, 255},
	"gray":    {128, 128, 128, 255},
}

// colormaps are piecewise-linear gradients sampled at evenly spaced stops.
var colormaps = map[string][]color.NRGBA{
	"gray":    {{0, 0, 0, 255}, {255, 255, 255, 255}},
	"red":     {{0, 0, 0, 255}, {255, 0, 0, 255}},
	"green":   {{0, 0, 0, 255}, {0, 255, 0, 255}},
	"blue":    {{0, 0, 0, 255}, {0, 0, 255, 255}},
	"cyan":    {{0, 0, 0, 255}, {0, 255, 255, 255}},
	"magenta": {{0, 0, 0, 255}, {255, 0, 255, 255}},
	"yellow":  {{0, 0, 0, 255}, {255, 255, 0, 255}},
	"viridis": {{68, 1, 84, 255}, {59, 82, 139, 255}, {33, 145, 140, 255}, {94, 201, 98, 255}, {253, 231, 37, 255}},
	"inferno": {{0, 0, 4, 255}, {87, 16, 110, 255}, {188, 55, 84, 255}, {249, 142, 9, 255}, {252, 255, 164, 255}},
}

// KnownColormap reports whether name is a supported intensity colormap.
func KnownColormap(name string) bool {
	_, ok := colormaps[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// ParseColor accepts a color name or #rrggbb / #rrggbbaa.
func ParseColor(raw string) (color.NRGBA, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if named, ok := namedColors[value]; ok {
		return named, nil
	}
	hex, ok := strings.CutPrefix(value, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return color.NRGBA{}, fmt.Errorf("%w: unknown color %q", ErrInvalidArgument, raw)
	}
	parsed, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: unknown color %q", ErrInvalidArgument, raw)
	}
	if len(hex) == 6 {
		parsed = parsed<<8 | 0xff
	}
	return color.NRGBA{
		R: uint8(parsed >> 24),
		G: uint8(parsed >> 16),
		B: uint8(parsed >> 8),
		A: uint8(parsed),
	}, nil
}

// mapIntensity normalizes value through contrast limits and gamma, then
// samples the colormap.
func mapIntensity(value float64, layer *Layer) color.NRGBA {
	lo, hi := layer.ContrastLimits[0], layer.ContrastLimits[1]
	t := 0.0
	if hi > lo {
		t = (value - lo) / (hi - lo)
	}
	t = math.Max(0, math.Min(1, t))
	if layer.Gamma > 0 && layer.Gamma != 1 {
		t = math.Pow(t, layer.Gamma)
	}

	stops, ok := colormaps[layer.Colormap]
	if !ok {
		stops = colormaps["gray"]
	}
	position := t * float64(len(stops)-1)
	index := int(math.Floor(position))
	if index >= len(stops)-1 {
		return stops[len(stops)-1]
	}
	frac := position - float64(index)
	a, b := stops[index], stops[index+1]
	return color.NRGBA{
		R: lerp(a.R, b.R, frac),
		G: lerp(a.G, b.G, frac),
		B: lerp(a.B, b.B, frac),
		A: 255,
	}
}

// labelColor gives every label id a stable, saturated color.
func labelColor(label float64) color.NRGBA {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(label))
	hash := xxhash.Sum64(key[:])
	hue := float64(hash%360) / 360
	return hsvToRGB(hue, 0.8, 0.95)
}

func hsvToRGB(h, s, v float64) color.NRGBA {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.NRGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}

func lerp(a, b uint8, frac float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*frac))
}
