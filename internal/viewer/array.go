package viewer

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	// Decoders for add_image and add_labels paths.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// maxElements bounds in-memory layer data.
const maxElements = 64 * 1024 * 1024

// Array is a dense row-major n-dimensional array.
type Array struct {
	Shape  []int
	Values []float64
}

// NDim returns the number of axes.
func (a Array) NDim() int {
	return len(a.Shape)
}

// Len returns the number of elements.
func (a Array) Len() int {
	return len(a.Values)
}

// MinMax returns the smallest and largest value, or (0, 1) when empty.
func (a Array) MinMax() (float64, float64) {
	if len(a.Values) == 0 {
		return 0, 1
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, value := range a.Values {
		lo = math.Min(lo, value)
		hi = math.Max(hi, value)
	}
	return lo, hi
}

// Plane returns the trailing 2D plane selected by leading indices. Missing
// or out-of-range leading indices are clamped.
func (a Array) Plane(leading []int) (rows, cols int, values []float64) {
	switch len(a.Shape) {
	case 0:
		return 0, 0, nil
	case 1:
		return 1, a.Shape[0], a.Values
	}
	rows, cols = a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	offset := 0
	stride := rows * cols
	for axis := len(a.Shape) - 3; axis >= 0; axis-- {
		index := 0
		if axis < len(leading) {
			index = clamp(leading[axis], 0, a.Shape[axis]-1)
		}
		offset += index * stride
		stride *= a.Shape[axis]
	}
	return rows, cols, a.Values[offset : offset+rows*cols]
}

// Project returns the maximum intensity projection over the third-last
// axis, keeping the other leading indices.
func (a Array) Project(leading []int) (rows, cols int, values []float64) {
	if len(a.Shape) < 3 {
		return a.Plane(leading)
	}
	depthAxis := len(a.Shape) - 3
	depth := a.Shape[depthAxis]
	selection := append([]int(nil), leading...)
	for len(selection) <= depthAxis {
		selection = append(selection, 0)
	}
	var out []float64
	for z := range depth {
		selection[depthAxis] = z
		r, c, plane := a.Plane(selection)
		if out == nil {
			rows, cols = r, c
			out = append([]float64(nil), plane...)
			continue
		}
		for i, value := range plane {
			if value > out[i] {
				out[i] = value
			}
		}
	}
	return rows, cols, out
}

// ParseArray converts nested numeric lists, as decoded from a request,
// into a rectangular Array.
func ParseArray(raw any) (Array, error) {
	if raw == nil {
		return Array{}, errors.New("data is empty")
	}
	shape, err := inferShape(raw)
	if err != nil {
		return Array{}, err
	}
	total := 1
	for _, extent := range shape {
		if extent == 0 {
			return Array{}, errors.New("data has an empty axis")
		}
		total *= extent
		if total > maxElements {
			return Array{}, fmt.Errorf("data exceeds %d elements", maxElements)
		}
	}
	values := make([]float64, 0, total)
	if err := flatten(raw, shape, &values); err != nil {
		return Array{}, err
	}
	return Array{Shape: shape, Values: values}, nil
}

func inferShape(raw any) ([]int, error) {
	var shape []int
	current := raw
	for {
		list, ok := current.([]any)
		if !ok {
			if _, err := toFloat(current); err != nil {
				return nil, err
			}
			return shape, nil
		}
		shape = append(shape, len(list))
		if len(list) == 0 {
			return shape, nil
		}
		current = list[0]
	}
}

func flatten(raw any, shape []int, out *[]float64) error {
	if len(shape) == 0 {
		value, err := toFloat(raw)
		if err != nil {
			return err
		}
		*out = append(*out, value)
		return nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) != shape[0] {
		return errors.New("data is not rectangular")
	}
	for _, element := range list {
		if err := flatten(element, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func toFloat(raw any) (float64, error) {
	switch value := raw.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case uint64:
		return float64(value), nil
	case int32:
		return float64(value), nil
	case uint32:
		return float64(value), nil
	case uint8:
		return float64(value), nil
	case bool:
		if value {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("data element %v (%T) is not numeric", raw, raw)
	}
}

// LoadImage decodes a PNG, JPEG or GIF file into a 2D luminance array.
func LoadImage(path string) (Array, error) {
	file, err := os.Open(path)
	if err != nil {
		return Array{}, fmt.Errorf("open image %s: %w", path, err)
	}
	defer file.Close()

	decoded, _, err := image.Decode(file)
	if err != nil {
		return Array{}, fmt.Errorf("decode image %s: %w", path, err)
	}
	bounds := decoded.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	values := make([]float64, 0, rows*cols)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := decoded.At(x, y).RGBA()
			luminance := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257
			values = append(values, math.Round(luminance))
		}
	}
	return Array{Shape: []int{rows, cols}, Values: values}, nil
}

func clamp(value, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
