package viewer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultTimelapseBudget bounds the combined PNG size of one timelapse
// when frames are downscaled to fit.
const DefaultTimelapseBudget = 1309246

// Frame is one rendered timelapse step.
type Frame struct {
	Step int
	PNG  []byte
}

// Timelapse is the result of sweeping one dims axis.
type Timelapse struct {
	Axis     int
	AxisSize int
	Indices  []int
	Scale    float64
	Frames   []Frame
}

// ParseSliceSpec expands a slice expression over an axis of size
// elements. It accepts start:stop[:step] with negative indices and
// omitted parts, a single index, or a comma separated list of indices.
func ParseSliceSpec(spec string, size int) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = ":"
	}

	if strings.Contains(spec, ",") {
		var indices []int
		for _, part := range strings.Split(spec, ",") {
			index, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid slice specification %q", ErrInvalidArgument, spec)
			}
			if index < 0 {
				index += size
			}
			if index < 0 || index >= size {
				return nil, fmt.Errorf("%w: index %s outside axis of size %d", ErrInvalidArgument, strings.TrimSpace(part), size)
			}
			indices = append(indices, index)
		}
		return indices, nil
	}

	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("%w: invalid slice specification %q", ErrInvalidArgument, spec)
	}
	values := make([]*int, 3)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid slice specification %q", ErrInvalidArgument, spec)
		}
		values[i] = &value
	}

	if len(parts) == 1 {
		index := *values[0]
		if index < 0 {
			index += size
		}
		if index < 0 || index >= size {
			return nil, fmt.Errorf("%w: index %d outside axis of size %d", ErrInvalidArgument, *values[0], size)
		}
		return []int{index}, nil
	}

	step := 1
	if values[2] != nil {
		step = *values[2]
	}
	if step == 0 {
		return nil, fmt.Errorf("%w: slice step cannot be zero", ErrInvalidArgument)
	}
	start, stop := sliceBounds(values[0], values[1], step, size)

	var indices []int
	if step > 0 {
		for i := start; i < stop; i += step {
			indices = append(indices, i)
		}
	} else {
		for i := start; i > stop; i += step {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: slice %q produces no valid indices for axis size %d", ErrInvalidArgument, spec, size)
	}
	return indices, nil
}

// sliceBounds resolves start and stop the way sequence slicing does.
func sliceBounds(startValue, stopValue *int, step, size int) (int, int) {
	lower, upper := 0, size
	if step < 0 {
		lower, upper = -1, size-1
	}
	resolve := func(value *int, fallback int) int {
		if value == nil {
			return fallback
		}
		index := *value
		if index < 0 {
			index += size
			if index < lower {
				index = lower
			}
		} else if index > upper {
			index = upper
		}
		return index
	}
	if step > 0 {
		return resolve(startValue, lower), resolve(stopValue, upper)
	}
	return resolve(startValue, upper), resolve(stopValue, lower)
}

// SweepAxis renders one frame per selected step of axis and restores the
// original slider position afterwards. With interpolateToFit the frames
// are rendered smaller until their combined size fits budget.
func (v *Viewer) SweepAxis(axis int, spec string, canvasOnly, interpolateToFit bool, budget int) (Timelapse, error) {
	if v.closed {
		return Timelapse{}, ErrClosed
	}
	nsteps := v.NSteps()
	if axis < 0 || axis >= len(nsteps) {
		return Timelapse{}, fmt.Errorf("%w: axis %d is not valid, available axes: 0-%d", ErrInvalidArgument, axis, len(nsteps)-1)
	}
	size := nsteps[axis]
	if size <= 1 {
		return Timelapse{}, fmt.Errorf("%w: axis %d has only %d steps, cannot create timelapse", ErrInvalidArgument, axis, size)
	}
	indices, err := ParseSliceSpec(spec, size)
	if err != nil {
		return Timelapse{}, err
	}
	if budget <= 0 {
		budget = DefaultTimelapseBudget
	}

	original := v.CurrentStep()[axis]
	defer func() {
		_, _ = v.SetCurrentStep(axis, original)
	}()

	scale := 1.0
	for {
		frames, total, err := v.renderFrames(axis, indices, canvasOnly, scale)
		if err != nil {
			return Timelapse{}, err
		}
		if !interpolateToFit || total <= budget || scale <= 0.05 {
			return Timelapse{Axis: axis, AxisSize: size, Indices: indices, Scale: scale, Frames: frames}, nil
		}
		// PNG size grows roughly with pixel count.
		scale = math.Max(0.05, scale*math.Sqrt(float64(budget)/float64(total))*0.9)
	}
}

func (v *Viewer) renderFrames(axis int, indices []int, canvasOnly bool, scale float64) ([]Frame, int, error) {
	frames := make([]Frame, 0, len(indices))
	total := 0
	for _, index := range indices {
		if _, err := v.SetCurrentStep(axis, index); err != nil {
			return nil, 0, err
		}
		data, err := v.ScreenshotScaled(canvasOnly, scale)
		if err != nil {
			return nil, 0, err
		}
		total += len(data)
		frames = append(frames, Frame{Step: index, PNG: data})
	}
	return frames, total, nil
}
