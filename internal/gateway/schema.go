package gateway

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ship-commander/cmdbridge/internal/bridge"
)

// ParamType is the wire type an argument must convert to.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
	TypeAny     ParamType = "any"
)

// Param describes one accepted argument.
type Param struct {
	Name        string    `cbor:"name" yaml:"name"`
	Type        ParamType `cbor:"type" yaml:"type"`
	Required    bool      `cbor:"required" yaml:"required"`
	Description string    `cbor:"description,omitempty" yaml:"description,omitempty"`
	Default     any       `cbor:"default,omitempty" yaml:"default,omitempty"`
}

// ValidationError reports arguments rejected before a command is queued.
type ValidationError struct {
	Operation string
	Field     string
	Message   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("%s: argument %q %s", e.Operation, e.Field, e.Message)
}

// Is lets errors.Is match the bridge validation sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == bridge.ErrValidation
}

// Args are validated arguments. Every declared parameter with a default
// is present; values already have the declared Go type.
type Args map[string]any

// Has reports whether name was supplied or defaulted.
func (a Args) Has(name string) bool {
	value, ok := a[name]
	return ok && value != nil
}

// String returns a string argument or "".
func (a Args) String(name string) string {
	value, _ := a[name].(string)
	return value
}

// Int returns an integer argument or 0.
func (a Args) Int(name string) int {
	value, _ := a[name].(int)
	return value
}

// IntPtr returns nil when the argument is absent.
func (a Args) IntPtr(name string) *int {
	value, ok := a[name].(int)
	if !ok {
		return nil
	}
	return &value
}

// Float returns a number argument or 0.
func (a Args) Float(name string) float64 {
	value, _ := a[name].(float64)
	return value
}

// FloatPtr returns nil when the argument is absent.
func (a Args) FloatPtr(name string) *float64 {
	value, ok := a[name].(float64)
	if !ok {
		return nil
	}
	return &value
}

// Bool returns a boolean argument or false.
func (a Args) Bool(name string) bool {
	value, _ := a[name].(bool)
	return value
}

// BoolPtr returns nil when the argument is absent.
func (a Args) BoolPtr(name string) *bool {
	value, ok := a[name].(bool)
	if !ok {
		return nil
	}
	return &value
}

// StringPtr returns nil when the argument is absent.
func (a Args) StringPtr(name string) *string {
	value, ok := a[name].(string)
	if !ok {
		return nil
	}
	return &value
}

// Array returns an array argument or nil.
func (a Args) Array(name string) []any {
	value, _ := a[name].([]any)
	return value
}

// Strings converts an array argument of strings.
func (a Args) Strings(name string) ([]string, error) {
	raw := a.Array(name)
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		value, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be a string", bridge.ErrValidation, name, i)
		}
		out = append(out, value)
	}
	return out, nil
}

// Floats converts an array argument of numbers.
func (a Args) Floats(name string) ([]float64, error) {
	raw := a.Array(name)
	if raw == nil {
		return nil, nil
	}
	out := make([]float64, 0, len(raw))
	for i, item := range raw {
		value, ok := toNumber(item)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be a number", bridge.ErrValidation, name, i)
		}
		out = append(out, value)
	}
	return out, nil
}

// Matrix converts an array argument of number rows.
func (a Args) Matrix(name string) ([][]float64, error) {
	return toMatrix(name, a.Array(name))
}

func toMatrix(name string, raw []any) ([][]float64, error) {
	out := make([][]float64, 0, len(raw))
	for i, row := range raw {
		items, ok := toArray(row)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be an array of numbers", bridge.ErrValidation, name, i)
		}
		values := make([]float64, 0, len(items))
		for j, item := range items {
			value, ok := toNumber(item)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d][%d] must be a number", bridge.ErrValidation, name, i, j)
			}
			values = append(values, value)
		}
		out = append(out, values)
	}
	return out, nil
}

// Validate checks raw against params: unknown names and missing
// required arguments are rejected, and every value is converted to its
// declared type.
func Validate(operation string, params []Param, raw map[string]any) (Args, error) {
	declared := make(map[string]Param, len(params))
	for _, param := range params {
		declared[param.Name] = param
	}

	var unknown []string
	for name := range raw {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ValidationError{Operation: operation, Message: "unknown arguments: " + strings.Join(unknown, ", ")}
	}

	args := make(Args, len(params))
	for _, param := range params {
		value, present := raw[param.Name]
		if !present || value == nil {
			if param.Required {
				return nil, &ValidationError{Operation: operation, Field: param.Name, Message: "is required"}
			}
			if param.Default != nil {
				args[param.Name] = param.Default
			}
			continue
		}
		converted, err := convert(param.Type, value)
		if err != nil {
			return nil, &ValidationError{Operation: operation, Field: param.Name, Message: err.Error()}
		}
		args[param.Name] = converted
	}
	return args, nil
}

func convert(kind ParamType, value any) (any, error) {
	switch kind {
	case TypeString:
		if text, ok := value.(string); ok {
			return text, nil
		}
		return nil, fmt.Errorf("must be a string, got %T", value)
	case TypeInteger:
		return toInteger(value)
	case TypeNumber:
		if number, ok := toNumber(value); ok {
			return number, nil
		}
		if text, ok := value.(string); ok {
			number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err == nil {
				return number, nil
			}
		}
		return nil, fmt.Errorf("must be a number, got %T", value)
	case TypeBoolean:
		return toBoolean(value)
	case TypeArray:
		if items, ok := toArray(value); ok {
			return items, nil
		}
		return nil, fmt.Errorf("must be an array, got %T", value)
	case TypeObject:
		if object, ok := value.(map[string]any); ok {
			return object, nil
		}
		return nil, fmt.Errorf("must be an object, got %T", value)
	case TypeAny:
		return value, nil
	default:
		return nil, fmt.Errorf("has unsupported type %q", kind)
	}
}

func toNumber(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case float32:
		return float64(number), true
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	default:
		return 0, false
	}
}

func toInteger(value any) (int, error) {
	if text, ok := value.(string); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", text)
		}
		return parsed, nil
	}
	number, ok := toNumber(value)
	if !ok {
		return 0, fmt.Errorf("must be an integer, got %T", value)
	}
	if number != math.Trunc(number) || math.Abs(number) > math.MaxInt32 {
		return 0, fmt.Errorf("must be an integer, got %v", number)
	}
	return int(number), nil
}

func toBoolean(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("must be a boolean, got %q", typed)
	}
	if number, ok := toNumber(value); ok && (number == 0 || number == 1) {
		return number == 1, nil
	}
	return false, errors.New("must be a boolean")
}

func toArray(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// nested converts typed Go slices at any depth into the []any form the
// wire decoder produces.
func nested(value any) any {
	items, ok := toArray(value)
	if !ok {
		return value
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = nested(item)
	}
	return out
}
