package graph

import (
	"fmt"
	"math"
	"sort"
)

// Attributes are the static parameters of a node, e.g. strides for conv2d.
// Values are scalars (int, float, bool, string) or arrays of ints or floats.
// Numbers decoded from JSON arrive as float64 and are accepted by the int
// getters when they are integral.
type Attributes map[string]any

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a Attributes) Int(name string, defaultValue int) (int, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return i, nil
}

func (a Attributes) Float(name string, defaultValue float32) (float32, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return f, nil
}

func (a Attributes) Bool(name string, defaultValue bool) (bool, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("attribute %q: expected bool, got %T", name, v)
	}
	return b, nil
}

func (a Attributes) String(name string, defaultValue string) (string, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("attribute %q: expected string, got %T", name, v)
	}
	return s, nil
}

func (a Attributes) Ints(name string, defaultValue []int) ([]int, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	var out []int
	switch v := v.(type) {
	case []int:
		out = append(out, v...)
	case []int32:
		for _, x := range v {
			out = append(out, int(x))
		}
	case []int64:
		for _, x := range v {
			out = append(out, int(x))
		}
	case []any:
		for i, x := range v {
			n, err := toInt(x)
			if err != nil {
				return nil, fmt.Errorf("attribute %q[%d]: %w", name, i, err)
			}
			out = append(out, n)
		}
	default:
		return nil, fmt.Errorf("attribute %q: expected int array, got %T", name, v)
	}
	return out, nil
}

func (a Attributes) Floats(name string, defaultValue []float32) ([]float32, error) {
	v, ok := a[name]
	if !ok {
		return defaultValue, nil
	}
	var out []float32
	switch v := v.(type) {
	case []float32:
		out = append(out, v...)
	case []float64:
		for _, x := range v {
			out = append(out, float32(x))
		}
	case []any:
		for i, x := range v {
			f, err := toFloat(x)
			if err != nil {
				return nil, fmt.Errorf("attribute %q[%d]: %w", name, i, err)
			}
			out = append(out, f)
		}
	default:
		return nil, fmt.Errorf("attribute %q: expected float array, got %T", name, v)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat(v any) (float32, error) {
	switch v := v.(type) {
	case float32:
		return v, nil
	case float64:
		return float32(v), nil
	case int:
		return float32(v), nil
	case int64:
		return float32(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
