package bus

import "fmt"

// Values crossing the bus are JSON-shaped: numbers arrive as float64, objects
// as map[string]any. These helpers recover the types handlers work with.

// Int converts a bus value to int64.
func Int(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("bus: value %v (%T) is not a number", v, v)
	}
}

// Str converts a bus value to a string.
func Str(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("bus: value %v (%T) is not a string", v, v)
	}
	return s, nil
}

// Float converts a bus value to float64.
func Float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("bus: value %v (%T) is not a number", v, v)
	}
}

// Object converts a bus value to a map.
func Object(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bus: value %v (%T) is not an object", v, v)
	}
	return m, nil
}

// Array converts a bus value to a slice.
func Array(v any) ([]any, error) {
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("bus: value %v (%T) is not an array", v, v)
	}
	return a, nil
}
