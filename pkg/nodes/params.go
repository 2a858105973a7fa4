package nodes

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %q", ErrMissingParam, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %T", ErrMissingParam, key, v)
	}
	return s, nil
}

func optionalString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok && v != nil {
		return cast.ToString(v)
	}
	return fallback
}

func optionalBool(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		return cast.ToBool(v)
	}
	return false
}

func optionalInt(params map[string]any, key string, fallback int64) int64 {
	if v, ok := params[key]; ok && v != nil {
		if i, isInt := value.AsInt(v); isInt {
			return i
		}
	}
	return fallback
}

func optionalFloat(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key]; ok && v != nil {
		if f, isNum := value.AsFloat(v); isNum {
			return f
		}
	}
	return fallback
}

func requireInt(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %q", ErrMissingParam, key)
	}
	i, isInt := value.AsInt(v)
	if !isInt {
		return 0, fmt.Errorf("%w: %q must be an integer, got %T", ErrMissingParam, key, v)
	}
	return i, nil
}
