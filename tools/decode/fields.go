package decode

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options customizes Decode behavior.
type Options struct {
	// WeaklyTypedInput enables lenient decoding (default true):
	// e.g. "123" -> int, 1.0 -> int64. Feed payloads travel as JSON,
	// so numbers arrive as float64 and need the conversion.
	WeaklyTypedInput bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// Fields decodes a loose field map (one feed event's payload) into a typed
// struct T. Field names are matched through the `json` tag, the same tag the
// store uses when persisting the map.
func Fields[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("fields map is nil")
	}

	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook:       floatToIntHook(),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return &out, nil
}

// floatToIntHook converts float64 to integer targets when the value is
// integral; JSON round-trips turn int64 timestamps into float64.
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to.Kind() {
		case reflect.Int64:
			return int64(f), nil
		case reflect.Int32:
			return int32(f), nil
		case reflect.Int:
			return int(f), nil
		default:
			return data, nil
		}
	}
}
