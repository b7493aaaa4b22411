package handler

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Bind decodes a request's params map into a typed argument struct. It
// is the keyword-parameter analogue of the teacher's
// reflect.New(ArgType) + json.Unmarshal(payload, argv.Interface())
// binding in server/service.go — handler modules call this once at the
// top of each Func instead of hand-rolling field lookups out of the
// params map.
func Bind(params map[string]any, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true, // params arrives as JSON-decoded any (float64 for numbers, etc.)
		TagName:          "param",
	})
	if err != nil {
		return fmt.Errorf("handler: build decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("handler: decode params: %w", err)
	}
	return nil
}
