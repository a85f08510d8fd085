package runtime

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeInto maps a loosely typed YAML map onto a typed struct. Weak
// typing lets authors write 0.7 or "0.7" interchangeably in settings.
func decodeInto(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}
