package divert

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// NewHandle builds a handle of the given type from opaque configuration
// options. The handle still needs Open before use.
func NewHandle(typ, filter string, priority int16, options map[string]interface{}) (Handle, error) {
	switch typ {
	case "memory":
		var opts MemoryOptions
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, fmt.Errorf("memory handle options: %w", err)
		}
		return NewMemoryHandle(filter, priority, opts), nil
	case "replay":
		var opts ReplayOptions
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, fmt.Errorf("replay handle options: %w", err)
		}
		if opts.Input == "" {
			return nil, fmt.Errorf("replay handle requires an input capture")
		}
		return NewReplayHandle(filter, opts), nil
	default:
		return nil, fmt.Errorf("unknown handle type %q", typ)
	}
}
