package config

import (
	"github.com/mitchellh/mapstructure"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
)

// DecodeSettings decodes a backend's string settings into out, a pointer to a
// struct with mapstructure tags. Numbers, booleans, durations and
// comma-separated lists are converted from their string form.
func DecodeSettings(settings map[string]string, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to build settings decoder")
	}
	if err := dec.Decode(settings); err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid backend settings")
	}
	return nil
}
