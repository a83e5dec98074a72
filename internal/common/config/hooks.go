package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringToStringMapHookFunc(),
	)),
}

// StringToStringMapHookFunc decodes strings of the form "k1=v1 k2=v2" into a map[string]string. Environment
// variables can only carry plain strings, so this is how e.g. postgres connection parameters are set from one.
func StringToStringMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		return ParseStringMap(data.(string))
	}
}

// ParseStringMap parses whitespace separated key=value pairs.
func ParseStringMap(s string) (map[string]string, error) {
	result := make(map[string]string)
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid key=value pair %q", field)
		}
		result[key] = value
	}
	return result, nil
}
