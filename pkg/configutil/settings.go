package configutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a free-form settings map into a typed struct.
// Keys are matched case, underscore and hyphen insensitively and values are
// weakly typed, so "0.001" decodes into a float64 field.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return NormalizeKey(mapKey) == NormalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// EncodeSettings flattens a mapstructure-tagged struct into a settings map.
func EncodeSettings(in any) (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeSettings overlays layers left to right; later layers win per key.
// Keys are compared in normalized form and the last spelling is kept.
func MergeSettings(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	spelling := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			nk := NormalizeKey(k)
			if prev, ok := spelling[nk]; ok && prev != k {
				delete(out, prev)
			}
			spelling[nk] = k
			out[k] = v
		}
	}
	return out
}

// ParseAssignments turns ["key=value", ...] into a settings map. Values that
// parse as bool, int or float are converted; everything else stays a string.
func ParseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", pair)
		}
		out[key] = parseScalar(strings.TrimSpace(value))
	}
	return out, nil
}

func parseScalar(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

// NormalizeKey lower-cases key and strips underscores and hyphens.
func NormalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
