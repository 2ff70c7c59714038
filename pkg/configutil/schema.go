package configutil

import (
	"slices"
	"strings"
)

// Schema lists the keys a settings map may carry. Lookups ignore case,
// underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// Keys returns every key the schema accepts.
func (s Schema) Keys() []string {
	return slices.Concat(s.Required, s.Optional)
}

// SettingsError lists what a settings map got wrong. Both lists are sorted.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var b strings.Builder
	if len(e.Missing) > 0 {
		b.WriteString("missing: " + strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString("unknown: " + strings.Join(e.Unknown, ", "))
	}
	return b.String()
}

// ValidateSettings checks input against schema and returns a *SettingsError
// when a required key is absent or blank, or when a key is not accepted.
func ValidateSettings(input map[string]any, schema Schema) error {
	present := make(map[string]any, len(input))
	for k, v := range input {
		present[NormalizeKey(k)] = v
	}

	var e SettingsError
	for _, k := range schema.Required {
		if v, ok := present[NormalizeKey(k)]; !ok || blank(v) {
			e.Missing = append(e.Missing, k)
		}
	}
	if !schema.AllowUnknown {
		accepted := make(map[string]bool, len(schema.Required)+len(schema.Optional))
		for _, k := range schema.Keys() {
			accepted[NormalizeKey(k)] = true
		}
		for k := range input {
			if !accepted[NormalizeKey(k)] {
				e.Unknown = append(e.Unknown, k)
			}
		}
	}
	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	slices.Sort(e.Missing)
	slices.Sort(e.Unknown)
	return &e
}

func blank(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}
