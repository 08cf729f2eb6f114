package ticket

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var (
	errRegionsMissing = errors.New("regions is missing")
	errRegionsEmpty   = errors.New("regions is empty")
	errRegionsType    = errors.New("regions must be a string or an array of strings")
)

// NormalizeRegions turns the raw regions value into a canonical JSON string.
// A single string is encoded as a JSON string; an array is encoded as a JSON array of
// trimmed, non-empty strings.
func NormalizeRegions(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", ValidationError(errRegionsMissing)
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", ValidationError(err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ValidationError(errRegionsEmpty)
		}
		return encodeRegions(s)
	case '[':
		var items []any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return "", ValidationError(err)
		}
		regions := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return "", ValidationError(errRegionsType)
			}
			if s = strings.TrimSpace(s); s != "" {
				regions = append(regions, s)
			}
		}
		if len(regions) == 0 {
			return "", ValidationError(errRegionsEmpty)
		}
		return encodeRegions(regions)
	default:
		return "", ValidationError(errRegionsType)
	}
}

func encodeRegions(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", ValidationError(err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
