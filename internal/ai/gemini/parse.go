package gemini

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/cv-matcher/internal/analysis"
)

// ParseRecord strictly decodes a model response into a record. Anything that
// is not exactly an object of three string arrays is rejected.
func ParseRecord(raw string, role analysis.Role) (*analysis.Record, error) {
	fail := func(reason string, err error) error {
		return &analysis.ExtractionSchemaError{Role: role, Reason: reason, Raw: raw, Err: err}
	}

	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, fail("empty response", nil)
	}

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fail("malformed JSON", err)
	}

	object, ok := data.(map[string]any)
	if !ok {
		return nil, fail(fmt.Sprintf("expected a JSON object, got %s", jsonKind(data)), nil)
	}

	for _, category := range analysis.Categories {
		key := string(category)
		value, ok := object[key]
		if !ok {
			return nil, fail(fmt.Sprintf("missing key %q", key), nil)
		}

		items, ok := value.([]any)
		if !ok {
			return nil, fail(fmt.Sprintf("%q must be an array, got %s", key, jsonKind(value)), nil)
		}

		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fail(fmt.Sprintf("%q[%d] must be a string, got %s", key, i, jsonKind(item)), nil)
			}
			if strings.TrimSpace(s) == "" {
				return nil, fail(fmt.Sprintf("%q[%d] is blank", key, i), nil)
			}
		}
	}

	if unknown := unknownKeys(object); len(unknown) > 0 {
		return nil, fail(fmt.Sprintf("unexpected keys %q", unknown), nil)
	}

	record := &analysis.Record{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      record,
	})
	if err != nil {
		return nil, fmt.Errorf("create record decoder: %w", err)
	}

	if err := decoder.Decode(object); err != nil {
		return nil, fail("decode record", err)
	}

	record.Dedupe()
	return record, nil
}

func unknownKeys(object map[string]any) []string {
	known := make(map[string]struct{}, len(analysis.Categories))
	for _, category := range analysis.Categories {
		known[string(category)] = struct{}{}
	}

	var unknown []string
	for key := range object {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
