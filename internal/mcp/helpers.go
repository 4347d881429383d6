package mcpserver

import (
	"bytes"
	"encoding/json"
	"fmt"

	"designer/internal/diff"
	"designer/internal/domain"
)

// parseJSON parses a JSON string into the target type. Numbers stay
// json.Number so integers are not rounded through float64.
func parseJSON(data string, target any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	return dec.Decode(target)
}

// marshalJSON serializes a value to JSON bytes.
func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// parseDocument decodes a designer document given as a JSON object string.
func parseDocument(raw string) (domain.DesignerState, error) {
	if raw == "" {
		return nil, fmt.Errorf("document is required")
	}
	doc, err := diff.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	return domain.DesignerState(doc), nil
}

// parseDelta decodes a JSON array of {path, op, value} changes.
func parseDelta(raw string) (diff.Delta, error) {
	if raw == "" {
		return nil, fmt.Errorf("delta is required")
	}
	var d diff.Delta
	if err := parseJSON(raw, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return diff.Validate(d)
}
