package morsel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Arguments is the ordered argument list of a call. Each entry stays raw JSON
// until a handler binds it to the type it expects.
type Arguments []json.RawMessage

// MarshalArguments converts Go values into an argument list.
func MarshalArguments(args ...any) (Arguments, error) {
	if len(args) == 0 {
		return nil, nil
	}

	arguments := make(Arguments, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			arguments[i] = raw
			continue
		}

		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal argument %d: %w", i, err)
		}
		arguments[i] = data
	}

	return arguments, nil
}

// Len returns the number of arguments.
func (a Arguments) Len() int {
	return len(a)
}

// Bind decodes argument i into v.
func (a Arguments) Bind(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}

	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}

	return nil
}

// BindAll decodes the arguments positionally into targets. It fails if the
// number of targets differs from the number of arguments.
func (a Arguments) BindAll(targets ...any) error {
	if len(targets) != len(a) {
		return fmt.Errorf("expected %d arguments, got %d", len(targets), len(a))
	}

	for i, target := range targets {
		if err := a.Bind(i, target); err != nil {
			return err
		}
	}

	return nil
}

// String renders the arguments for humans: strings unquoted, everything else
// as compact JSON, joined with ", ". An empty list renders as "[No Parameters]".
func (a Arguments) String() string {
	if len(a) == 0 {
		return NoParametersPlaceholder
	}

	parts := make([]string, len(a))
	for i, raw := range a {
		parts[i] = renderArgument(raw)
	}

	return strings.Join(parts, ", ")
}

func renderArgument(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}

	return buf.String()
}
