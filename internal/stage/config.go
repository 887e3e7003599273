package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeConfig decodes a stage configuration map into v, a pointer to a
// struct with json tags. Unknown keys are rejected.
func DecodeConfig(cfg map[string]any, v any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding stage config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding stage config: %w", err)
	}
	return nil
}
