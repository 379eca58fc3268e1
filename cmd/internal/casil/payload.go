package casil

import (
	"encoding/json"
	"fmt"
)

// PayloadCodec gives the redactor structured access to an otherwise opaque
// payload. The bus normalizes every wire family to canonical JSON bytes, so
// the JSON codec is the default; other encodings plug in here.
type PayloadCodec interface {
	// Decode parses raw payload bytes into a structured value built from
	// maps, slices, strings, numbers, bools, and nil.
	Decode(raw []byte) (any, error)
	// Encode renders the structured value back to payload bytes.
	Encode(v any) ([]byte, error)
}

// JSONPayloadCodec is the default codec for the canonical JSON payload form.
type JSONPayloadCodec struct{}

func (JSONPayloadCodec) Decode(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("casil: decode payload: %w", err)
	}
	return v, nil
}

func (JSONPayloadCodec) Encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("casil: encode payload: %w", err)
	}
	return out, nil
}
