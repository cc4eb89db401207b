package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize returns the canonical JSON encoding of params: object keys
// sorted, no insignificant whitespace, numbers kept verbatim. Logically equal
// parameter sets always produce identical bytes whatever their key order.
func Canonicalize(params any) ([]byte, error) {
	if params == nil {
		return []byte("null"), nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	// Round-trip through generic values; encoding/json writes map keys in
	// sorted order and json.Number preserves the original literal.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalizing params: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical params: %w", err)
	}
	return out, nil
}

// Key derives the cache key for an operation and its parameters.
func Key(operation string, params any) (string, []byte, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", nil, err
	}
	return keyFromCanonical(operation, canonical), canonical, nil
}

func keyFromCanonical(operation string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
