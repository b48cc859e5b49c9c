package object

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON encodes v as RFC 8785 canonical JSON. Every hashed object
// kind (manifest, recipe) is serialized through this so identical values
// yield identical bytes on every platform.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return canonical, nil
}

// HashCanonical canonicalizes v and returns (id, canonical bytes).
func HashCanonical(v interface{}) (ID, []byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(b), b, nil
}
