package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON renders v as deterministic JSON: object keys sorted
// recursively, no insignificant whitespace. Round-tripping through the
// generic form normalizes structs and map ordering alike.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Hash returns the hex SHA-256 of v's canonical JSON. nil hashes the JSON
// null literal, so absent payloads still produce a stable digest.
func Hash(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
