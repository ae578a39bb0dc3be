// Package hashengine implements the stable content hasher: a fixed-order
// sequence of records, each serialized to canonical JSON with a
// domain-separating length prefix, fed into a single SHA-256 digest.
// Adapted from the capnproto-based TaskHashable/GlobalHashable hashing in
// internal/fs/hash/capnp.go, but swaps the schema-based serializer for
// encoding/json plus Go's native map-key sort order, since no capnp schema
// is available for this record shape.
package hashengine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Engine accumulates records in declaration order and produces one digest.
type Engine struct {
	records []record
}

type record struct {
	label string
	json  []byte
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{}
}

// Add canonically serializes v and appends it as the next record. label
// identifies the record for the persisted manifest (e.g. "command",
// "deps_state", "inputs") and is not itself hashed.
func (e *Engine) Add(label string, v interface{}) error {
	data, err := canonicalJSON(v)
	if err != nil {
		return fmt.Errorf("hashengine: encoding %s: %w", label, err)
	}
	e.records = append(e.records, record{label: label, json: data})
	return nil
}

// canonicalJSON serializes v with HTML-escaping disabled, since the digest
// must not depend on whether the payload happens to contain '<', '>', '&'.
// encoding/json already sorts map keys, which is sufficient canonicalization
// for the map-shaped records this package hashes.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the lowercase hex SHA-256 of every added record,
// concatenated with a big-endian uint32 length prefix ahead of each record
// so that no record's content can bleed into a neighboring one's bytes.
func (e *Engine) Digest() string {
	h := sha256.New()
	for _, r := range e.records {
		var lenPrefix [4]byte
		n := len(r.json)
		lenPrefix[0] = byte(n >> 24)
		lenPrefix[1] = byte(n >> 16)
		lenPrefix[2] = byte(n >> 8)
		lenPrefix[3] = byte(n)
		h.Write(lenPrefix[:])
		h.Write(r.json)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Manifest returns the pre-digest JSON for every record, keyed by label
// (a later record replaces an earlier one with the same label), suitable
// for persisting under
// .moon/cache/hashes/<hash>.json for audit.
func (e *Engine) Manifest() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(e.records))
	for _, r := range e.records {
		out[r.label] = json.RawMessage(r.json)
	}
	return out, nil
}
