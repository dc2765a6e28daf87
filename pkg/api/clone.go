package api

import (
	"bytes"
	"encoding/gob"
)

// CloneValue deep-copies a value through encoding/gob.
//
// Payloads are normally handed to a worker by reference: the submitter
// transfers ownership and must not mutate the value afterwards. When the
// submitter wants to keep mutating its buffer (copy semantics instead of
// transfer semantics), CloneValue produces an isolated copy to submit.
//
// Values must be gob-encodable; concrete struct types carried inside
// interface values need a gob.Register call, same as queued payloads.
func CloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer

	// Encode as interface{} so we can decode back into interface{}.
	var iv = v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}

	var out any
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone is the typed convenience form of CloneValue.
func Clone[T any](v T) (T, error) {
	var out T
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return out, err
	}
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
