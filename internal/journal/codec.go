package journal

import (
	"bytes"
	"encoding/gob"
	"reflect"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable and that their
// concrete types have been registered with gob.Register where needed.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Important: encode as interface{} so we can safely decode into interface{}.
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data produced by EncodeValue.
// For interface targets (including any) the stored dynamic type is
// preserved; for concrete targets the decoded value must be assignable.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, err
	}
	if v, ok := iv.(T); ok {
		return v, nil
	}
	if iv == nil && isInterfaceType[T]() {
		return zero, nil
	}
	return zero, &TypeMismatchError{Want: reflect.TypeOf(zero), Got: reflect.TypeOf(iv)}
}

// TypeMismatchError reports a decoded value whose dynamic type does not
// match the requested target type.
type TypeMismatchError struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *TypeMismatchError) Error() string {
	want := "<interface>"
	if e.Want != nil {
		want = e.Want.String()
	}
	got := "<nil>"
	if e.Got != nil {
		got = e.Got.String()
	}
	return "offload: gob payload type " + got + " not assignable to " + want
}

func isInterfaceType[T any]() bool {
	return reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface
}
