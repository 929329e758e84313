// Package codec converts typed catalog values to and from the bytes kept in
// the cache.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes V.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// JSON stores values as JSON text, the format the extractor answers in.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// Msgpack stores values as MessagePack.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// CBOR stores values as CBOR. Build it with NewCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds a CBOR codec using the preferred (shortest) encoding.
func NewCBOR[V any]() (CBOR[V], error) {
	em, err := cbor.PreferredUnsortedEncOptions().EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}

// Limit rejects payloads longer than Max bytes on Decode. Max <= 0 disables
// the check.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

func (l Limit[V]) Encode(v V) ([]byte, error) { return l.Inner.Encode(v) }

func (l Limit[V]) Decode(b []byte) (V, error) {
	if l.Max > 0 && len(b) > l.Max {
		var zero V
		return zero, fmt.Errorf("codec: payload of %d bytes exceeds limit %d", len(b), l.Max)
	}
	return l.Inner.Decode(b)
}

var (
	_ Codec[struct{}] = JSON[struct{}]{}
	_ Codec[struct{}] = Msgpack[struct{}]{}
	_ Codec[struct{}] = CBOR[struct{}]{}
	_ Codec[struct{}] = Limit[struct{}]{}
)
